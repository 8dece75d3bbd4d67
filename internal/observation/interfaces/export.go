// Package interfaces renders stored observations into exchange formats.
package interfaces

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	observation "airsense-cloud/internal/observation/domain"
)

// parameterColumns returns the sorted union of parameter names across the
// result set, so exports stay stable regardless of which channels each
// record carries.
func parameterColumns(list []observation.Observation) []string {
	seen := make(map[string]struct{})
	for _, obs := range list {
		for name := range obs.Parameters {
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// BuildObservationsCSV renders observations as CSV.
func BuildObservationsCSV(list []observation.Observation) ([]byte, error) {
	columns := parameterColumns(list)

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := append([]string{"id", "station_id", "observed_at", "source_id"}, columns...)
	if err := writer.Write(header); err != nil {
		return nil, err
	}
	for _, obs := range list {
		row := []string{
			obs.ID,
			obs.StationID,
			obs.ObservedAt.Format(time.RFC3339),
			obs.Provenance.SourceID,
		}
		for _, name := range columns {
			if value, ok := obs.Parameters[name]; ok {
				row = append(row, strconv.FormatFloat(value.Value, 'f', -1, 64))
			} else {
				row = append(row, "")
			}
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	return buf.Bytes(), writer.Error()
}

// BuildObservationsXLSX renders observations as a workbook with one data
// sheet and a per-parameter summary sheet.
func BuildObservationsXLSX(list []observation.Observation) ([]byte, error) {
	columns := parameterColumns(list)

	f := excelize.NewFile()
	dataSheet := "observations"
	summarySheet := "summary"
	f.SetSheetName("Sheet1", dataSheet)
	f.NewSheet(summarySheet)

	_ = f.SetCellValue(dataSheet, "A1", "ID")
	_ = f.SetCellValue(dataSheet, "B1", "Station")
	_ = f.SetCellValue(dataSheet, "C1", "Observed At")
	_ = f.SetCellValue(dataSheet, "D1", "Source")
	for i, name := range columns {
		cell, _ := excelize.CoordinatesToCellName(5+i, 1)
		_ = f.SetCellValue(dataSheet, cell, name)
	}
	for i, obs := range list {
		row := i + 2
		_ = f.SetCellValue(dataSheet, fmt.Sprintf("A%d", row), obs.ID)
		_ = f.SetCellValue(dataSheet, fmt.Sprintf("B%d", row), obs.StationID)
		_ = f.SetCellValue(dataSheet, fmt.Sprintf("C%d", row), obs.ObservedAt.Format(time.RFC3339))
		_ = f.SetCellValue(dataSheet, fmt.Sprintf("D%d", row), obs.Provenance.SourceID)
		for j, name := range columns {
			if value, ok := obs.Parameters[name]; ok {
				cell, _ := excelize.CoordinatesToCellName(5+j, row)
				_ = f.SetCellValue(dataSheet, cell, value.Value)
			}
		}
	}

	_ = f.SetCellValue(summarySheet, "A1", "Parameter")
	_ = f.SetCellValue(summarySheet, "B1", "Unit")
	_ = f.SetCellValue(summarySheet, "C1", "Samples")
	_ = f.SetCellValue(summarySheet, "D1", "Min")
	_ = f.SetCellValue(summarySheet, "E1", "Avg")
	_ = f.SetCellValue(summarySheet, "F1", "Max")
	for i, name := range columns {
		stat := summarize(list, name)
		row := i + 2
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), name)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), stat.unit)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("C%d", row), stat.count)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("D%d", row), stat.min)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("E%d", row), stat.avg())
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("F%d", row), stat.max)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildObservationsPDF renders a summary report.
func BuildObservationsPDF(stationID string, from, to time.Time, list []observation.Observation) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Air Quality Observation Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	if stationID != "" {
		pdf.Cell(0, 6, fmt.Sprintf("Station: %s", stationID))
		pdf.Ln(5)
	}
	if !from.IsZero() || !to.IsZero() {
		pdf.Cell(0, 6, fmt.Sprintf("Range: %s - %s", formatOrDash(from), formatOrDash(to)))
		pdf.Ln(5)
	}
	pdf.Cell(0, 6, fmt.Sprintf("Observations: %d", len(list)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", time.Now().UTC().Format(time.RFC3339)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(40, 6, "Parameter", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Unit", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Samples", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Min", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Avg", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Max", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, name := range parameterColumns(list) {
		stat := summarize(list, name)
		pdf.CellFormat(40, 6, name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(20, 6, stat.unit, "1", 0, "C", false, 0, "")
		pdf.CellFormat(25, 6, strconv.Itoa(stat.count), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.2f", stat.min), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.2f", stat.avg()), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.2f", stat.max), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type paramStat struct {
	unit  string
	count int
	min   float64
	max   float64
	sum   float64
}

func (s paramStat) avg() float64 {
	if s.count == 0 {
		return 0
	}
	return s.sum / float64(s.count)
}

func summarize(list []observation.Observation, name string) paramStat {
	stat := paramStat{}
	for _, obs := range list {
		value, ok := obs.Parameters[name]
		if !ok {
			continue
		}
		if stat.count == 0 || value.Value < stat.min {
			stat.min = value.Value
		}
		if stat.count == 0 || value.Value > stat.max {
			stat.max = value.Value
		}
		stat.sum += value.Value
		stat.count++
		if stat.unit == "" {
			stat.unit = value.UnitCode
		}
	}
	return stat
}

func formatOrDash(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
