// export queries stored observations and writes them as CSV, XLSX or a PDF
// summary report.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	observation "airsense-cloud/internal/observation/domain"
	observationrepo "airsense-cloud/internal/observation/infrastructure/postgres"
	"airsense-cloud/internal/observation/interfaces"
)

func main() {
	var (
		station = flag.String("station", "", "station id filter")
		fromArg = flag.String("from", "", "range start (RFC3339)")
		toArg   = flag.String("to", "", "range end (RFC3339)")
		limit   = flag.Int("limit", 10000, "maximum records")
		format  = flag.String("format", "csv", "output format: csv, xlsx or pdf")
		out     = flag.String("out", "", "output file (default observations.<format>)")
	)
	flag.Parse()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("PG_DSN")
	}
	if dsn == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}

	filter := observation.QueryFilter{StationID: *station, Limit: *limit}
	var err error
	if *fromArg != "" {
		filter.From, err = time.Parse(time.RFC3339, *fromArg)
		if err != nil {
			log.Fatalf("invalid -from: %v", err)
		}
	}
	if *toArg != "" {
		filter.To, err = time.Parse(time.RFC3339, *toArg)
		if err != nil {
			log.Fatalf("invalid -to: %v", err)
		}
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store := observationrepo.NewObservationRepository(db)
	list, err := store.Query(ctx, filter)
	if err != nil {
		log.Fatalf("query error: %v", err)
	}

	var data []byte
	switch *format {
	case "csv":
		data, err = interfaces.BuildObservationsCSV(list)
	case "xlsx":
		data, err = interfaces.BuildObservationsXLSX(list)
	case "pdf":
		data, err = interfaces.BuildObservationsPDF(*station, filter.From, filter.To, list)
	default:
		log.Fatalf("unknown format %q", *format)
	}
	if err != nil {
		log.Fatalf("render error: %v", err)
	}

	path := *out
	if path == "" {
		path = fmt.Sprintf("observations.%s", *format)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Fatalf("write error: %v", err)
	}
	log.Printf("wrote %d observation(s) to %s", len(list), path)
}
