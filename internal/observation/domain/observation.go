package observation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntityType is the canonical type for every stored observation.
const EntityType = "AirQualityObserved"

// IDRounding is the timestamp granularity baked into observation identity.
// Two deliveries of the same reading inside one minute map to the same ID
// and upsert instead of duplicating.
const IDRounding = time.Minute

// ErrNegativeValue is returned when a parameter magnitude is below zero.
// Zero is a valid measurement and must not be confused with "missing".
var ErrNegativeValue = errors.New("observation: negative parameter value")

// ParameterValue is one measured parameter inside an observation.
type ParameterValue struct {
	Value      float64   `json:"value"`
	UnitCode   string    `json:"unitCode"`
	ObservedAt time.Time `json:"observedAt"`
}

// Provenance records where an observation came from.
type Provenance struct {
	SourceID   string    `json:"sourceId"`
	SourceName string    `json:"sourceName"`
	FetchedAt  time.Time `json:"fetchedAt"`
}

// Observation is a canonical environmental reading for one station at one
// timestamp, with one or more named parameters.
type Observation struct {
	ID         string                    `json:"id"`
	Type       string                    `json:"type"`
	StationID  string                    `json:"stationId"`
	Latitude   float64                   `json:"latitude"`
	Longitude  float64                   `json:"longitude"`
	ObservedAt time.Time                 `json:"observedAt"`
	Parameters map[string]ParameterValue `json:"parameters"`
	Provenance Provenance                `json:"provenance"`
}

// NewObservationID derives the stable identity for a (station, timestamp)
// pair. The timestamp is rounded down to IDRounding before formatting.
func NewObservationID(stationID string, at time.Time) string {
	rounded := at.UTC().Truncate(IDRounding)
	return fmt.Sprintf("urn:ngsi-ld:%s:%s:%s", EntityType, stationID, rounded.Format(time.RFC3339))
}

// New constructs an empty observation for a station at a timestamp.
func New(stationID string, lat, lon float64, at time.Time) *Observation {
	return &Observation{
		ID:         NewObservationID(stationID, at),
		Type:       EntityType,
		StationID:  stationID,
		Latitude:   lat,
		Longitude:  lon,
		ObservedAt: at.UTC(),
		Parameters: make(map[string]ParameterValue),
	}
}

// SetParameter records a parameter value with its canonical unit. Negative
// magnitudes are rejected with ErrNegativeValue; the caller drops the field
// and keeps the rest of the observation.
func (o *Observation) SetParameter(name string, value float64, at time.Time) error {
	if name == "" {
		return errors.New("observation: empty parameter name")
	}
	if value < 0 {
		return ErrNegativeValue
	}
	if at.IsZero() {
		at = o.ObservedAt
	}
	o.Parameters[name] = ParameterValue{
		Value:      value,
		UnitCode:   UnitForParameter(name),
		ObservedAt: at.UTC(),
	}
	return nil
}

// Merge fills parameters absent from this observation with values from the
// secondary one. Fields already present are never overwritten: the primary
// source always wins.
func (o *Observation) Merge(secondary *Observation) {
	if secondary == nil {
		return
	}
	for name, value := range secondary.Parameters {
		if _, ok := o.Parameters[name]; ok {
			continue
		}
		o.Parameters[name] = value
	}
}

// Validate checks observation invariants before persistence.
func (o *Observation) Validate() error {
	if o.ID == "" {
		return errors.New("observation: empty id")
	}
	if o.Type == "" {
		return errors.New("observation: empty type")
	}
	if o.StationID == "" {
		return errors.New("observation: empty station id")
	}
	if o.ObservedAt.IsZero() {
		return errors.New("observation: zero observed-at")
	}
	for name, p := range o.Parameters {
		if p.Value < 0 {
			return fmt.Errorf("observation: parameter %s: %w", name, ErrNegativeValue)
		}
	}
	return nil
}

// UNECE Recommendation 20 unit codes keyed by canonical parameter name.
// GQ is microgram per cubic metre, the shared unit for particulate and gas
// mass concentrations.
var parameterUnits = map[string]string{
	"pm1":         "GQ",
	"pm25":        "GQ",
	"pm10":        "GQ",
	"no":          "GQ",
	"no2":         "GQ",
	"nox":         "GQ",
	"so2":         "GQ",
	"o3":          "GQ",
	"co":          "GQ",
	"nh3":         "GQ",
	"c6h6":        "GQ",
	"co2":         "59",  // ppm
	"temperature": "CEL", // degrees Celsius
	"humidity":    "P1",  // percent
	"pressure":    "A97", // hectopascal
	"windspeed":   "MTS", // metre per second
	"noise":       "2N",  // decibel
}

// UnitForParameter returns the canonical unit code for a parameter name.
// Unknown parameters get C62 (dimensionless) so that every stored parameter
// carries a unit.
func UnitForParameter(name string) string {
	if unit, ok := parameterUnits[strings.ToLower(name)]; ok {
		return unit
	}
	return "C62"
}

// QueryFilter narrows a store query. Zero values mean "no constraint".
type QueryFilter struct {
	StationID string
	From      time.Time
	To        time.Time
	Limit     int
}

// Repository persists observations keyed by canonical identity.
type Repository interface {
	Upsert(ctx context.Context, obs *Observation) error
	Exists(ctx context.Context, id string) (bool, error)
	Query(ctx context.Context, filter QueryFilter) ([]Observation, error)
}
