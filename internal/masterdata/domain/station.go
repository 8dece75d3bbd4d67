package masterdata

import (
	"context"
	"errors"
	"time"
)

// Station is a denormalized index entry for every observation origin.
// Stations are auto-created the first time a source produces data and are
// never deleted by the pipeline.
type Station struct {
	ID          string
	Name        string
	Latitude    float64
	Longitude   float64
	StationType string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks station invariants.
func (s Station) Validate() error {
	if s.ID == "" {
		return errors.New("station: empty id")
	}
	if s.Name == "" {
		return errors.New("station: empty name")
	}
	return nil
}

// StationRepository manages station persistence.
type StationRepository interface {
	Get(ctx context.Context, id string) (*Station, error)
	Save(ctx context.Context, station *Station) error
	// EnsureExists creates the station only when absent; an existing row is
	// left untouched.
	EnsureExists(ctx context.Context, station *Station) error
}
