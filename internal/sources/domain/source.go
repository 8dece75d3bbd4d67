package sources

import (
	"context"
	"errors"
	"time"
)

// Source kinds.
const (
	KindPush = "push" // broker connection, messages delivered to us
	KindPull = "pull" // HTTP endpoint fetched on a schedule
)

// FailureThreshold is the number of consecutive failures after which a
// source is deactivated until an operator reactivates it.
const FailureThreshold = 5

// Source is a configured origin of readings.
type Source struct {
	ID          string
	Name        string
	Kind        string
	Endpoint    string // broker URL for push, fetch URL for pull
	Topic       string // broker subject, push only
	Credentials string // user:pass for broker auth, optional
	MetadataURL string // channel metadata endpoint for mapping discovery, optional

	// Pull scheduling. Canonical marks responses already shaped as
	// observations; FieldMappings holds output-field -> path-expression
	// pairs for ad-hoc payloads.
	PollIntervalMinutes int
	Canonical           bool
	FieldMappings       map[string]string
	Headers             map[string]string

	StationID string
	Latitude  float64
	Longitude float64

	Active        bool
	FailureCount  int
	LastError     string
	LastSuccessAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks source invariants.
func (s Source) Validate() error {
	if s.ID == "" {
		return errors.New("source: empty id")
	}
	if s.Kind != KindPush && s.Kind != KindPull {
		return errors.New("source: kind must be push or pull")
	}
	if s.Endpoint == "" {
		return errors.New("source: empty endpoint")
	}
	if s.Kind == KindPush && s.Topic == "" {
		return errors.New("source: push source needs a topic")
	}
	if s.Kind == KindPull && s.PollIntervalMinutes <= 0 {
		return errors.New("source: pull source needs a poll interval")
	}
	if s.StationID == "" {
		return errors.New("source: empty station id")
	}
	return nil
}

// Repository manages source persistence.
type Repository interface {
	Get(ctx context.Context, id string) (*Source, error)
	List(ctx context.Context) ([]Source, error)
	ListActive(ctx context.Context, kind string) ([]Source, error)
	Save(ctx context.Context, source *Source) error
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id string, lastError string) (int, error)
	SetActive(ctx context.Context, id string, active bool) error
}
