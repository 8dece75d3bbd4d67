package application

import (
	"context"
	"errors"
	"log"
	"time"

	sources "airsense-cloud/internal/sources/domain"
)

// Registry wraps source persistence with the failure circuit breaker.
// Five consecutive failures deactivate a source; it stays skipped by both
// ingestion loops until an operator reactivates it.
type Registry struct {
	repo   sources.Repository
	logger *log.Logger

	onDeactivate func(source string)
}

// RegistryOption configures the registry.
type RegistryOption func(*Registry)

// WithDeactivateHook registers a callback invoked when the breaker trips.
func WithDeactivateHook(hook func(sourceID string)) RegistryOption {
	return func(r *Registry) {
		r.onDeactivate = hook
	}
}

// NewRegistry constructs a registry.
func NewRegistry(repo sources.Repository, logger *log.Logger, opts ...RegistryOption) (*Registry, error) {
	if repo == nil {
		return nil, errors.New("source registry: nil repository")
	}
	if logger == nil {
		logger = log.Default()
	}
	r := &Registry{repo: repo, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// List returns every source, active or not.
func (r *Registry) List(ctx context.Context) ([]sources.Source, error) {
	return r.repo.List(ctx)
}

// ListActive returns active sources of the given kind. Read-only, no side
// effects.
func (r *Registry) ListActive(ctx context.Context, kind string) ([]sources.Source, error) {
	return r.repo.ListActive(ctx, kind)
}

// Get loads a source by id.
func (r *Registry) Get(ctx context.Context, id string) (*sources.Source, error) {
	return r.repo.Get(ctx, id)
}

// Save upserts a source definition.
func (r *Registry) Save(ctx context.Context, source *sources.Source) error {
	if source == nil {
		return errors.New("source registry: nil source")
	}
	if err := source.Validate(); err != nil {
		return err
	}
	return r.repo.Save(ctx, source)
}

// RecordSuccess resets the failure counter and stamps the last success time.
func (r *Registry) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	if id == "" {
		return errors.New("source registry: empty id")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return r.repo.RecordSuccess(ctx, id, at.UTC())
}

// RecordFailure increments the failure counter and records the error. Once
// the counter reaches the threshold the source is deactivated and a warning
// is logged; the caller does not retry beyond its normal schedule.
func (r *Registry) RecordFailure(ctx context.Context, id string, cause error) error {
	if id == "" {
		return errors.New("source registry: empty id")
	}
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	count, err := r.repo.RecordFailure(ctx, id, message)
	if err != nil {
		return err
	}
	if count < sources.FailureThreshold {
		return nil
	}
	if err := r.repo.SetActive(ctx, id, false); err != nil {
		return err
	}
	r.logger.Printf("source registry: WARNING source %s deactivated after %d consecutive failures (last: %s)", id, count, message)
	if r.onDeactivate != nil {
		r.onDeactivate(id)
	}
	return nil
}

// Deactivate disables a source.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("source registry: empty id")
	}
	return r.repo.SetActive(ctx, id, false)
}

// Reactivate re-enables a source and clears its failure counter.
func (r *Registry) Reactivate(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("source registry: empty id")
	}
	return r.repo.SetActive(ctx, id, true)
}
