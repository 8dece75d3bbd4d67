// Package ingest turns raw source payloads into canonical observations.
package ingest

import (
	"context"
	"errors"
	"log"
	"time"

	"airsense-cloud/internal/mapping"
	observation "airsense-cloud/internal/observation/domain"
	sources "airsense-cloud/internal/sources/domain"
)

// Normalizer reconciles raw channel values with the mapping resolver's
// output and produces a canonical observation.
type Normalizer struct {
	resolver *mapping.Resolver
	logger   *log.Logger
}

// NewNormalizer constructs a normalizer.
func NewNormalizer(resolver *mapping.Resolver, logger *log.Logger) (*Normalizer, error) {
	if resolver == nil {
		return nil, errors.New("normalizer: nil resolver")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Normalizer{resolver: resolver, logger: logger}, nil
}

// Normalize builds an observation for the source's station from raw channel
// values. Channels the resolver knows are translated to their canonical
// parameter names; everything else keeps its own normalized field name.
// Negative magnitudes are dropped field-by-field, never record-level.
func (n *Normalizer) Normalize(ctx context.Context, source sources.Source, values map[string]float64, at time.Time, fetchedAt time.Time) (*observation.Observation, error) {
	if source.StationID == "" {
		return nil, errors.New("normalizer: source without station id")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	channels, err := n.resolver.Mappings(ctx, source.StationID, source.MetadataURL)
	if err != nil {
		// A failed discovery leaves this location's channels unmapped; the
		// reading itself still goes through under raw field names.
		n.logger.Printf("normalizer: mapping discovery for %s failed: %v", source.StationID, err)
		channels = nil
	}

	obs := observation.New(source.StationID, source.Latitude, source.Longitude, at)
	obs.Provenance = observation.Provenance{
		SourceID:   source.ID,
		SourceName: source.Name,
		FetchedAt:  fetchedAt.UTC(),
	}

	for raw, value := range values {
		name, ok := channels[raw]
		if !ok {
			name = mapping.NormalizeName(raw)
		}
		if name == "" {
			continue
		}
		if err := obs.SetParameter(name, value, at); err != nil {
			if errors.Is(err, observation.ErrNegativeValue) {
				n.logger.Printf("normalizer: dropped %s=%v for %s: negative value", name, value, source.StationID)
				continue
			}
			return nil, err
		}
	}
	return obs, nil
}

// Enrich merges richer secondary data into an existing observation.
// Parameters already present in the primary record are never overwritten;
// the secondary source only fills gaps.
func (n *Normalizer) Enrich(primary, secondary *observation.Observation) {
	if primary == nil || secondary == nil {
		return
	}
	primary.Merge(secondary)
}
