// Package puller fetches pull sources on their own schedules and feeds the
// responses through the normalizer into the store.
package puller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"airsense-cloud/internal/ingest"
	masterdata "airsense-cloud/internal/masterdata/domain"
	"airsense-cloud/internal/observability/metrics"
	observation "airsense-cloud/internal/observation/domain"
	"airsense-cloud/internal/sources/application"
	sources "airsense-cloud/internal/sources/domain"
)

// SweepInterval is the scheduler tick. Each source is additionally gated by
// its own poll interval inside a sweep.
const SweepInterval = 60 * time.Second

// timestampField is the reserved field-mapping key holding the path to the
// reading timestamp.
const timestampField = "timestamp"

// Puller drives scheduled HTTP fetches for active pull sources.
type Puller struct {
	registry   *application.Registry
	normalizer *ingest.Normalizer
	store      observation.Repository
	stations   masterdata.StationRepository
	publisher  ingest.Publisher
	client     *http.Client
	logger     *log.Logger
	interval   time.Duration
	now        func() time.Time

	mu          sync.Mutex
	lastFetched map[string]time.Time
}

// PullerOption configures the puller.
type PullerOption func(*Puller)

// WithSweepInterval overrides the scheduler tick.
func WithSweepInterval(interval time.Duration) PullerOption {
	return func(p *Puller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithHTTPClient overrides the fetch client.
func WithHTTPClient(client *http.Client) PullerOption {
	return func(p *Puller) {
		if client != nil {
			p.client = client
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) PullerOption {
	return func(p *Puller) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPuller constructs a scheduled puller.
func NewPuller(
	registry *application.Registry,
	normalizer *ingest.Normalizer,
	store observation.Repository,
	stations masterdata.StationRepository,
	publisher ingest.Publisher,
	logger *log.Logger,
	opts ...PullerOption,
) (*Puller, error) {
	if registry == nil {
		return nil, errors.New("puller: nil registry")
	}
	if normalizer == nil {
		return nil, errors.New("puller: nil normalizer")
	}
	if store == nil {
		return nil, errors.New("puller: nil store")
	}
	if stations == nil {
		return nil, errors.New("puller: nil station repository")
	}
	if publisher == nil {
		return nil, errors.New("puller: nil publisher")
	}
	if logger == nil {
		logger = log.Default()
	}
	p := &Puller{
		registry:    registry,
		normalizer:  normalizer,
		store:       store,
		stations:    stations,
		publisher:   publisher,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
		interval:    SweepInterval,
		now:         func() time.Time { return time.Now().UTC() },
		lastFetched: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run sweeps immediately, then on every tick until the context is
// cancelled. In-flight fetches complete or time out on their own request
// timeout; there is no mid-fetch cancellation.
func (p *Puller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep fetches every active pull source whose own interval has elapsed.
// Sources are fetched concurrently; one source's failure never blocks
// another's.
func (p *Puller) Sweep(ctx context.Context) {
	active, err := p.registry.ListActive(ctx, sources.KindPull)
	if err != nil {
		p.logger.Printf("puller: list active sources: %v", err)
		return
	}

	now := p.now()
	var wg sync.WaitGroup
	for _, source := range active {
		p.mu.Lock()
		last := p.lastFetched[source.ID]
		p.mu.Unlock()

		if elapsed := now.Sub(last); elapsed < time.Duration(source.PollIntervalMinutes)*time.Minute {
			continue
		}

		wg.Add(1)
		go func(source sources.Source) {
			defer wg.Done()
			p.fetchSource(ctx, source, now)
		}(source)
	}
	wg.Wait()
}

func (p *Puller) fetchSource(ctx context.Context, source sources.Source, now time.Time) {
	p.mu.Lock()
	p.lastFetched[source.ID] = now
	p.mu.Unlock()

	start := time.Now()
	count, err := p.fetchOnce(ctx, source, now)
	if err != nil {
		metrics.ObservePullFetch(source.ID, metrics.ResultError, time.Since(start))
		p.logger.Printf("puller: fetch %s: %v", source.ID, err)
		if rerr := p.registry.RecordFailure(ctx, source.ID, err); rerr != nil {
			p.logger.Printf("puller: record failure %s: %v", source.ID, rerr)
		}
		return
	}
	metrics.ObservePullFetch(source.ID, metrics.ResultSuccess, time.Since(start))
	if err := p.registry.RecordSuccess(ctx, source.ID, now); err != nil {
		p.logger.Printf("puller: record success %s: %v", source.ID, err)
	}
	p.logger.Printf("puller: source %s produced %d observation(s)", source.ID, count)
}

func (p *Puller) fetchOnce(ctx context.Context, source sources.Source, now time.Time) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.Endpoint, nil)
	if err != nil {
		return 0, err
	}
	for key, value := range source.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	if source.Canonical {
		return p.ingestCanonical(ctx, source, body, now)
	}
	return p.ingestAdHoc(ctx, source, body, now)
}

// canonicalRecord is the already-normalized wire shape some upstreams
// deliver directly.
type canonicalRecord struct {
	ID         string                                `json:"id"`
	Type       string                                `json:"type"`
	StationID  string                                `json:"stationId"`
	Location   *canonicalLocation                    `json:"location"`
	ObservedAt time.Time                             `json:"observedAt"`
	Parameters map[string]observation.ParameterValue `json:"parameters"`
}

type canonicalLocation struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// ingestCanonical validates, re-stamps provenance and upserts records that
// already carry the canonical shape.
func (p *Puller) ingestCanonical(ctx context.Context, source sources.Source, body []byte, now time.Time) (int, error) {
	var records []canonicalRecord
	if err := json.Unmarshal(body, &records); err != nil {
		var single canonicalRecord
		if err := json.Unmarshal(body, &single); err != nil {
			return 0, fmt.Errorf("parse canonical payload: %w", err)
		}
		records = []canonicalRecord{single}
	}

	stored := 0
	for _, record := range records {
		if record.Type != observation.EntityType {
			p.logger.Printf("puller: source %s: skipping entity of type %q", source.ID, record.Type)
			continue
		}
		stationID := record.StationID
		if stationID == "" {
			stationID = source.StationID
		}
		if record.ID == "" || stationID == "" || record.ObservedAt.IsZero() {
			p.logger.Printf("puller: source %s: skipping record without identity fields", source.ID)
			continue
		}

		// Negative magnitudes are dropped field by field; the record and
		// its remaining parameters still go through.
		parameters := make(map[string]observation.ParameterValue, len(record.Parameters))
		for name, value := range record.Parameters {
			if value.Value < 0 {
				p.logger.Printf("puller: source %s: dropped %s=%v for %s: negative value", source.ID, name, value.Value, stationID)
				continue
			}
			parameters[name] = value
		}

		obs := &observation.Observation{
			ID:         record.ID,
			Type:       record.Type,
			StationID:  stationID,
			Latitude:   source.Latitude,
			Longitude:  source.Longitude,
			ObservedAt: record.ObservedAt.UTC(),
			Parameters: parameters,
			Provenance: observation.Provenance{
				SourceID:   source.ID,
				SourceName: source.Name,
				FetchedAt:  now,
			},
		}
		if record.Location != nil {
			obs.Latitude = record.Location.Latitude
			obs.Longitude = record.Location.Longitude
		}
		if err := p.persist(ctx, source, obs); err != nil {
			return stored, err
		}
		stored++
	}
	return stored, nil
}

// ingestAdHoc extracts configured output fields from a source-specific
// payload with path-expressions and wraps them into one observation.
func (p *Puller) ingestAdHoc(ctx context.Context, source sources.Source, body []byte, now time.Time) (int, error) {
	if !gjson.ValidBytes(body) {
		return 0, errors.New("parse ad-hoc payload: invalid json")
	}
	parsed := gjson.ParseBytes(body)

	at := now
	if path, ok := source.FieldMappings[timestampField]; ok {
		if ts, ok := extractTimestamp(parsed, path); ok {
			at = ts
		} else {
			// Never fail a fetch over a missing timestamp.
			p.logger.Printf("puller: debug: source %s: timestamp at %q missing or unparsable, using wall clock", source.ID, path)
		}
	}

	values := make(map[string]float64)
	for field, path := range source.FieldMappings {
		if field == timestampField {
			continue
		}
		result := parsed.Get(trimPathPrefix(path))
		if !result.Exists() {
			continue
		}
		number, ok := numericValue(result)
		if !ok {
			continue
		}
		values[field] = number
	}

	obs, err := p.normalizer.Normalize(ctx, source, values, at, now)
	if err != nil {
		return 0, err
	}
	if err := p.persist(ctx, source, obs); err != nil {
		return 0, err
	}
	return 1, nil
}

func (p *Puller) persist(ctx context.Context, source sources.Source, obs *observation.Observation) error {
	if err := p.stations.EnsureExists(ctx, &masterdata.Station{
		ID:          obs.StationID,
		Name:        source.Name,
		Latitude:    source.Latitude,
		Longitude:   source.Longitude,
		StationType: observation.EntityType,
		Active:      true,
	}); err != nil {
		return fmt.Errorf("ensure station: %w", err)
	}
	if err := p.store.Upsert(ctx, obs); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	metrics.IncObservationUpserted(sources.KindPull)
	p.publisher.Publish(ctx, ingest.EventObservation, obs)
	return nil
}

// trimPathPrefix converts "$.a.b" JSONPath-style expressions to gjson
// syntax.
func trimPathPrefix(path string) string {
	path = strings.TrimPrefix(path, "$.")
	return strings.TrimPrefix(path, "$")
}

func numericValue(result gjson.Result) (float64, bool) {
	switch result.Type {
	case gjson.Number:
		return result.Float(), true
	case gjson.String:
		number, err := strconv.ParseFloat(result.String(), 64)
		if err != nil {
			return 0, false
		}
		return number, true
	default:
		return 0, false
	}
}

func extractTimestamp(parsed gjson.Result, path string) (time.Time, bool) {
	result := parsed.Get(trimPathPrefix(path))
	if !result.Exists() {
		return time.Time{}, false
	}
	switch result.Type {
	case gjson.String:
		if ts, err := time.Parse(time.RFC3339, result.String()); err == nil {
			return ts.UTC(), true
		}
	case gjson.Number:
		value := result.Float()
		if value <= 0 {
			return time.Time{}, false
		}
		if value > 1_000_000_000_000 {
			return time.UnixMilli(int64(value)).UTC(), true
		}
		return time.Unix(int64(value), 0).UTC(), true
	}
	return time.Time{}, false
}
