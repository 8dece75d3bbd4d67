// Package broker keeps one live connection per active push source and
// feeds inbound messages through the normalizer into the store.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"airsense-cloud/internal/ingest"
	masterdata "airsense-cloud/internal/masterdata/domain"
	"airsense-cloud/internal/observability/metrics"
	observation "airsense-cloud/internal/observation/domain"
	"airsense-cloud/internal/sources/application"
	sources "airsense-cloud/internal/sources/domain"
)

// ReconcileInterval is how often held connections are diffed against the
// set of active push sources.
const ReconcileInterval = 30 * time.Second

// MessageHandler consumes one inbound broker message.
type MessageHandler func(source sources.Source, payload []byte)

// Connection is a live broker link.
type Connection interface {
	Close()
}

// Connector establishes broker connections. The production implementation
// wraps NATS; tests plug in a fake.
type Connector interface {
	Connect(ctx context.Context, source sources.Source, handler MessageHandler) (Connection, error)
}

type managedConnection struct {
	conn     Connection
	endpoint string
	topic    string
}

// Manager reconciles live connections against the source registry on a
// fixed interval and dispatches each inbound message on its own goroutine.
type Manager struct {
	registry   *application.Registry
	connector  Connector
	normalizer *ingest.Normalizer
	store      observation.Repository
	stations   masterdata.StationRepository
	publisher  ingest.Publisher
	logger     *log.Logger
	interval   time.Duration

	// Guards the connection map during reconciliation only; message
	// delivery for different sources proceeds fully in parallel.
	mu    sync.Mutex
	conns map[string]managedConnection

	handlers sync.WaitGroup
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithReconcileInterval overrides the reconciliation interval.
func WithReconcileInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// NewManager constructs a broker ingestion manager.
func NewManager(
	registry *application.Registry,
	connector Connector,
	normalizer *ingest.Normalizer,
	store observation.Repository,
	stations masterdata.StationRepository,
	publisher ingest.Publisher,
	logger *log.Logger,
	opts ...ManagerOption,
) (*Manager, error) {
	if registry == nil {
		return nil, errors.New("broker manager: nil registry")
	}
	if connector == nil {
		return nil, errors.New("broker manager: nil connector")
	}
	if normalizer == nil {
		return nil, errors.New("broker manager: nil normalizer")
	}
	if store == nil {
		return nil, errors.New("broker manager: nil store")
	}
	if stations == nil {
		return nil, errors.New("broker manager: nil station repository")
	}
	if publisher == nil {
		return nil, errors.New("broker manager: nil publisher")
	}
	if logger == nil {
		logger = log.Default()
	}
	m := &Manager{
		registry:   registry,
		connector:  connector,
		normalizer: normalizer,
		store:      store,
		stations:   stations,
		publisher:  publisher,
		logger:     logger,
		interval:   ReconcileInterval,
		conns:      make(map[string]managedConnection),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Run reconciles immediately, then on every tick until the context is
// cancelled. On exit all connections are closed and in-flight message
// handlers are waited out.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			m.handlers.Wait()
			return
		case <-ticker.C:
			m.Reconcile(ctx)
		}
	}
}

// Reconcile diffs held connections against currently-active push sources:
// connections for sources gone inactive (or reconfigured) are torn down,
// newly active sources get fresh connections.
func (m *Manager) Reconcile(ctx context.Context) {
	active, err := m.registry.ListActive(ctx, sources.KindPush)
	if err != nil {
		m.logger.Printf("broker manager: list active sources: %v", err)
		return
	}

	desired := make(map[string]sources.Source, len(active))
	for _, source := range active {
		desired[source.ID] = source
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, held := range m.conns {
		source, ok := desired[id]
		if ok && held.endpoint == source.Endpoint && held.topic == source.Topic {
			continue
		}
		held.conn.Close()
		delete(m.conns, id)
		m.logger.Printf("broker manager: closed connection for source %s", id)
	}

	for id, source := range desired {
		if _, ok := m.conns[id]; ok {
			continue
		}
		conn, err := m.connector.Connect(ctx, source, m.dispatch)
		if err != nil {
			m.logger.Printf("broker manager: connect %s: %v", id, err)
			if rerr := m.registry.RecordFailure(ctx, id, err); rerr != nil {
				m.logger.Printf("broker manager: record failure %s: %v", id, rerr)
			}
			continue
		}
		m.conns[id] = managedConnection{conn: conn, endpoint: source.Endpoint, topic: source.Topic}
		if err := m.registry.RecordSuccess(ctx, id, time.Now()); err != nil {
			m.logger.Printf("broker manager: record success %s: %v", id, err)
		}
		m.logger.Printf("broker manager: subscribed to %s on %s for source %s", source.Topic, source.Endpoint, id)
	}

	metrics.SetBrokerConnections(len(m.conns))
}

// ConnectionCount reports the number of live connections.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, held := range m.conns {
		held.conn.Close()
		delete(m.conns, id)
	}
	metrics.SetBrokerConnections(0)
}

// dispatch hands each inbound message to its own goroutine so that slow
// processing of one source's message never delays another's.
func (m *Manager) dispatch(source sources.Source, payload []byte) {
	m.handlers.Add(1)
	go func() {
		defer m.handlers.Done()
		if err := m.handleMessage(context.Background(), source, payload); err != nil {
			metrics.IncBrokerMessage(source.ID, metrics.ResultError)
			m.logger.Printf("broker manager: message from %s dropped: %v", source.ID, err)
			return
		}
		metrics.IncBrokerMessage(source.ID, metrics.ResultSuccess)
	}()
}

func (m *Manager) handleMessage(ctx context.Context, source sources.Source, payload []byte) error {
	values, at, err := parseMessage(payload)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return errors.New("no scalar fields in payload")
	}

	fetchedAt := time.Now().UTC()
	obs, err := m.normalizer.Normalize(ctx, source, values, at, fetchedAt)
	if err != nil {
		return err
	}

	if err := m.stations.EnsureExists(ctx, &masterdata.Station{
		ID:          source.StationID,
		Name:        source.Name,
		Latitude:    source.Latitude,
		Longitude:   source.Longitude,
		StationType: observation.EntityType,
		Active:      true,
	}); err != nil {
		return fmt.Errorf("ensure station: %w", err)
	}

	if err := m.store.Upsert(ctx, obs); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	metrics.IncObservationUpserted(sources.KindPush)
	m.publisher.Publish(ctx, ingest.EventObservation, obs)
	return nil
}

// Fields carried by the message envelope rather than by a sensor channel.
var envelopeFields = map[string]struct{}{
	"ts":        {},
	"timestamp": {},
	"time":      {},
	"id":        {},
	"type":      {},
	"stationid": {},
	"deviceid":  {},
	"quality":   {},
}

// parseMessage extracts scalar channel values and the reading timestamp
// from a broker payload. Values may sit flat on the object or under a
// nested "values" map. A missing or unparsable timestamp falls back to the
// wall clock.
func parseMessage(payload []byte) (map[string]float64, time.Time, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, time.Time{}, fmt.Errorf("parse payload: %w", err)
	}

	values := make(map[string]float64)
	collect := func(fields map[string]any) {
		for name, value := range fields {
			if _, ok := envelopeFields[normalizeFieldKey(name)]; ok {
				continue
			}
			number, ok := value.(float64)
			if !ok {
				continue
			}
			values[name] = number
		}
	}
	collect(raw)
	if nested, ok := raw["values"].(map[string]any); ok {
		delete(values, "values")
		collect(nested)
	}

	at := time.Now().UTC()
	for _, key := range []string{"ts", "timestamp", "time"} {
		field, ok := raw[key]
		if !ok {
			continue
		}
		if parsed, ok := parseTimestamp(field); ok {
			at = parsed
			break
		}
	}
	return values, at, nil
}

func normalizeFieldKey(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r == '_' || r == '-' {
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}

// parseTimestamp accepts RFC3339 strings and epoch numbers in seconds or
// milliseconds.
func parseTimestamp(field any) (time.Time, bool) {
	switch v := field.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			return parsed.UTC(), true
		}
	case float64:
		if v <= 0 {
			return time.Time{}, false
		}
		if v > 1_000_000_000_000 {
			return time.UnixMilli(int64(v)).UTC(), true
		}
		return time.Unix(int64(v), 0).UTC(), true
	}
	return time.Time{}, false
}
