package broker

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"airsense-cloud/internal/ingest"
	"airsense-cloud/internal/mapping"
	masterdata "airsense-cloud/internal/masterdata/domain"
	observation "airsense-cloud/internal/observation/domain"
	"airsense-cloud/internal/sources/application"
	sources "airsense-cloud/internal/sources/domain"
)

type memorySourceRepo struct {
	mu    sync.Mutex
	items map[string]*sources.Source
}

func newMemorySourceRepo() *memorySourceRepo {
	return &memorySourceRepo{items: make(map[string]*sources.Source)}
}

func (m *memorySourceRepo) Get(_ context.Context, id string) (*sources.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	source, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	copied := *source
	return &copied, nil
}

func (m *memorySourceRepo) List(_ context.Context) ([]sources.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sources.Source
	for _, source := range m.items {
		out = append(out, *source)
	}
	return out, nil
}

func (m *memorySourceRepo) ListActive(_ context.Context, kind string) ([]sources.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sources.Source
	for _, source := range m.items {
		if source.Active && (kind == "" || source.Kind == kind) {
			out = append(out, *source)
		}
	}
	return out, nil
}

func (m *memorySourceRepo) Save(_ context.Context, source *sources.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *source
	m.items[source.ID] = &copied
	return nil
}

func (m *memorySourceRepo) RecordSuccess(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if source, ok := m.items[id]; ok {
		source.FailureCount = 0
		source.LastSuccessAt = at
	}
	return nil
}

func (m *memorySourceRepo) RecordFailure(_ context.Context, id string, lastError string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	source, ok := m.items[id]
	if !ok {
		return 0, errors.New("not found")
	}
	source.FailureCount++
	source.LastError = lastError
	return source.FailureCount, nil
}

func (m *memorySourceRepo) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if source, ok := m.items[id]; ok {
		source.Active = active
		if active {
			source.FailureCount = 0
		}
	}
	return nil
}

type memoryObservationStore struct {
	mu    sync.Mutex
	items map[string]observation.Observation
}

func newMemoryObservationStore() *memoryObservationStore {
	return &memoryObservationStore{items: make(map[string]observation.Observation)}
}

func (m *memoryObservationStore) Upsert(_ context.Context, obs *observation.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[obs.ID] = *obs
	return nil
}

func (m *memoryObservationStore) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[id]
	return ok, nil
}

func (m *memoryObservationStore) Query(_ context.Context, _ observation.QueryFilter) ([]observation.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]observation.Observation, 0, len(m.items))
	for _, obs := range m.items {
		out = append(out, obs)
	}
	return out, nil
}

func (m *memoryObservationStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *memoryObservationStore) get(id string) (observation.Observation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obs, ok := m.items[id]
	return obs, ok
}

type memoryStationRepo struct {
	mu    sync.Mutex
	items map[string]masterdata.Station
}

func newMemoryStationRepo() *memoryStationRepo {
	return &memoryStationRepo{items: make(map[string]masterdata.Station)}
}

func (m *memoryStationRepo) Get(_ context.Context, id string) (*masterdata.Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	station, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	return &station, nil
}

func (m *memoryStationRepo) Save(_ context.Context, station *masterdata.Station) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[station.ID] = *station
	return nil
}

func (m *memoryStationRepo) EnsureExists(_ context.Context, station *masterdata.Station) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[station.ID]; !ok {
		m.items[station.ID] = *station
	}
	return nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *capturePublisher) Publish(_ context.Context, event string, _ any) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fakeConnection struct {
	closed *sync.WaitGroup
	once   sync.Once
}

func (c *fakeConnection) Close() {
	c.once.Do(c.closed.Done)
}

type fakeConnector struct {
	mu       sync.Mutex
	handlers map[string]MessageHandler
	failing  map[string]error
	closes   sync.WaitGroup
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		handlers: make(map[string]MessageHandler),
		failing:  make(map[string]error),
	}
}

func (f *fakeConnector) Connect(_ context.Context, source sources.Source, handler MessageHandler) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing[source.ID]; ok {
		return nil, err
	}
	f.handlers[source.ID] = handler
	f.closes.Add(1)
	return &fakeConnection{closed: &f.closes}, nil
}

func (f *fakeConnector) deliver(t *testing.T, source sources.Source, payload []byte) {
	t.Helper()
	f.mu.Lock()
	handler, ok := f.handlers[source.ID]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no handler registered for source %s", source.ID)
	}
	handler(source, payload)
}

func pushSource(id string) *sources.Source {
	return &sources.Source{
		ID:        id,
		Name:      "push " + id,
		Kind:      sources.KindPush,
		Endpoint:  "nats://broker:4222",
		Topic:     "telemetry." + id,
		StationID: "st-" + id,
		Latitude:  21.0,
		Longitude: 105.8,
		Active:    true,
	}
}

func newTestManager(t *testing.T, repo *memorySourceRepo, connector Connector) (*Manager, *application.Registry, *memoryObservationStore, *memoryStationRepo, *capturePublisher) {
	t.Helper()
	logger := log.New(testWriter{t}, "", 0)
	registry, err := application.NewRegistry(repo, logger)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	normalizer, err := ingest.NewNormalizer(mapping.NewResolver(logger), logger)
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	store := newMemoryObservationStore()
	stations := newMemoryStationRepo()
	publisher := &capturePublisher{}
	manager, err := NewManager(registry, connector, normalizer, store, stations, publisher, logger)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager, registry, store, stations, publisher
}

func TestReconcileAddsAndRemovesConnections(t *testing.T) {
	repo := newMemorySourceRepo()
	ctx := context.Background()
	if err := repo.Save(ctx, pushSource("a")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.Save(ctx, pushSource("b")); err != nil {
		t.Fatalf("save: %v", err)
	}

	connector := newFakeConnector()
	manager, registry, _, _, _ := newTestManager(t, repo, connector)

	manager.Reconcile(ctx)
	if got := manager.ConnectionCount(); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}

	if err := registry.Deactivate(ctx, "b"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	manager.Reconcile(ctx)
	if got := manager.ConnectionCount(); got != 1 {
		t.Fatalf("expected 1 connection after deactivation, got %d", got)
	}

	// Re-running reconcile with an unchanged world is a no-op.
	manager.Reconcile(ctx)
	if got := manager.ConnectionCount(); got != 1 {
		t.Fatalf("expected stable connection count, got %d", got)
	}
}

func TestReconcileRecordsConnectFailures(t *testing.T) {
	repo := newMemorySourceRepo()
	ctx := context.Background()
	if err := repo.Save(ctx, pushSource("flaky")); err != nil {
		t.Fatalf("save: %v", err)
	}

	connector := newFakeConnector()
	connector.failing["flaky"] = errors.New("handshake refused")
	manager, _, _, _, _ := newTestManager(t, repo, connector)

	for i := 0; i < sources.FailureThreshold; i++ {
		manager.Reconcile(ctx)
	}

	source, err := repo.Get(ctx, "flaky")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if source.Active {
		t.Fatalf("expected source deactivated after %d failed connects", sources.FailureThreshold)
	}
	// With the source tripped, reconcile holds no connection for it.
	manager.Reconcile(ctx)
	if got := manager.ConnectionCount(); got != 0 {
		t.Fatalf("expected no connections, got %d", got)
	}
}

func TestInboundMessageStoredAndPublished(t *testing.T) {
	repo := newMemorySourceRepo()
	ctx := context.Background()
	source := pushSource("a")
	if err := repo.Save(ctx, source); err != nil {
		t.Fatalf("save: %v", err)
	}

	connector := newFakeConnector()
	manager, _, store, stations, publisher := newTestManager(t, repo, connector)
	manager.Reconcile(ctx)

	payload := []byte(`{"ts": "2024-01-01T00:00:00Z", "pm2_5": 12.3, "pm10": 0, "co": -1}`)
	connector.deliver(t, *source, payload)
	// Redelivery of the same reading must upsert, not duplicate.
	connector.deliver(t, *source, payload)

	deadline := time.Now().Add(2 * time.Second)
	for store.count() == 0 || publisher.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("message not processed: stored=%d published=%d", store.count(), publisher.count())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if store.count() != 1 {
		t.Fatalf("expected a single stored observation, got %d", store.count())
	}
	wantID := observation.NewObservationID("st-a", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	obs, ok := store.get(wantID)
	if !ok {
		t.Fatalf("expected observation %s stored", wantID)
	}
	if obs.Parameters["pm25"].Value != 12.3 {
		t.Fatalf("unexpected pm25: %+v", obs.Parameters["pm25"])
	}
	if _, ok := obs.Parameters["pm10"]; !ok {
		t.Fatalf("zero pm10 must be stored")
	}
	if _, ok := obs.Parameters["co"]; ok {
		t.Fatalf("negative co must be dropped")
	}

	station, err := stations.Get(ctx, "st-a")
	if err != nil || station == nil {
		t.Fatalf("expected station auto-created, got %v err=%v", station, err)
	}
}

func TestMalformedMessageDropped(t *testing.T) {
	repo := newMemorySourceRepo()
	ctx := context.Background()
	source := pushSource("a")
	if err := repo.Save(ctx, source); err != nil {
		t.Fatalf("save: %v", err)
	}

	connector := newFakeConnector()
	manager, _, store, _, _ := newTestManager(t, repo, connector)
	manager.Reconcile(ctx)

	connector.deliver(t, *source, []byte(`{not json`))

	time.Sleep(50 * time.Millisecond)
	if store.count() != 0 {
		t.Fatalf("malformed payload must not be stored")
	}
	// A parse failure is item-level: the source keeps its failure streak.
	got, err := repo.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FailureCount != 0 {
		t.Fatalf("parse failure must not feed the circuit breaker, count=%d", got.FailureCount)
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
