package application

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	sources "airsense-cloud/internal/sources/domain"
)

type memorySourceRepo struct {
	items       map[string]*sources.Source
	deactivated map[string]int
}

func newMemorySourceRepo() *memorySourceRepo {
	return &memorySourceRepo{
		items:       make(map[string]*sources.Source),
		deactivated: make(map[string]int),
	}
}

func (m *memorySourceRepo) Get(_ context.Context, id string) (*sources.Source, error) {
	source, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	copied := *source
	return &copied, nil
}

func (m *memorySourceRepo) List(_ context.Context) ([]sources.Source, error) {
	var out []sources.Source
	for _, source := range m.items {
		out = append(out, *source)
	}
	return out, nil
}

func (m *memorySourceRepo) ListActive(_ context.Context, kind string) ([]sources.Source, error) {
	var out []sources.Source
	for _, source := range m.items {
		if !source.Active {
			continue
		}
		if kind != "" && source.Kind != kind {
			continue
		}
		out = append(out, *source)
	}
	return out, nil
}

func (m *memorySourceRepo) Save(_ context.Context, source *sources.Source) error {
	copied := *source
	m.items[source.ID] = &copied
	return nil
}

func (m *memorySourceRepo) RecordSuccess(_ context.Context, id string, at time.Time) error {
	source, ok := m.items[id]
	if !ok {
		return errors.New("not found")
	}
	source.FailureCount = 0
	source.LastError = ""
	source.LastSuccessAt = at
	return nil
}

func (m *memorySourceRepo) RecordFailure(_ context.Context, id string, lastError string) (int, error) {
	source, ok := m.items[id]
	if !ok {
		return 0, errors.New("not found")
	}
	source.FailureCount++
	source.LastError = lastError
	return source.FailureCount, nil
}

func (m *memorySourceRepo) SetActive(_ context.Context, id string, active bool) error {
	source, ok := m.items[id]
	if !ok {
		return errors.New("not found")
	}
	source.Active = active
	if active {
		source.FailureCount = 0
		source.LastError = ""
	} else {
		m.deactivated[id]++
	}
	return nil
}

func testSource(id, kind string) *sources.Source {
	source := &sources.Source{
		ID:        id,
		Name:      id,
		Kind:      kind,
		Endpoint:  "nats://broker:4222",
		Topic:     "telemetry." + id,
		StationID: "st-" + id,
		Active:    true,
	}
	if kind == sources.KindPull {
		source.Endpoint = "http://upstream/" + id
		source.Topic = ""
		source.PollIntervalMinutes = 5
	}
	return source
}

func TestRegistryDeactivatesAfterThreshold(t *testing.T) {
	repo := newMemorySourceRepo()
	if err := repo.Save(context.Background(), testSource("src-1", sources.KindPull)); err != nil {
		t.Fatalf("save: %v", err)
	}

	registry, err := NewRegistry(repo, log.New(testWriter{t}, "", 0))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	for i := 0; i < sources.FailureThreshold; i++ {
		if err := registry.RecordFailure(context.Background(), "src-1", errors.New("connection refused")); err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
	}

	if repo.deactivated["src-1"] != 1 {
		t.Fatalf("expected exactly one deactivation, got %d", repo.deactivated["src-1"])
	}
	active, err := registry.ListActive(context.Background(), sources.KindPull)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected deactivated source to leave active list, got %d", len(active))
	}
	got, err := registry.Get(context.Background(), "src-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastError != "connection refused" {
		t.Fatalf("expected last error recorded, got %q", got.LastError)
	}
}

func TestRegistrySuccessResetsCounter(t *testing.T) {
	repo := newMemorySourceRepo()
	if err := repo.Save(context.Background(), testSource("src-2", sources.KindPush)); err != nil {
		t.Fatalf("save: %v", err)
	}
	registry, err := NewRegistry(repo, log.New(testWriter{t}, "", 0))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	for i := 0; i < sources.FailureThreshold-1; i++ {
		if err := registry.RecordFailure(context.Background(), "src-2", errors.New("timeout")); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if err := registry.RecordSuccess(context.Background(), "src-2", time.Now()); err != nil {
		t.Fatalf("record success: %v", err)
	}
	// The streak is broken: the next failures start counting from zero.
	for i := 0; i < sources.FailureThreshold-1; i++ {
		if err := registry.RecordFailure(context.Background(), "src-2", errors.New("timeout")); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if repo.deactivated["src-2"] != 0 {
		t.Fatalf("expected no deactivation, got %d", repo.deactivated["src-2"])
	}
}

func TestRegistryReactivateClearsFailures(t *testing.T) {
	repo := newMemorySourceRepo()
	if err := repo.Save(context.Background(), testSource("src-3", sources.KindPull)); err != nil {
		t.Fatalf("save: %v", err)
	}
	var tripped []string
	registry, err := NewRegistry(repo, log.New(testWriter{t}, "", 0), WithDeactivateHook(func(id string) {
		tripped = append(tripped, id)
	}))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	for i := 0; i < sources.FailureThreshold; i++ {
		if err := registry.RecordFailure(context.Background(), "src-3", errors.New("http 500")); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if len(tripped) != 1 || tripped[0] != "src-3" {
		t.Fatalf("expected deactivate hook once for src-3, got %v", tripped)
	}

	if err := registry.Reactivate(context.Background(), "src-3"); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	got, err := registry.Get(context.Background(), "src-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Active || got.FailureCount != 0 {
		t.Fatalf("expected active source with zero failures, got active=%v count=%d", got.Active, got.FailureCount)
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
