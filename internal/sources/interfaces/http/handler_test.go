package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"airsense-cloud/internal/sources/application"
	sources "airsense-cloud/internal/sources/domain"
)

type memorySourceRepo struct {
	items map[string]*sources.Source
}

func newMemorySourceRepo() *memorySourceRepo {
	return &memorySourceRepo{items: make(map[string]*sources.Source)}
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
		if source.Active && (kind == "" || source.Kind == kind) {
			out = append(out, *source)
		}
	}
	return out, nil
}

func (m *memorySourceRepo) Save(_ context.Context, source *sources.Source) error {
	copied := *source
	m.items[source.ID] = &copied
	return nil
}

func (m *memorySourceRepo) RecordSuccess(_ context.Context, id string, at time.Time) error {
	if source, ok := m.items[id]; ok {
		source.FailureCount = 0
		source.LastSuccessAt = at
	}
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
	if source, ok := m.items[id]; ok {
		source.Active = active
		if active {
			source.FailureCount = 0
		}
	}
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *memorySourceRepo) {
	t.Helper()
	repo := newMemorySourceRepo()
	registry, err := application.NewRegistry(repo, log.New(testWriter{t}, "", 0))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	handler, err := NewHandler(registry, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return handler, repo
}

func TestCreateAndListSources(t *testing.T) {
	handler, _ := newTestHandler(t)

	body := `{
		"id": "src-1",
		"name": "rooftop sensor",
		"kind": "pull",
		"endpoint": "http://upstream/api",
		"credentials": "user:secret",
		"pollIntervalMinutes": 5,
		"fieldMappings": {"pm25": "$.pm2_5"},
		"stationId": "hn-01",
		"latitude": 21.03,
		"longitude": 105.85
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sources", strings.NewReader(body))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	if strings.Contains(resp.Body.String(), "secret") {
		t.Fatalf("credentials leaked in response: %s", resp.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sources", nil)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var views []sourceView
	if err := json.Unmarshal(resp.Body.Bytes(), &views); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(views) != 1 || views[0].ID != "src-1" || !views[0].Active {
		t.Fatalf("unexpected list: %+v", views)
	}
}

func TestCreateRejectsInvalidSource(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sources",
		strings.NewReader(`{"id": "src-1", "kind": "push", "endpoint": "nats://broker"}`))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("push source without topic must be rejected, got %d", resp.Code)
	}
}

func TestReactivateClearsBreakerState(t *testing.T) {
	handler, repo := newTestHandler(t)
	ctx := context.Background()

	source := &sources.Source{
		ID:                  "src-1",
		Name:                "tripped",
		Kind:                sources.KindPull,
		Endpoint:            "http://upstream/api",
		PollIntervalMinutes: 5,
		StationID:           "hn-01",
	}
	if err := repo.Save(ctx, source); err != nil {
		t.Fatalf("save: %v", err)
	}
	repo.items["src-1"].Active = false
	repo.items["src-1"].FailureCount = sources.FailureThreshold

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sources/src-1/activate", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var view sourceView
	if err := json.Unmarshal(resp.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !view.Active || view.FailureCount != 0 {
		t.Fatalf("expected reactivated source with cleared counter, got %+v", view)
	}
}

func TestSetActiveUnknownSource(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sources/missing/deactivate", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
