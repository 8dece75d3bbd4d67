package mapping

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"PM2.5":       "pm25",
		"PM₂.₅":       "pm25",
		"pm_10":       "pm10",
		"NO₂":         "no2",
		"Temperature": "temperature",
		"rel humidity": "relhumidity",
	}
	for in, want := range cases {
		if got := NormalizeName(in); got != want {
			t.Errorf("normalize %q: got %q want %q", in, got, want)
		}
	}
}

func TestResolverDiscoversOnceAndCaches(t *testing.T) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"channels": []map[string]string{
				{"id": "ch-1", "parameter": "PM₂.₅"},
				{"id": "ch-2", "parameter": "PM10"},
				{"id": "ch-3", "parameter": "battery voltage"},
			},
		})
	}))
	defer server.Close()

	resolver := NewResolver(log.New(testWriter{t}, "", 0))

	parameter, ok, err := resolver.Resolve(context.Background(), "loc-1", server.URL, "ch-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok || parameter != "pm25" {
		t.Fatalf("expected pm25, got %q ok=%v", parameter, ok)
	}

	// Second resolution for the same location must be served from cache.
	parameter, ok, err = resolver.Resolve(context.Background(), "loc-1", server.URL, "ch-2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok || parameter != "pm10" {
		t.Fatalf("expected pm10, got %q ok=%v", parameter, ok)
	}
	if fetches.Load() != 1 {
		t.Fatalf("expected exactly one metadata fetch, got %d", fetches.Load())
	}

	// Discovery keeps every declared channel, not only pollutants.
	parameter, ok, err = resolver.Resolve(context.Background(), "loc-1", server.URL, "ch-3")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok || parameter != "batteryvoltage" {
		t.Fatalf("expected batteryvoltage, got %q ok=%v", parameter, ok)
	}

	// Unknown channel is a miss, not an error.
	_, ok, err = resolver.Resolve(context.Background(), "loc-1", server.URL, "ch-404")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ok {
		t.Fatalf("expected miss for unknown channel")
	}
}

func TestResolverStaticWinsOverDiscovery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("static mapping must not trigger discovery")
	}))
	defer server.Close()

	resolver := NewResolver(log.New(testWriter{t}, "", 0), WithStaticMappings("loc-2", map[string]string{
		"s1": "PM2.5",
	}))

	parameter, ok, err := resolver.Resolve(context.Background(), "loc-2", server.URL, "s1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok || parameter != "pm25" {
		t.Fatalf("expected pm25, got %q ok=%v", parameter, ok)
	}
}

func TestResolverInvalidateForcesRefetch(t *testing.T) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sensors": []map[string]string{{"id": "a", "name": "NO₂"}},
		})
	}))
	defer server.Close()

	resolver := NewResolver(log.New(testWriter{t}, "", 0))

	if _, _, err := resolver.Resolve(context.Background(), "loc-3", server.URL, "a"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	resolver.Invalidate("loc-3")
	parameter, ok, err := resolver.Resolve(context.Background(), "loc-3", server.URL, "a")
	if err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if !ok || parameter != "no2" {
		t.Fatalf("expected no2, got %q ok=%v", parameter, ok)
	}
	if fetches.Load() != 2 {
		t.Fatalf("expected refetch after invalidate, got %d fetches", fetches.Load())
	}
}

func TestMappingsReturnsOwnCopy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"channels": []map[string]string{{"id": "ch-1", "parameter": "PM2.5"}},
		})
	}))
	defer server.Close()

	resolver := NewResolver(log.New(testWriter{t}, "", 0), WithStaticMappings("loc-static", map[string]string{
		"s1": "PM10",
	}))

	discovered, err := resolver.Mappings(context.Background(), "loc-5", server.URL)
	if err != nil {
		t.Fatalf("mappings: %v", err)
	}
	discovered["ch-1"] = "poisoned"
	delete(discovered, "ch-1")

	again, err := resolver.Mappings(context.Background(), "loc-5", server.URL)
	if err != nil {
		t.Fatalf("mappings again: %v", err)
	}
	if again["ch-1"] != "pm25" {
		t.Fatalf("caller mutation leaked into the cache: %v", again)
	}

	static, err := resolver.Mappings(context.Background(), "loc-static", "")
	if err != nil {
		t.Fatalf("static mappings: %v", err)
	}
	static["s1"] = "poisoned"
	static, err = resolver.Mappings(context.Background(), "loc-static", "")
	if err != nil {
		t.Fatalf("static mappings again: %v", err)
	}
	if static["s1"] != "pm10" {
		t.Fatalf("caller mutation leaked into static config: %v", static)
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
