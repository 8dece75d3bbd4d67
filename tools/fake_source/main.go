// fake_source simulates an upstream sensor provider for local development.
// It serves an ad-hoc JSON endpoint, a canonical-payload endpoint and a
// channel metadata endpoint, and can optionally publish readings to a NATS
// subject to exercise the push path.
package main

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

type fakeSource struct {
	start    time.Time
	latency  time.Duration
	failRate float64
	station  string

	mu         sync.Mutex
	byPath     map[string]int64
	totalCalls int64
}

func main() {
	addr := getenvDefault("FAKE_SOURCE_ADDR", ":18080")
	latencyMs := getenvIntDefault("FAKE_SOURCE_LATENCY_MS", 0)
	failRate := getenvFloatDefault("FAKE_SOURCE_FAIL_RATE", 0)
	station := getenvDefault("FAKE_SOURCE_STATION", "hn-01")
	natsURL := getenvDefault("FAKE_SOURCE_NATS_URL", "")
	natsSubject := getenvDefault("FAKE_SOURCE_NATS_SUBJECT", "sensors.demo")
	publishEvery := getenvIntDefault("FAKE_SOURCE_PUBLISH_SECONDS", 0)

	srv := &fakeSource{
		start:    time.Now().UTC(),
		latency:  time.Duration(latencyMs) * time.Millisecond,
		failRate: failRate,
		station:  station,
		byPath:   make(map[string]int64),
	}

	if natsURL != "" && publishEvery > 0 {
		go srv.publishLoop(context.Background(), natsURL, natsSubject, time.Duration(publishEvery)*time.Second)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/metrics", srv.handleMetrics)
	mux.HandleFunc("/api/latest", srv.handleLatest)
	mux.HandleFunc("/api/canonical", srv.handleCanonical)
	mux.HandleFunc("/api/channels", srv.handleChannels)

	log.Printf("fake source listening on %s (station %s)", addr, station)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}

func (s *fakeSource) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *fakeSource) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := map[string]any{
		"started_at": s.start.Format(time.RFC3339),
		"total":      atomic.LoadInt64(&s.totalCalls),
		"by_path":    s.byPath,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *fakeSource) before(w http.ResponseWriter, r *http.Request) bool {
	atomic.AddInt64(&s.totalCalls, 1)
	s.mu.Lock()
	s.byPath[r.URL.Path]++
	s.mu.Unlock()

	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	if s.failRate > 0 && rand.Float64() < s.failRate {
		http.Error(w, "synthetic upstream failure", http.StatusInternalServerError)
		return false
	}
	return true
}

func (s *fakeSource) handleLatest(w http.ResponseWriter, r *http.Request) {
	if !s.before(w, r) {
		return
	}
	payload := map[string]any{
		"ts":          time.Now().UTC().Format(time.RFC3339),
		"pm2_5":       reading(5, 40),
		"pm10":        reading(10, 80),
		"no2":         reading(5, 60),
		"temperature": reading(18, 34),
		"humidity":    reading(40, 95),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *fakeSource) handleCanonical(w http.ResponseWriter, r *http.Request) {
	if !s.before(w, r) {
		return
	}
	now := time.Now().UTC().Truncate(time.Minute)
	record := map[string]any{
		"id":         "urn:ngsi-ld:AirQualityObserved:" + s.station + ":" + now.Format(time.RFC3339),
		"type":       "AirQualityObserved",
		"stationId":  s.station,
		"observedAt": now.Format(time.RFC3339),
		"location":   map[string]float64{"lat": 21.03, "lon": 105.85},
		"parameters": map[string]any{
			"pm25": map[string]any{"value": reading(5, 40), "unitCode": "GQ", "observedAt": now.Format(time.RFC3339)},
			"pm10": map[string]any{"value": reading(10, 80), "unitCode": "GQ", "observedAt": now.Format(time.RFC3339)},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode([]any{record})
}

func (s *fakeSource) handleChannels(w http.ResponseWriter, r *http.Request) {
	if !s.before(w, r) {
		return
	}
	payload := map[string]any{
		"channels": []map[string]string{
			{"id": "ch-1", "parameter": "PM₂.₅"},
			{"id": "ch-2", "parameter": "PM₁₀"},
			{"id": "ch-3", "parameter": "NO₂"},
			{"id": "ch-4", "parameter": "Temperature"},
			{"id": "ch-5", "parameter": "Relative Humidity"},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *fakeSource) publishLoop(ctx context.Context, url, subject string, every time.Duration) {
	conn, err := nats.Connect(url, nats.Name("fake-source"), nats.MaxReconnects(-1))
	if err != nil {
		log.Printf("nats connect: %v", err)
		return
	}
	defer conn.Drain()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	log.Printf("publishing to %s every %s", subject, every)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, _ := json.Marshal(map[string]any{
				"ts":    time.Now().UTC().Format(time.RFC3339),
				"pm2_5": reading(5, 40),
				"pm10":  reading(10, 80),
			})
			if err := conn.Publish(subject, payload); err != nil {
				log.Printf("nats publish: %v", err)
			}
		}
	}
}

func reading(low, high float64) float64 {
	value := low + rand.Float64()*(high-low)
	return float64(int(value*10)) / 10
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
