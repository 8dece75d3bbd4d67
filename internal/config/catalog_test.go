package config

import (
	"strings"
	"testing"

	sources "airsense-cloud/internal/sources/domain"
)

const sampleCatalog = `
sources:
  - id: hanoi-broker
    name: Hanoi rooftop broker
    kind: push
    endpoint: nats://broker:4222
    topic: sensors.hanoi.rooftop
    station_id: hn-01
    latitude: 21.03
    longitude: 105.85
  - id: hanoi-api
    name: Hanoi municipal API
    kind: pull
    endpoint: https://upstream.example/api/latest
    metadata_url: https://upstream.example/api/channels
    poll_interval_minutes: 10
    field_mappings:
      pm25: "$.data.pm2_5"
      timestamp: "$.data.ts"
    headers:
      X-Api-Key: demo
    station_id: hn-02
    latitude: 21.01
    longitude: 105.80
`

func TestParseCatalog(t *testing.T) {
	list, err := ParseCatalog([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(list))
	}

	push := list[0]
	if push.Kind != sources.KindPush || push.Topic != "sensors.hanoi.rooftop" || !push.Active {
		t.Fatalf("unexpected push source: %+v", push)
	}

	pull := list[1]
	if pull.Kind != sources.KindPull || pull.PollIntervalMinutes != 10 {
		t.Fatalf("unexpected pull source: %+v", pull)
	}
	if pull.FieldMappings["pm25"] != "$.data.pm2_5" {
		t.Fatalf("unexpected field mappings: %v", pull.FieldMappings)
	}
	if pull.Headers["X-Api-Key"] != "demo" {
		t.Fatalf("unexpected headers: %v", pull.Headers)
	}
}

func TestParseCatalogRejectsInvalidEntry(t *testing.T) {
	broken := strings.Replace(sampleCatalog, "topic: sensors.hanoi.rooftop", "", 1)
	if _, err := ParseCatalog([]byte(broken)); err == nil {
		t.Fatalf("expected validation error for push source without topic")
	}
}
