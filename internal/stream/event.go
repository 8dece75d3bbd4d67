// Package stream fans observation events out to websocket subscribers.
package stream

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps an event payload with delivery metadata.
type Envelope struct {
	EventID    string          `json:"event_id"`
	Event      string          `json:"event"`
	OccurredAt time.Time       `json:"occurred_at"`
	StationID  string          `json:"station_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// BuildEnvelope constructs an envelope around an event payload. The station
// id is lifted from the payload when it carries one.
func BuildEnvelope(event string, payload any) (Envelope, error) {
	if event == "" {
		return Envelope{}, errors.New("stream: empty event name")
	}
	if payload == nil {
		return Envelope{}, errors.New("stream: nil payload")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}

	var identity struct {
		StationID string `json:"stationId"`
	}
	_ = json.Unmarshal(raw, &identity)

	return Envelope{
		EventID:    uuid.NewString(),
		Event:      event,
		OccurredAt: time.Now().UTC(),
		StationID:  identity.StationID,
		Payload:    raw,
	}, nil
}
