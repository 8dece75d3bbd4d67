package ingest

import (
	"context"
	"log"
)

// Event names pushed to live subscribers.
const (
	EventObservation = "observation"
)

// Publisher is the fan-out sink for finished observations. Fire-and-forget:
// implementations must not block the pipeline and there is no
// acknowledgment contract.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any)
}

// MultiPublisher fans a publish call out to several sinks.
type MultiPublisher struct {
	sinks []Publisher
}

// NewMultiPublisher constructs a combined publisher, skipping nil sinks.
func NewMultiPublisher(sinks ...Publisher) *MultiPublisher {
	kept := make([]Publisher, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	return &MultiPublisher{sinks: kept}
}

// Publish delivers the event to every sink.
func (m *MultiPublisher) Publish(ctx context.Context, event string, payload any) {
	for _, sink := range m.sinks {
		sink.Publish(ctx, event, payload)
	}
}

// LogPublisher writes published events to the log. Used when no live
// transport is configured.
type LogPublisher struct {
	logger *log.Logger
}

// NewLogPublisher constructs a logging publisher.
func NewLogPublisher(logger *log.Logger) *LogPublisher {
	if logger == nil {
		logger = log.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the event name.
func (p *LogPublisher) Publish(_ context.Context, event string, _ any) {
	p.logger.Printf("publish: %s", event)
}
