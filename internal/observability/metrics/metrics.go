package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "airsense_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	brokerMessages    *prometheus.CounterVec
	brokerConnections prometheus.Gauge

	pullFetches *prometheus.CounterVec
	pullLatency *prometheus.HistogramVec

	observationsUpserted *prometheus.CounterVec
	eventsPublished      *prometheus.CounterVec

	sourceDeactivations *prometheus.CounterVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		brokerMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "broker_messages_total",
				Help: "Inbound broker messages by source and result",
			},
			[]string{"source", "result"},
		)
		brokerConnections = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "broker_connections",
				Help: "Live broker connections",
			},
		)

		pullFetches = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "pull_fetches_total",
				Help: "Scheduled pull fetches by source and result",
			},
			[]string{"source", "result"},
		)
		pullLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "pull_fetch_latency_seconds",
				Help:    "Pull fetch latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		observationsUpserted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "observations_upserted_total",
				Help: "Observations written to the store by source kind",
			},
			[]string{"kind"},
		)
		eventsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_published_total",
				Help: "Events pushed to live subscribers by event name",
			},
			[]string{"event"},
		)

		sourceDeactivations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "source_deactivations_total",
				Help: "Sources auto-deactivated by the failure circuit breaker",
			},
			[]string{"source"},
		)

		prometheus.MustRegister(
			brokerMessages,
			brokerConnections,
			pullFetches,
			pullLatency,
			observationsUpserted,
			eventsPublished,
			sourceDeactivations,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncBrokerMessage counts one inbound broker message.
func IncBrokerMessage(source, result string) {
	if result == "" {
		result = resultSuccess
	}
	if brokerMessages != nil {
		brokerMessages.WithLabelValues(source, result).Inc()
	}
}

// SetBrokerConnections sets the live connection gauge.
func SetBrokerConnections(count int) {
	if count < 0 {
		count = 0
	}
	if brokerConnections != nil {
		brokerConnections.Set(float64(count))
	}
}

// ObservePullFetch records one scheduled fetch with its latency.
func ObservePullFetch(source, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if pullFetches != nil {
		pullFetches.WithLabelValues(source, result).Inc()
	}
	if pullLatency != nil {
		pullLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncObservationUpserted counts one stored observation by source kind.
func IncObservationUpserted(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if observationsUpserted != nil {
		observationsUpserted.WithLabelValues(kind).Inc()
	}
}

// IncEventPublished counts one published event.
func IncEventPublished(event string) {
	if event == "" {
		event = "unknown"
	}
	if eventsPublished != nil {
		eventsPublished.WithLabelValues(event).Inc()
	}
}

// IncSourceDeactivated counts one circuit-breaker trip.
func IncSourceDeactivated(source string) {
	if source == "" {
		source = "unknown"
	}
	if sourceDeactivations != nil {
		sourceDeactivations.WithLabelValues(source).Inc()
	}
}

// Exported result constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
