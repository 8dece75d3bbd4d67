package metrics

import (
	"database/sql"
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "sources_active",
			Help: "Sources currently active",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM sources WHERE active = TRUE")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "sources_tripped",
			Help: "Sources deactivated by the circuit breaker",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM sources WHERE active = FALSE AND failure_count > 0")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "observations_stored",
			Help: "Observations currently stored",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM observations")
		},
	))
}

func queryCount(db *sql.DB, logger *log.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Printf("metrics query failed: %v", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
