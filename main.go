package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"airsense-cloud/internal/audit"
	"airsense-cloud/internal/auth"
	"airsense-cloud/internal/config"
	"airsense-cloud/internal/ingest"
	"airsense-cloud/internal/ingest/broker"
	"airsense-cloud/internal/ingest/puller"
	"airsense-cloud/internal/mapping"
	masterdatarepo "airsense-cloud/internal/masterdata/infrastructure/postgres"
	"airsense-cloud/internal/observability/metrics"
	observationrepo "airsense-cloud/internal/observation/infrastructure/postgres"
	observationhttp "airsense-cloud/internal/observation/interfaces/http"
	"airsense-cloud/internal/sources/application"
	sourcesrepo "airsense-cloud/internal/sources/infrastructure/postgres"
	sourceshttp "airsense-cloud/internal/sources/interfaces/http"
	"airsense-cloud/internal/stream"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)

	sourceRepo := sourcesrepo.NewSourceRepository(db)
	stationRepo := masterdatarepo.NewStationRepository(db)
	observationStore := observationrepo.NewObservationRepository(db)
	auditRepo := audit.NewRepository(db)

	registry, err := application.NewRegistry(sourceRepo, logger,
		application.WithDeactivateHook(metrics.IncSourceDeactivated))
	if err != nil {
		logger.Fatalf("registry error: %v", err)
	}

	if cfg.CatalogPath != "" {
		seedCatalog(registry, cfg.CatalogPath, logger)
	}

	resolver := mapping.NewResolver(logger)
	normalizer, err := ingest.NewNormalizer(resolver, logger)
	if err != nil {
		logger.Fatalf("normalizer error: %v", err)
	}

	hub := stream.NewHub(logger)
	publisher := ingest.NewMultiPublisher(hub, ingest.NewLogPublisher(logger))

	connector, err := broker.NewNATSConnector(registry, logger)
	if err != nil {
		logger.Fatalf("nats connector error: %v", err)
	}
	manager, err := broker.NewManager(registry, connector, normalizer, observationStore, stationRepo, publisher, logger)
	if err != nil {
		logger.Fatalf("broker manager error: %v", err)
	}
	scheduledPuller, err := puller.NewPuller(registry, normalizer, observationStore, stationRepo, publisher, logger)
	if err != nil {
		logger.Fatalf("puller error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		manager.Run(ctx)
	}()
	go func() {
		defer loops.Done()
		scheduledPuller.Run(ctx)
	}()

	sourcesHandler, err := sourceshttp.NewHandler(registry, auditRepo)
	if err != nil {
		logger.Fatalf("sources handler error: %v", err)
	}
	observationsHandler, err := observationhttp.NewHandler(observationStore)
	if err != nil {
		logger.Fatalf("observations handler error: %v", err)
	}
	invalidateHandler, err := mapping.NewInvalidateHandler(resolver)
	if err != nil {
		logger.Fatalf("mapping handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics", "/stream"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/sources", sourcesHandler)
	mux.Handle("/api/v1/sources/", sourcesHandler)
	mux.Handle("/api/v1/observations", observationsHandler)
	mux.Handle("/api/v1/mappings/invalidate", invalidateHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// The websocket upgrade needs the raw ResponseWriter, so /stream sits
	// outside the logging wrapper.
	root := http.NewServeMux()
	root.Handle("/stream", hub)
	root.Handle("/", loggingMiddleware(authMiddleware.Wrap(mux), logger))

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: root}
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	loops.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
}

// seedCatalog upserts catalog sources at boot. Runtime breaker state is
// preserved by the repository, so reseeding never resurrects a tripped
// source.
func seedCatalog(registry *application.Registry, path string, logger *log.Logger) {
	catalog, err := config.LoadCatalog(path)
	if err != nil {
		logger.Fatalf("catalog error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, source := range catalog {
		if err := registry.Save(ctx, &source); err != nil {
			logger.Fatalf("catalog seed %s: %v", source.ID, err)
		}
	}
	logger.Printf("seeded %d source(s) from %s", len(catalog), path)
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
