package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/memora-health/platform/internal/analysis"
	"github.com/memora-health/platform/internal/patient"
	"github.com/memora-health/platform/internal/pipeline"
	"github.com/memora-health/platform/internal/processing"
	"github.com/memora-health/platform/internal/shared/auth"
	"github.com/memora-health/platform/internal/shared/config"
	"github.com/memora-health/platform/internal/shared/database"
	"github.com/memora-health/platform/internal/shared/events"
	"github.com/memora-health/platform/internal/shared/metrics"
	secmiddleware "github.com/memora-health/platform/internal/shared/middleware"
	"github.com/memora-health/platform/internal/storage"
)

// App holds all application dependencies
type App struct {
	Config   *config.Config
	DB       *database.DB
	Bus      *events.Bus
	Blobs    *storage.MinioStore
	HIS      *patient.HISDirectory
	Analyzer *analysis.Adapter
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.Log)

	// Long-lived work (async one-shots, live streams) hangs off this context
	// and is cancelled on shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := &App{Config: cfg}

	// Document store: Postgres when available, in-memory otherwise
	var docs storage.DocumentStore = storage.NewMemoryDocumentStore()
	if cfg.Database.Enabled {
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			slog.Warn("database not available, using in-memory documents", "error", err)
		} else {
			app.DB = db
			defer db.Close()

			if err := database.Migrate(ctx, db.Pool); err != nil {
				slog.Warn("migration failed", "error", err)
			}
			docs = storage.NewPostgresStore(db.Pool)
		}
	}

	// Blob store: MinIO when available, in-memory otherwise
	var blobs storage.BlobStore = storage.NewMemoryBlobStore()
	if cfg.Storage.Enabled {
		minioStore, err := storage.NewMinioStore(ctx, cfg.Storage)
		if err != nil {
			slog.Warn("object storage not available, using in-memory blobs", "error", err)
		} else {
			app.Blobs = minioStore
			blobs = minioStore
		}
	}

	// Event bus (optional)
	var publisher events.Publisher
	if cfg.KurrentDB.Enabled {
		bus, err := events.NewBus(ctx, cfg.KurrentDB)
		if err != nil {
			slog.Warn("KurrentDB not available, running without event streaming", "error", err)
		} else {
			app.Bus = bus
			publisher = bus
			defer bus.Close()
			slog.Info("KurrentDB event bus initialized")
		}
	}

	// Inference backend; without a model every analysis fails as unavailable
	var model analysis.Model
	gemini, err := analysis.NewGeminiModel(ctx, cfg.AI)
	if err != nil {
		slog.Warn("inference backend not configured", "error", err)
	} else {
		model = gemini
	}
	app.Analyzer = analysis.NewAdapter(model, cfg.AI)

	// Patient context from the hospital information system (optional)
	var directory patient.Directory
	if cfg.HIS.Enabled {
		his, err := patient.NewHISDirectory(ctx, cfg.HIS)
		if err != nil {
			slog.Warn("HIS not available, patient context comes from requests only", "error", err)
		} else {
			app.HIS = his
			directory = his
			defer his.Close()
		}
	}

	recorder := storage.NewRecorder(blobs, docs, publisher)
	p := pipeline.New(app.Analyzer, recorder, cfg.Pipeline)

	registry := processing.NewRegistry(cfg.Server.SessionTTL)
	go registry.Start(ctx)

	handler := processing.NewHandler(ctx, p, registry, recorder, directory, cfg.Pipeline)

	ipLimiter := secmiddleware.NewIPRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	r.Use(ipLimiter.Middleware)

	r.Get("/", infoHandler)
	r.Get("/health", healthHandler(app))
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Server.Env == "production" {
			r.Use(auth.Middleware(cfg.Auth))
			r.Use(auth.RequireRoles(cfg.Auth.Roles...))
		}
		r.Mount("/", handler.Routes())
	})

	// WriteTimeout stays unset: session event streams are long-lived.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		slog.Info("shutting down server")

		registry.Stop()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		close(done)
	}()

	slog.Info("memora analysis platform starting",
		"env", cfg.Server.Env,
		"addr", srv.Addr,
		"database", app.DB != nil,
		"object_storage", app.Blobs != nil,
		"event_bus", app.Bus != nil,
		"his", app.HIS != nil,
		"model", cfg.AI.Model,
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("server stopped")
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "Memora Clinical Analysis Platform",
		"version": "0.1.0",
		"docs":    "/api/v1",
	})
}

func healthHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
		})
	}
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]string{
			"server": "ready",
		}

		check := func(name string, configured bool, probe func() error) {
			if !configured {
				checks[name] = "not configured"
				return
			}
			if err := probe(); err != nil {
				checks[name] = "not ready: " + err.Error()
				return
			}
			checks[name] = "ready"
		}

		check("database", app.DB != nil, func() error { return app.DB.Health(ctx) })
		check("kurrentdb", app.Bus != nil, func() error { return app.Bus.Health(ctx) })
		check("storage", app.Blobs != nil, func() error { return app.Blobs.Health(ctx) })
		check("his", app.HIS != nil, func() error { return app.HIS.Health(ctx) })
		check("inference", true, app.Analyzer.Available)

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}
