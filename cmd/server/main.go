// interviewd - interview session host
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/interviewd/internal/api"
	"github.com/ashureev/interviewd/internal/bridge"
	"github.com/ashureev/interviewd/internal/config"
	"github.com/ashureev/interviewd/internal/delivery"
	"github.com/ashureev/interviewd/internal/metrics"
	"github.com/ashureev/interviewd/internal/middleware"
	"github.com/ashureev/interviewd/internal/session"
	"github.com/ashureev/interviewd/internal/speech"
	"github.com/ashureev/interviewd/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "collector", cfg.CollectorURL)

	// The chunk store is required: without it no session may start.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize chunk store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close chunk store", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Chunk store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Chunk store ready", "path", cfg.DBPath)

	interrupted, err := repo.MarkInterrupted(context.Background())
	if err != nil {
		slog.Error("Failed to mark interrupted sessions", "error", err)
		os.Exit(1)
	}
	if interrupted > 0 {
		slog.Warn("Sessions interrupted by the previous run", "count", interrupted)
	}

	metrics.MustRegister(nil)

	client := delivery.NewClient(cfg.CollectorURL, cfg.Delivery.RequestTimeout, logger)

	recoverer, err := session.NewRecoverer(repo, client, logger)
	if err != nil {
		slog.Error("Failed to initialize recovery", "error", err)
		os.Exit(1)
	}

	// Optional recognition backend health probe.
	var speechHealth speech.HealthChecker
	if cfg.SpeechHealthAddr != "" {
		probe, err := speech.NewGRPCHealth(cfg.SpeechHealthAddr, "", 2*time.Second)
		if err != nil {
			slog.Warn("Speech health probe disabled", "address", cfg.SpeechHealthAddr, "error", err)
		} else {
			defer func() { _ = probe.Close() }()
			speechHealth = probe
			slog.Info("Speech health probe enabled", "address", cfg.SpeechHealthAddr)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sm := bridge.NewSessionManager()
	wsHandler := bridge.NewHandler(ctx, repo, client, sm, bridge.Options{
		Session:       session.ConfigFrom(cfg),
		Speech:        speech.ConfigFrom(cfg),
		ChunkInterval: cfg.Session.ChunkInterval,
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		Health:        speechHealth,
	}, logger)
	sessionHandler := api.NewSessionHandler(repo, recoverer, sm, 2*time.Minute)
	healthHandler := api.NewHealthHandler(repo, speechHealth)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket endpoint.
	r.Get("/ws/interview", wsHandler.ServeHTTP)

	// Interviews are long-lived WebSockets, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.RecoverySweepInterval > 0 {
		session.StartRecoveryWorker(ctx, recoverer, cfg.RecoverySweepInterval)
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal. Cancelling ctx hard-stops running interviews.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sm.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
