package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/interviewd/internal/speech"
	"github.com/ashureev/interviewd/internal/store"
	"github.com/go-chi/chi/v5"
)

// HealthHandler reports readiness of the chunk store and, when configured,
// the recognition backend.
type HealthHandler struct {
	repo    store.ChunkStore
	speech  speech.HealthChecker
	timeout time.Duration
}

// NewHealthHandler creates a HealthHandler. speechHealth may be nil.
func NewHealthHandler(repo store.ChunkStore, speechHealth speech.HealthChecker) *HealthHandler {
	return &HealthHandler{repo: repo, speech: speechHealth, timeout: 5 * time.Second}
}

// Ready returns the health status of the host and its dependencies.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// Recognition has a countdown fallback, so it never fails readiness.
	if h.speech != nil {
		if err := h.speech.Check(ctx); err != nil {
			slog.Warn("Speech backend health check failed", "error", err)
			checks["speech"] = "unavailable"
		} else {
			checks["speech"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the readiness route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/ready", h.Ready)
}
