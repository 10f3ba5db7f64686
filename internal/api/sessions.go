package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/interviewd/internal/session"
	"github.com/ashureev/interviewd/internal/store"
	"github.com/go-chi/chi/v5"
)

// LiveSessions reports the interviews currently running.
type LiveSessions interface {
	Snapshots() []session.Snapshot
}

// SessionHandler serves session inspection and recovery endpoints.
type SessionHandler struct {
	repo      store.ChunkStore
	recoverer *session.Recoverer
	live      LiveSessions
	timeout   time.Duration
}

// NewSessionHandler creates a SessionHandler. recoverTimeout bounds one
// recovery request.
func NewSessionHandler(repo store.ChunkStore, recoverer *session.Recoverer, live LiveSessions, recoverTimeout time.Duration) *SessionHandler {
	if recoverTimeout <= 0 {
		recoverTimeout = 2 * time.Minute
	}
	return &SessionHandler{repo: repo, recoverer: recoverer, live: live, timeout: recoverTimeout}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.ListLive)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Get("/recovery", h.ListPending)
		r.Post("/recovery/{sessionID}", h.Recover)
	})
}

// ListLive returns a snapshot of every running interview.
func (h *SessionHandler) ListLive(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": h.live.Snapshots()})
}

type sessionResponse struct {
	SessionID     string `json:"session_id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Status        string `json:"status"`
	Partial       bool   `json:"partial"`
	QuestionIndex int    `json:"question_index"`
	Transcript    string `json:"transcript"`
	UpdatedAt     int64  `json:"updated_at"`
}

// GetSession returns the persisted record of a session.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.repo.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		slog.Error("Failed to load session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	JSON(w, http.StatusOK, sessionResponse{
		SessionID:     sess.ID,
		Name:          sess.Candidate.Name,
		Email:         sess.Candidate.Email,
		Status:        string(sess.Status),
		Partial:       sess.Partial,
		QuestionIndex: sess.QuestionIndex,
		Transcript:    sess.Transcript.Text(),
		UpdatedAt:     sess.UpdatedAt.UnixMilli(),
	})
}

type pendingResponse struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Status    string `json:"status,omitempty"`
	Chunks    int    `json:"chunks"`
	Bytes     int64  `json:"bytes"`
	LastChunk int64  `json:"last_chunk"`
}

// ListPending lists interrupted sessions that can be recovered.
func (h *SessionHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.recoverer.Pending(r.Context())
	if err != nil {
		slog.Error("Failed to list interrupted sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list interrupted sessions")
		return
	}

	out := make([]pendingResponse, 0, len(pending))
	for _, p := range pending {
		resp := pendingResponse{
			SessionID: p.SessionID,
			Chunks:    p.ChunkCount,
			Bytes:     p.Bytes,
			LastChunk: p.LastChunk.UnixMilli(),
		}
		if p.Session != nil {
			resp.Name = p.Session.Candidate.Name
			resp.Email = p.Session.Candidate.Email
			resp.Status = string(p.Session.Status)
		}
		out = append(out, resp)
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

// Recover re-delivers an interrupted session.
func (h *SessionHandler) Recover(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report, err := h.recoverer.Recover(ctx, sessionID)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, report)
	case errors.Is(err, session.ErrNothingToRecover):
		Error(w, http.StatusNotFound, "nothing to recover")
	case errors.Is(err, session.ErrSessionLive):
		Error(w, http.StatusConflict, "session is still running")
	case errors.Is(err, session.ErrRecoveryInProgress):
		Error(w, http.StatusConflict, "recovery already in progress")
	case errors.Is(err, session.ErrRecoveryDelivery):
		slog.Warn("Recovery delivery failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusBadGateway, "collection service did not accept the session")
	default:
		slog.Error("Recovery failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "recovery failed")
	}
}
