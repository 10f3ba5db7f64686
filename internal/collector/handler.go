package collector

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/interviewd/internal/api"
	"github.com/ashureev/interviewd/internal/delivery"
	"github.com/ashureev/interviewd/internal/domain"
	"github.com/go-chi/chi/v5"
)

// maxUploadSize bounds one multipart request.
const maxUploadSize = 512 << 20

// Handler serves the collection endpoints.
type Handler struct {
	store     *Store
	questions domain.QuestionSet
	logger    *slog.Logger
}

// NewHandler creates a collector handler serving qs from GET /questions.
func NewHandler(store *Store, qs domain.QuestionSet, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, questions: qs, logger: logger.With("component", "collector")}
}

// RegisterRoutes registers the collection routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post(delivery.PathStartSession, h.StartSession)
	r.Get(delivery.PathQuestions, h.Questions)
	r.Post(delivery.PathUploadChunk, h.UploadChunk)
	r.Post(delivery.PathFinalize, h.Finalize)
	r.Post(delivery.PathUpload, h.Upload)
	r.Post(delivery.PathMarkComplete, h.MarkComplete)
	r.Get("/sessions/{sessionID}", h.GetSession)
}

// StartSession registers a session from form fields.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.FormValue("sessionId"))
	if sessionID == "" {
		api.Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if err := h.store.UpsertSession(r.Context(), sessionID, r.FormValue("name"), r.FormValue("email")); err != nil {
		h.logger.Error("Failed to register session", "session_id", sessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to register session")
		return
	}
	h.logger.Info("Session registered", "session_id", sessionID)
	api.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Questions returns the question bank.
func (h *Handler) Questions(w http.ResponseWriter, _ *http.Request) {
	api.JSON(w, http.StatusOK, []string(h.questions))
}

// UploadChunk stores one chunk.
func (h *Handler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	sessionID := r.FormValue("sessionId")
	seq, err := strconv.Atoi(r.FormValue("sequenceIndex"))
	if sessionID == "" || err != nil || seq < 0 {
		api.Error(w, http.StatusBadRequest, "sessionId and sequenceIndex are required")
		return
	}
	payload, err := readPart(r, "videoBlob")
	if err != nil {
		api.Error(w, http.StatusBadRequest, "videoBlob is required")
		return
	}

	ctx := r.Context()
	if err := h.store.UpsertSession(ctx, sessionID, r.FormValue("name"), r.FormValue("email")); err != nil {
		h.logger.Error("Failed to register session", "session_id", sessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to store chunk")
		return
	}
	if err := h.store.PutChunk(ctx, sessionID, seq, payload); err != nil {
		h.logger.Error("Failed to store chunk", "session_id", sessionID, "seq", seq, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to store chunk")
		return
	}
	h.logger.Debug("Chunk stored", "session_id", sessionID, "seq", seq, "bytes", len(payload))
	api.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type finalizeRequest struct {
	SessionID  string `json:"sessionId"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Transcript string `json:"transcript"`
	Partial    bool   `json:"partial"`
}

// Finalize stores a transcript-only final bundle.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadSize)).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		api.Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	h.storeFinal(w, r, req.SessionID, req.Name, req.Email, Final{
		Transcript:     req.Transcript,
		Partial:        req.Partial,
		IdempotencyKey: r.Header.Get(delivery.IdempotencyHeader),
	})
}

// Upload stores a final bundle carrying the full recording.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	sessionID := r.FormValue("sessionId")
	if sessionID == "" {
		api.Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	video, err := readPart(r, "video")
	if err != nil {
		api.Error(w, http.StatusBadRequest, "video is required")
		return
	}
	transcript, err := readPart(r, "transcript")
	if err != nil {
		api.Error(w, http.StatusBadRequest, "transcript is required")
		return
	}
	partial, _ := strconv.ParseBool(r.FormValue("partial"))

	h.storeFinal(w, r, sessionID, r.FormValue("name"), r.FormValue("email"), Final{
		Transcript:     string(transcript),
		Partial:        partial,
		Video:          video,
		IdempotencyKey: r.Header.Get(delivery.IdempotencyHeader),
	})
}

func (h *Handler) storeFinal(w http.ResponseWriter, r *http.Request, sessionID, name, email string, f Final) {
	ctx := r.Context()
	if err := h.store.UpsertSession(ctx, sessionID, name, email); err != nil {
		h.logger.Error("Failed to register session", "session_id", sessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to store final bundle")
		return
	}
	if err := h.store.PutFinal(ctx, sessionID, f); err != nil {
		h.logger.Error("Failed to store final bundle", "session_id", sessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to store final bundle")
		return
	}
	h.logger.Info("Final bundle stored", "session_id", sessionID,
		"partial", f.Partial, "video_bytes", len(f.Video), "idempotency_key", f.IdempotencyKey)
	api.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// MarkComplete records the completion signal.
func (h *Handler) MarkComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || req.SessionID == "" {
		api.Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if err := h.store.MarkComplete(r.Context(), req.SessionID); err != nil {
		h.logger.Error("Failed to mark session complete", "session_id", req.SessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to mark complete")
		return
	}
	h.logger.Info("Session marked complete", "session_id", req.SessionID)
	api.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetSession reports what was collected for a session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sum, err := h.store.Summary(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, ErrNotFound) {
		api.Error(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to summarize session", "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	api.JSON(w, http.StatusOK, sum)
}

func readPart(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, err
	}
	defer func(f multipart.File) { _ = f.Close() }(file)
	return io.ReadAll(file)
}
