package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/interviewd/internal/delivery"
	"github.com/ashureev/interviewd/internal/domain"
	"github.com/ashureev/interviewd/internal/metrics"
	"github.com/ashureev/interviewd/internal/store"
)

var (
	// ErrNothingToRecover is returned when a session has no stored chunks.
	ErrNothingToRecover = errors.New("recovery: no stored chunks")
	// ErrSessionLive is returned when the session is still running.
	ErrSessionLive = errors.New("recovery: session is still live")
	// ErrRecoveryInProgress is returned when the session is already being recovered.
	ErrRecoveryInProgress = errors.New("recovery: already in progress")
	// ErrRecoveryDelivery wraps a failed send during recovery.
	ErrRecoveryDelivery = errors.New("recovery: delivery failed")
)

// Report describes a finished recovery.
type Report struct {
	SessionID string `json:"session_id"`
	Chunks    int    `json:"chunks"`
	Bytes     int    `json:"bytes"`
}

// Recoverer re-delivers sessions whose chunks were left in the local store.
type Recoverer struct {
	store    store.ChunkStore
	delivery delivery.Agent
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// NewRecoverer creates a recoverer. The chunk store is required.
func NewRecoverer(st store.ChunkStore, agent delivery.Agent, logger *slog.Logger) (*Recoverer, error) {
	if st == nil {
		return nil, ErrNoStore
	}
	if agent == nil {
		return nil, errors.New("recovery: delivery agent is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recoverer{
		store:    st,
		delivery: agent,
		logger:   logger.With("component", "recovery"),
		inflight: make(map[string]bool),
	}, nil
}

// Pending lists interrupted sessions: those holding stored chunks that are
// not currently running.
func (r *Recoverer) Pending(ctx context.Context) ([]store.SessionSummary, error) {
	all, err := r.store.InterruptedSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list interrupted sessions: %w", err)
	}
	pending := all[:0]
	for _, s := range all {
		if s.Session != nil && !s.Session.Status.IsTerminal() {
			continue
		}
		pending = append(pending, s)
	}
	return pending, nil
}

// Recover sends every stored chunk of the session in sequence order, then
// the final bundle marked partial, signals completion and clears the store.
// On failure the chunks stay stored and Recover can be called again.
func (r *Recoverer) Recover(ctx context.Context, sessionID string) (Report, error) {
	if !r.acquire(sessionID) {
		return Report{}, ErrRecoveryInProgress
	}
	defer r.release(sessionID)

	report, err := r.recover(ctx, sessionID)
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	metrics.IncRecovery(outcome)
	return report, err
}

func (r *Recoverer) recover(ctx context.Context, sessionID string) (Report, error) {
	report := Report{SessionID: sessionID}

	sess, err := r.store.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sess = nil
	case err != nil:
		return report, fmt.Errorf("load session %s: %w", sessionID, err)
	case !sess.Status.IsTerminal():
		return report, ErrSessionLive
	}

	chunks, err := r.store.ListAll(ctx, sessionID)
	if err != nil {
		return report, fmt.Errorf("load chunks for %s: %w", sessionID, err)
	}
	if len(chunks) == 0 {
		return report, ErrNothingToRecover
	}

	id := delivery.Identity{SessionID: sessionID}
	transcript := ""
	if sess != nil {
		id = delivery.IdentityOf(sess)
		transcript = sess.Transcript.Text()
	}

	r.logger.Info("Recovering interrupted session", "session_id", sessionID, "chunks", len(chunks))
	for _, c := range chunks {
		if res := r.delivery.SendChunk(ctx, id, c); !res.OK() {
			return report, fmt.Errorf("%w: chunk %d: %s", ErrRecoveryDelivery, c.SequenceIndex, res.Reason)
		}
		report.Chunks++
		report.Bytes += len(c.Payload)
	}

	res := r.delivery.SendFinal(ctx, delivery.Bundle{Identity: id, Transcript: transcript, Partial: true})
	if !res.OK() {
		return report, fmt.Errorf("%w: final: %s", ErrRecoveryDelivery, res.Reason)
	}
	if err := r.delivery.NotifyComplete(ctx, sessionID); err != nil {
		r.logger.Warn("Failed to send completion signal", "session_id", sessionID, "error", err)
	}

	if err := r.store.Clear(ctx, sessionID); err != nil {
		return report, fmt.Errorf("clear recovered chunks: %w", err)
	}
	if sess != nil {
		sess.Status = domain.StatusCompleted
		sess.Partial = true
		sess.UpdatedAt = time.Now()
		if err := r.store.SaveSession(ctx, sess); err != nil {
			r.logger.Warn("Failed to mark recovered session completed", "session_id", sessionID, "error", err)
		}
	}

	r.logger.Info("Session recovered", "session_id", sessionID, "chunks", report.Chunks, "bytes", report.Bytes)
	return report, nil
}

func (r *Recoverer) acquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[id] {
		return false
	}
	r.inflight[id] = true
	return true
}

func (r *Recoverer) release(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}
