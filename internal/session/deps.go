// Package session runs one interview: it sequences questions, owns the
// lifecycle state and decides when to pause, resume, finalize or fail.
package session

import (
	"context"
	"time"

	"github.com/ashureev/interviewd/internal/capture"
	"github.com/ashureev/interviewd/internal/config"
	"github.com/ashureev/interviewd/internal/delivery"
	"github.com/ashureev/interviewd/internal/domain"
	"github.com/ashureev/interviewd/internal/speech"
	"github.com/ashureev/interviewd/internal/store"
)

// Capture is the recording pipeline as seen by the orchestrator.
type Capture interface {
	Start(ctx context.Context, c capture.Constraints) (*capture.MediaHandle, error)
	Pause()
	Resume()
	Stop()
	Events() <-chan capture.Event
}

// Asker asks one question and waits for the answer.
type Asker interface {
	Ready(ctx context.Context) bool
	Ask(ctx context.Context, question string) speech.AnswerResult
}

// NoticeKind identifies a user-visible condition.
type NoticeKind string

const (
	NoticeDeviceError         NoticeKind = "device_error"
	NoticeOffline             NoticeKind = "offline"
	NoticeReconnected         NoticeKind = "reconnected"
	NoticeOfflineTimeout      NoticeKind = "offline_timeout"
	NoticeRecognitionFallback NoticeKind = "recognition_fallback"
	NoticeStorageError        NoticeKind = "storage_error"
	NoticeCompleted           NoticeKind = "completed"
	NoticeFinalizeFailed      NoticeKind = "finalize_failed"
)

// Notifier receives what the candidate should see. Calls are made from the
// orchestrator goroutine and must not block for long.
type Notifier interface {
	Turn(t domain.Turn)
	Status(status domain.Status, partial bool)
	Notice(kind NoticeKind, message string)
}

type nopNotifier struct{}

func (nopNotifier) Turn(domain.Turn)           {}
func (nopNotifier) Status(domain.Status, bool) {}
func (nopNotifier) Notice(NoticeKind, string)  {}

// Deps are the collaborators of one orchestrator.
type Deps struct {
	Capture  Capture
	Delivery delivery.Agent
	Asker    Asker
	Store    store.ChunkStore
	Notifier Notifier
}

// Config holds the timing policy of a session.
type Config struct {
	OfflineTimeout  time.Duration
	ProbeInterval   time.Duration
	AdvanceDelay    time.Duration
	UnloadTimeout   time.Duration
	StopTimeout     time.Duration
	FinalAttempts   int
	FinalRetryDelay time.Duration
	Constraints     capture.Constraints
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		OfflineTimeout:  2 * time.Minute,
		ProbeInterval:   10 * time.Second,
		AdvanceDelay:    1500 * time.Millisecond,
		UnloadTimeout:   2 * time.Second,
		StopTimeout:     10 * time.Second,
		FinalAttempts:   3,
		FinalRetryDelay: 2 * time.Second,
		Constraints:     capture.DefaultConstraints(),
	}
}

// ConfigFrom builds the session policy from application configuration.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	c.OfflineTimeout = cfg.Session.OfflineTimeout
	c.ProbeInterval = cfg.Session.OfflineProbeInterval
	c.AdvanceDelay = cfg.Session.AdvanceDelay
	c.UnloadTimeout = cfg.Session.UnloadTimeout
	c.FinalAttempts = cfg.Delivery.FinalSendAttempts
	c.FinalRetryDelay = cfg.Delivery.FinalRetryDelay
	return c
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	SessionID     string        `json:"session_id"`
	Status        domain.Status `json:"status"`
	Partial       bool          `json:"partial"`
	QuestionIndex int           `json:"question_index"`
	Questions     int           `json:"questions"`
	Turns         int           `json:"turns"`
	QueuedChunks  int           `json:"queued_chunks"`
	Delivered     int           `json:"delivered_chunks"`
	Captured      int           `json:"captured_chunks"`
}
