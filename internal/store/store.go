// Package store provides the durable local chunk log and session records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/interviewd/internal/domain"
)

// ErrNotFound is returned when a session record does not exist.
var ErrNotFound = errors.New("not found")

// ChunkHandle identifies a durably stored chunk.
type ChunkHandle struct {
	SessionID     string
	SequenceIndex int
	Size          int
}

// SessionSummary describes a session that still holds local chunks.
type SessionSummary struct {
	SessionID  string
	ChunkCount int
	Bytes      int64
	LastChunk  time.Time
	// Session is nil when no record was persisted for the chunks.
	Session *domain.Session
}

// ChunkStore is the durable, append-only chunk log plus session records.
type ChunkStore interface {
	// Append durably stores a chunk before returning.
	Append(ctx context.Context, chunk domain.MediaChunk) (ChunkHandle, error)

	// ListAll returns the session's chunks in append order.
	ListAll(ctx context.Context, sessionID string) ([]domain.MediaChunk, error)

	// Clear removes every chunk of a session.
	Clear(ctx context.Context, sessionID string) error

	// InterruptedSessions lists sessions that still have chunks stored.
	InterruptedSessions(ctx context.Context) ([]SessionSummary, error)

	// SaveSession creates or updates the session record.
	SaveSession(ctx context.Context, session *domain.Session) error

	// GetSession returns the session record or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// SessionsByStatus returns session records in the given status.
	SessionsByStatus(ctx context.Context, status domain.Status) ([]*domain.Session, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
