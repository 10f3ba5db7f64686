// Package collector is a reference collection service: it accepts session
// registrations, chunk uploads and final bundles over HTTP and keeps them in
// SQLite. Every write is an upsert so re-sends are harmless.
package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/interviewd/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// ErrNotFound is returned when a session is unknown to the collector.
var ErrNotFound = errors.New("session not found")

// Final is the stored final bundle of a session.
type Final struct {
	Transcript     string
	Partial        bool
	Video          []byte
	IdempotencyKey string
	ReceivedAt     time.Time
}

// Summary describes what the collector holds for a session.
type Summary struct {
	SessionID  string    `json:"sessionId"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Chunks     int       `json:"chunks"`
	ChunkBytes int64     `json:"chunkBytes"`
	HasFinal   bool      `json:"hasFinal"`
	Partial    bool      `json:"partial"`
	VideoBytes int64     `json:"videoBytes"`
	Completed  bool      `json:"completed"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists what the collector receives.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the collector database.
func OpenStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		payload BLOB NOT NULL,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS finals (
		session_id TEXT PRIMARY KEY,
		transcript TEXT NOT NULL,
		partial INTEGER NOT NULL DEFAULT 0,
		video BLOB,
		idempotency_key TEXT NOT NULL DEFAULT '',
		received_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	return shared.RetryOnConflict(ctx, writeRetries, writeBaseDelay, op, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// UpsertSession records a session. Identity fields are refreshed when
// non-empty.
func (s *Store) UpsertSession(ctx context.Context, sessionID, name, email string) error {
	err := s.exec(ctx, "upsert session", `
		INSERT INTO sessions (session_id, name, email, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE name END,
			email = CASE WHEN excluded.email != '' THEN excluded.email ELSE email END`,
		sessionID, name, email, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sessionID, err)
	}
	return nil
}

// PutChunk stores a chunk; a re-send of the same sequence index replaces it.
func (s *Store) PutChunk(ctx context.Context, sessionID string, seq int, payload []byte) error {
	err := s.exec(ctx, "put chunk", `
		INSERT INTO chunks (session_id, seq, payload, received_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, seq) DO UPDATE SET payload = excluded.payload, received_at = excluded.received_at`,
		sessionID, seq, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put chunk %s/%d: %w", sessionID, seq, err)
	}
	return nil
}

// Chunks returns the stored chunk payloads of a session in sequence order.
func (s *Store) Chunks(ctx context.Context, sessionID string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM chunks WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out [][]byte
	for rows.Next() {
		var p []byte
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PutFinal stores the final bundle. A video already stored is kept when a
// later send carries none.
func (s *Store) PutFinal(ctx context.Context, sessionID string, f Final) error {
	var video any
	if len(f.Video) > 0 {
		video = f.Video
	}
	err := s.exec(ctx, "put final", `
		INSERT INTO finals (session_id, transcript, partial, video, idempotency_key, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			transcript = excluded.transcript,
			partial = excluded.partial,
			video = COALESCE(excluded.video, video),
			idempotency_key = excluded.idempotency_key,
			received_at = excluded.received_at`,
		sessionID, f.Transcript, f.Partial, video, f.IdempotencyKey, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put final %s: %w", sessionID, err)
	}
	return nil
}

// GetFinal returns the final bundle of a session.
func (s *Store) GetFinal(ctx context.Context, sessionID string) (*Final, error) {
	var f Final
	var receivedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT transcript, partial, video, idempotency_key, received_at FROM finals WHERE session_id = ?`, sessionID,
	).Scan(&f.Transcript, &f.Partial, &f.Video, &f.IdempotencyKey, &receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan final: %w", err)
	}
	f.ReceivedAt = time.UnixMilli(receivedAt)
	return &f, nil
}

// MarkComplete flags a session as complete, creating the record if needed.
func (s *Store) MarkComplete(ctx context.Context, sessionID string) error {
	err := s.exec(ctx, "mark complete", `
		INSERT INTO sessions (session_id, name, email, completed, created_at) VALUES (?, '', '', 1, ?)
		ON CONFLICT(session_id) DO UPDATE SET completed = 1`,
		sessionID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark complete %s: %w", sessionID, err)
	}
	return nil
}

// Summary reports what is stored for a session.
func (s *Store) Summary(ctx context.Context, sessionID string) (Summary, error) {
	sum := Summary{SessionID: sessionID}
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT name, email, completed, created_at FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&sum.Name, &sum.Email, &sum.Completed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, fmt.Errorf("scan session: %w", err)
	}
	sum.CreatedAt = time.UnixMilli(createdAt)

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM chunks WHERE session_id = ?`, sessionID,
	).Scan(&sum.Chunks, &sum.ChunkBytes)
	if err != nil {
		return Summary{}, fmt.Errorf("count chunks: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT partial, COALESCE(LENGTH(video), 0) FROM finals WHERE session_id = ?`, sessionID,
	).Scan(&sum.Partial, &sum.VideoBytes)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Summary{}, fmt.Errorf("scan final: %w", err)
	default:
		sum.HasFinal = true
	}
	return sum, nil
}
