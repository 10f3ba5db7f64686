package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/interviewd/internal/domain"
	"github.com/ashureev/interviewd/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements ChunkStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the chunk log at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// synchronous(FULL) so an appended chunk survives an abrupt process exit.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS chunks (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		payload BLOB NOT NULL,
		size INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		status TEXT NOT NULL,
		partial INTEGER NOT NULL DEFAULT 0,
		question_index INTEGER NOT NULL DEFAULT 0,
		transcript_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Append durably stores a chunk.
func (s *SQLiteStore) Append(ctx context.Context, chunk domain.MediaChunk) (ChunkHandle, error) {
	if chunk.SessionID == "" {
		return ChunkHandle{}, errors.New("append chunk: empty session id")
	}
	createdAt := chunk.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `INSERT INTO chunks (session_id, seq, payload, size, created_at) VALUES (?, ?, ?, ?, ?)`
	err := shared.RetryOnConflict(ctx, writeRetries, writeBaseDelay, "append chunk", func() error {
		_, err := s.db.ExecContext(ctx, query,
			chunk.SessionID, chunk.SequenceIndex, chunk.Payload, len(chunk.Payload), createdAt.UnixMilli())
		return err
	})
	if err != nil {
		return ChunkHandle{}, fmt.Errorf("append chunk %s/%d: %w", chunk.SessionID, chunk.SequenceIndex, err)
	}

	return ChunkHandle{
		SessionID:     chunk.SessionID,
		SequenceIndex: chunk.SequenceIndex,
		Size:          len(chunk.Payload),
	}, nil
}

// ListAll returns chunks in the order they were appended.
func (s *SQLiteStore) ListAll(ctx context.Context, sessionID string) ([]domain.MediaChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, payload, created_at FROM chunks WHERE session_id = ? ORDER BY rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close chunk rows", "error", closeErr)
		}
	}()

	var chunks []domain.MediaChunk
	for rows.Next() {
		var c domain.MediaChunk
		var createdAt int64
		if err := rows.Scan(&c.SequenceIndex, &c.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		c.SessionID = sessionID
		c.CreatedAt = time.UnixMilli(createdAt)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return chunks, nil
}

// Clear removes all chunks of a session.
func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	err := shared.RetryOnConflict(ctx, writeRetries, writeBaseDelay, "clear chunks", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE session_id = ?`, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("clear chunks for %s: %w", sessionID, err)
	}
	return nil
}

// InterruptedSessions lists sessions with stored chunks, oldest first.
func (s *SQLiteStore) InterruptedSessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), COALESCE(SUM(size), 0), MAX(created_at)
		FROM chunks
		GROUP BY session_id
		ORDER BY MIN(rowid) ASC`)
	if err != nil {
		return nil, fmt.Errorf("query interrupted sessions: %w", err)
	}

	var summaries []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var last int64
		if err := rows.Scan(&sum.SessionID, &sum.ChunkCount, &sum.Bytes, &last); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan interrupted session: %w", err)
		}
		sum.LastChunk = time.UnixMilli(last)
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate interrupted sessions: %w", err)
	}
	if err := rows.Close(); err != nil {
		slog.Warn("Failed to close interrupted session rows", "error", err)
	}

	for i := range summaries {
		sess, err := s.GetSession(ctx, summaries[i].SessionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		summaries[i].Session = sess
	}
	return summaries, nil
}

// SaveSession creates or updates a session record.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *domain.Session) error {
	transcript := session.Transcript
	if transcript == nil {
		transcript = domain.Transcript{}
	}
	transcriptJSON, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
	INSERT INTO sessions (session_id, name, email, status, partial, question_index, transcript_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		status = excluded.status,
		partial = excluded.partial,
		question_index = excluded.question_index,
		transcript_json = excluded.transcript_json,
		updated_at = excluded.updated_at`

	err = shared.RetryOnConflict(ctx, writeRetries, writeBaseDelay, "save session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, session.Candidate.Name, session.Candidate.Email,
			string(session.Status), session.Partial, session.QuestionIndex,
			string(transcriptJSON), session.CreatedAt.UnixMilli(), updatedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

const sessionColumns = `session_id, name, email, status, partial, question_index, transcript_json, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var status, transcriptJSON string
	var createdAt, updatedAt int64

	if err := row.Scan(
		&sess.ID, &sess.Candidate.Name, &sess.Candidate.Email,
		&status, &sess.Partial, &sess.QuestionIndex, &transcriptJSON,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	sess.Status = domain.Status(status)
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	if err := json.Unmarshal([]byte(transcriptJSON), &sess.Transcript); err != nil {
		return nil, fmt.Errorf("decode transcript for %s: %w", sess.ID, err)
	}
	return &sess, nil
}

// GetSession returns a session record.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// SessionsByStatus returns session records in the given status, oldest first.
func (s *SQLiteStore) SessionsByStatus(ctx context.Context, status domain.Status) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query sessions by status: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// MarkInterrupted moves every non-terminal session to Failed. It is called at
// startup, when no session can still be live.
func (s *SQLiteStore) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE status NOT IN (?, ?)`,
		string(domain.StatusFailed), time.Now().UnixMilli(),
		string(domain.StatusCompleted), string(domain.StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("mark interrupted sessions: %w", err)
	}
	return res.RowsAffected()
}

var _ ChunkStore = (*SQLiteStore)(nil)
