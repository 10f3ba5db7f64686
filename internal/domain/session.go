// Package domain contains core domain types for the interview session core.
package domain

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of an interview session.
type Status string

const (
	StatusCreated       Status = "created"
	StatusRecording     Status = "recording"
	StatusPausedOffline Status = "paused_offline"
	StatusFinalizing    Status = "finalizing"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// IsTerminal returns true for Completed and Failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusRecording, StatusPausedOffline,
		StatusFinalizing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Candidate is the identity supplied by the intake form.
type Candidate struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Session identifies one interview attempt.
type Session struct {
	ID            string     `json:"session_id"`
	Candidate     Candidate  `json:"candidate"`
	Status        Status     `json:"status"`
	Partial       bool       `json:"partial"`
	QuestionIndex int        `json:"question_index"`
	Transcript    Transcript `json:"transcript"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NewSessionID derives the session ID from the candidate name and creation time.
func NewSessionID(name string, createdAt time.Time) string {
	id := strings.TrimSpace(name) + "_" + strconv.FormatInt(createdAt.UnixMilli(), 10)
	return whitespaceRun.ReplaceAllString(id, "_")
}

// NewSession creates a session in the Created state.
func NewSession(c Candidate, now time.Time) *Session {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.TrimSpace(c.Email)
	return &Session{
		ID:        NewSessionID(c.Name, now),
		Candidate: c,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Transcript = s.Transcript.Clone()
	return &cp
}
