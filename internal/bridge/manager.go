// Package bridge connects the browser front end to the session core over a
// WebSocket: the page owns devices and speech, the core owns every decision.
package bridge

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/ashureev/interviewd/internal/session"
	"github.com/coder/websocket"
)

// SessionManager tracks live interview connections by session ID.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]*Conn
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]*Conn),
	}
}

// Get returns the live connection of a session.
func (m *SessionManager) Get(sessionID string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[sessionID]
}

// Register adds a connection, closing a stale one for the same session.
func (m *SessionManager) Register(sessionID string, c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.active[sessionID]; exists && existing != c {
		existing.closeSocket(websocket.StatusNormalClosure, "session replaced")
	}

	m.active[sessionID] = c
	slog.Info("Interview session registered", "session_id", sessionID)
}

// Unregister removes a connection if it is still the current one.
func (m *SessionManager) Unregister(sessionID string, c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.active[sessionID]; exists && current == c {
		delete(m.active, sessionID)
		slog.Info("Interview session unregistered", "session_id", sessionID)
	}
}

// Snapshots returns the state of every running interview, ordered by session ID.
func (m *SessionManager) Snapshots() []session.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]session.Snapshot, 0, len(m.active))
	for _, c := range m.active {
		if o := c.orchestrator(); o != nil {
			out = append(out, o.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// CloseAll closes every live connection.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sid, c := range m.active {
		c.closeSocket(websocket.StatusGoingAway, "server shutting down")
		slog.Info("Interview session closed", "session_id", sid)
	}
	m.active = make(map[string]*Conn)
}
