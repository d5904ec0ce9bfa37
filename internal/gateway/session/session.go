// Package session tracks session metadata snapshots: key, model, message
// and turn counts, and last-activity time. It deliberately does not persist
// chat history — the core keeps history in-memory for the connection's
// lifetime only; this package exists so the CLI and the gateway's status
// endpoints can report on sessions across restarts without resurrecting
// full conversational state.
package session

import (
	"sync"
	"time"
)

// Session is a metadata-only snapshot of one connection's session.
type Session struct {
	Key            string    `json:"key"`
	Model          string    `json:"model,omitempty"`
	MessageCount   int       `json:"messageCount"`
	TurnCount      int       `json:"turnCount"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Manager tracks the in-memory snapshots of currently or recently connected sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// GetOrCreate returns an existing snapshot or starts a new one.
func (m *Manager) GetOrCreate(key, model string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[key]; ok {
		return sess
	}
	now := time.Now()
	sess := &Session{Key: key, Model: model, CreatedAt: now, LastActivityAt: now}
	m.sessions[key] = sess
	return sess
}

// Get returns a snapshot by key, if tracked.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[key]
	return sess, ok
}

// Delete removes a tracked snapshot.
func (m *Manager) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
}

// List returns all tracked snapshots.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// Count returns the number of tracked snapshots.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Touch records activity: bumps counters and LastActivityAt.
func (s *Session) Touch(messageCount, turnCount int) {
	s.MessageCount = messageCount
	s.TurnCount = turnCount
	s.LastActivityAt = time.Now()
}

// Reset zeroes a snapshot's counters, e.g. after ClearContext.
func (s *Session) Reset() {
	s.MessageCount = 0
	s.TurnCount = 0
}
