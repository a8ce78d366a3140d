package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Manager is the registry of live viewer sessions, keyed by session id
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewManager creates an empty session registry
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Add registers a session. Registering the same id twice is an error, never a silent replace.
// The session unregisters itself when it closes.
func (m *Manager) Add(s *Session) error {
	m.mu.Lock()
	if _, exists := m.sessions[s.ID()]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID())
	}
	m.sessions[s.ID()] = s
	active := len(m.sessions)
	m.mu.Unlock()

	m.logger.Debug("Session registered",
		slog.String("session_id", s.ID()),
		slog.Int("active_sessions", active),
	)

	s.OnClose(func(closed *Session) {
		m.removeSession(closed)
	})
	return nil
}

// Get retrieves a session by id
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sessions[id]
	return s, exists
}

// Remove unregisters a session and reports whether it was present
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.sessions[id]
	if !exists {
		return false
	}
	return m.removeLocked(s)
}

// removeSession unregisters s only if the id still maps to it
func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[s.ID()] == s {
		m.removeLocked(s)
	}
}

func (m *Manager) removeLocked(s *Session) bool {
	id := s.ID()
	delete(m.sessions, id)

	m.logger.Debug("Session unregistered",
		slog.String("session_id", id),
		slog.String("close_reason", string(s.CloseReason())),
		slog.Int("active_sessions", len(m.sessions)),
	)
	return true
}

// Count returns the number of registered sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns the registered sessions, oldest first
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].startTime.Before(sessions[j].startTime)
	})
	return sessions
}

// Snapshot returns Info for every registered session, oldest first
func (m *Manager) Snapshot() []Info {
	sessions := m.Sessions()
	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Broadcast calls fn for every registered session outside the registry lock
func (m *Manager) Broadcast(fn func(*Session)) {
	for _, s := range m.Sessions() {
		fn(s)
	}
}

// StopAll closes every registered session and clears the registry
func (m *Manager) StopAll() {
	m.logger.Info("Stopping all viewer sessions...")
	start := time.Now()

	sessions := m.Sessions()
	for _, s := range sessions {
		s.Close(CloseStopped)
	}

	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	m.logger.Info("Viewer sessions stopped",
		slog.Int("count", len(sessions)),
		slog.Duration("duration", time.Since(start)),
	)
}
