// Package session tracks live sessions of the verb engine.
//
// A Session carries the state that exists only while a caller keeps
// talking to the engine: its conversation history (token-bounded, with
// summarising compaction) and its last-access time. The Registry hands
// out sessions by ID and evicts them after a TTL of inactivity,
// notifying the subsystems that cache per-session state.
//
// All exported types are safe for concurrent use.
package session

import (
	"sync"
	"time"
)

// Session is one caller's live state.
type Session struct {
	id      string
	history *History
	created time.Time

	// verbMu serializes verb execution within the session, so concurrent
	// calls with the same session ID never interleave their effects.
	verbMu sync.Mutex

	mu         sync.Mutex
	lastAccess time.Time
}

func newSession(id string, history *History) *Session {
	now := time.Now()
	return &Session{
		id:         id,
		history:    history,
		created:    now,
		lastAccess: now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// History returns the session's conversation history.
func (s *Session) History() *History { return s.history }

// Created returns when the session was first seen.
func (s *Session) Created() time.Time { return s.created }

// Touch marks the session as just used.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// LastAccess returns when the session was last used.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// Serialize runs fn while holding the session's writer lock. Verbs within
// one session execute one at a time; different sessions run concurrently.
func (s *Session) Serialize(fn func() error) error {
	s.verbMu.Lock()
	defer s.verbMu.Unlock()
	return fn()
}
