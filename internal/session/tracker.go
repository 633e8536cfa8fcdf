// Package session tracks crawl traversal progress in memory.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pagevault/acquire/internal/engine"
)

// Tracker keeps sessions keyed by ID. Implements engine.SessionTracker.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]engine.Session

	clock  engine.Clock
	ids    engine.IDGenerator
	logger *zap.Logger
}

// New constructs a Tracker.
func New(clock engine.Clock, ids engine.IDGenerator, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		sessions: make(map[string]engine.Session),
		clock:    clock,
		ids:      ids,
		logger:   logger,
	}
}

// CreateSession registers a new session and returns its ID.
func (t *Tracker) CreateSession(startURL string) string {
	id, err := t.ids.NewID()
	if err != nil {
		// Clock-based fallback keeps the crawl going if entropy runs dry.
		t.logger.Warn("session id generation failed", zap.Error(err))
		id = t.clock.Now().Format("20060102T150405.000000000")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[id] = engine.Session{
		ID:        id,
		StartURL:  startURL,
		StartedAt: t.clock.Now(),
	}
	return id
}

// IncrementCrawled bumps the success counter. Unknown IDs are ignored.
func (t *Tracker) IncrementCrawled(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	s.Crawled++
	t.sessions[sessionID] = s
}

// IncrementFailed bumps the failure counter. Unknown IDs are ignored.
func (t *Tracker) IncrementFailed(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	s.Failed++
	t.sessions[sessionID] = s
}

// UpdateSession applies the non-nil patch fields. Unknown IDs are ignored.
func (t *Tracker) UpdateSession(sessionID string, patch engine.SessionPatch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	if patch.StartURL != nil {
		s.StartURL = *patch.StartURL
	}
	if patch.Crawled != nil {
		s.Crawled = *patch.Crawled
	}
	if patch.Failed != nil {
		s.Failed = *patch.Failed
	}
	t.sessions[sessionID] = s
}

// CompleteSession marks a session finished. Idempotent.
func (t *Tracker) CompleteSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok || s.Completed {
		return
	}
	now := t.clock.Now()
	s.Completed = true
	s.EndedAt = &now
	t.sessions[sessionID] = s
}

// GetSession returns a session snapshot.
func (t *Tracker) GetSession(sessionID string) (engine.Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[sessionID]
	return s, ok
}

// Sessions returns snapshots of all known sessions.
func (t *Tracker) Sessions() []engine.Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]engine.Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// ClearOldSessions drops completed sessions that ended more than maxAge ago
// and returns how many were removed.
func (t *Tracker) ClearOldSessions(maxAge time.Duration) int {
	cutoff := t.clock.Now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, s := range t.sessions {
		if s.Completed && s.EndedAt != nil && s.EndedAt.Before(cutoff) {
			delete(t.sessions, id)
			removed++
		}
	}
	return removed
}
