// Package memory provides an in-memory crawl result store for
// development/testing.
package memory

import (
	"context"
	"sync"

	"github.com/pagevault/acquire/internal/engine"
)

// Store keeps results grouped by session. Implements engine.ResultStore.
type Store struct {
	mu      sync.RWMutex
	results map[string][]engine.CrawlResult
}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{
		results: make(map[string][]engine.CrawlResult),
	}
}

// SaveCrawlResult appends a result row for a session.
func (s *Store) SaveCrawlResult(_ context.Context, result engine.CrawlResult, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[sessionID] = append(s.results[sessionID], result.Clone())
	return nil
}

// Results returns copies of the rows saved for a session.
func (s *Store) Results(sessionID string) []engine.CrawlResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.results[sessionID]
	out := make([]engine.CrawlResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Clone())
	}
	return out
}

// Count reports the total rows saved across all sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rows := range s.results {
		n += len(rows)
	}
	return n
}
