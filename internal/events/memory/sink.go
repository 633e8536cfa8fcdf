// Package memory contains an in-memory event sink for tests and single-node
// runs.
package memory

import (
	"context"
	"sync"

	"github.com/pagevault/acquire/internal/engine"
)

// Sink stores published events for inspection. Implements engine.EventSink.
type Sink struct {
	mu     sync.RWMutex
	events []engine.Event
}

// New returns a memory Sink.
func New() *Sink {
	return &Sink{}
}

// Publish records the event.
func (s *Sink) Publish(_ context.Context, evt engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

// Events returns the recorded events.
func (s *Sink) Events() []engine.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]engine.Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns recorded events of one type.
func (s *Sink) ByType(t engine.EventType) []engine.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.Event
	for _, evt := range s.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}
