package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagevault/acquire/internal/engine"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeIDs struct {
	mu sync.Mutex
	n  int
}

func (g *fakeIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return string(rune('a'-1+g.n)) + "-session", nil
}

func newTestTracker() (*Tracker, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	return New(clk, &fakeIDs{}, nil), clk
}

func TestTrackerLifecycle(t *testing.T) {
	t.Parallel()

	tr, clk := newTestTracker()
	id := tr.CreateSession("https://example.com/")
	require.NotEmpty(t, id)

	tr.IncrementCrawled(id)
	tr.IncrementCrawled(id)
	tr.IncrementFailed(id)

	s, ok := tr.GetSession(id)
	require.True(t, ok)
	require.Equal(t, "https://example.com/", s.StartURL)
	require.Equal(t, 2, s.Crawled)
	require.Equal(t, 1, s.Failed)
	require.False(t, s.Completed)

	clk.Advance(time.Minute)
	tr.CompleteSession(id)
	s, ok = tr.GetSession(id)
	require.True(t, ok)
	require.True(t, s.Completed)
	require.NotNil(t, s.EndedAt)
	require.Equal(t, clk.Now(), *s.EndedAt)

	// Completion is idempotent.
	ended := *s.EndedAt
	clk.Advance(time.Minute)
	tr.CompleteSession(id)
	s, _ = tr.GetSession(id)
	require.Equal(t, ended, *s.EndedAt)
}

func TestUpdateSession(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker()
	id := tr.CreateSession("https://example.com/")
	tr.IncrementCrawled(id)

	crawled := 10
	startURL := "https://moved.example/"
	tr.UpdateSession(id, engine.SessionPatch{Crawled: &crawled, StartURL: &startURL})

	s, ok := tr.GetSession(id)
	require.True(t, ok)
	require.Equal(t, 10, s.Crawled)
	require.Equal(t, "https://moved.example/", s.StartURL)
	// Fields left nil in the patch are untouched.
	require.Equal(t, 0, s.Failed)

	failed := 3
	tr.UpdateSession(id, engine.SessionPatch{Failed: &failed})
	s, _ = tr.GetSession(id)
	require.Equal(t, 3, s.Failed)
	require.Equal(t, 10, s.Crawled)
}

func TestTrackerIgnoresUnknownIDs(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker()
	tr.IncrementCrawled("nope")
	tr.IncrementFailed("nope")
	crawled := 5
	tr.UpdateSession("nope", engine.SessionPatch{Crawled: &crawled})
	tr.CompleteSession("nope")

	_, ok := tr.GetSession("nope")
	require.False(t, ok)
}

func TestClearOldSessions(t *testing.T) {
	t.Parallel()

	tr, clk := newTestTracker()
	old := tr.CreateSession("https://old.example/")
	tr.CompleteSession(old)

	clk.Advance(2 * time.Hour)
	fresh := tr.CreateSession("https://fresh.example/")
	tr.CompleteSession(fresh)
	open := tr.CreateSession("https://open.example/")

	removed := tr.ClearOldSessions(time.Hour)
	require.Equal(t, 1, removed)

	_, ok := tr.GetSession(old)
	require.False(t, ok)
	_, ok = tr.GetSession(fresh)
	require.True(t, ok)
	_, ok = tr.GetSession(open)
	require.True(t, ok)
	require.Len(t, tr.Sessions(), 2)
}
