package cache

import (
	"fmt"
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

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
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

func TestGetSetRoundTrip(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := New(Config{MaxSize: 10, TTL: time.Hour}, clk, nil)

	_, ok := c.Get("https://a.example/")
	require.False(t, ok)

	c.Set("https://a.example/", engine.CrawlResult{URL: "https://a.example/", Title: "A"})
	got, ok := c.Get("https://a.example/")
	require.True(t, ok)
	require.Equal(t, "A", got.Title)

	stats := c.Stats()
	require.Equal(t, 1, stats.Size)
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := New(Config{MaxSize: 10, TTL: time.Minute}, clk, nil)
	c.Set("u", engine.CrawlResult{URL: "u"})

	clk.Advance(59 * time.Second)
	require.True(t, c.Has("u"))

	clk.Advance(2 * time.Second)
	require.False(t, c.Has("u"))

	// Expiry was counted once; the entry is gone.
	_, ok := c.Get("u")
	require.False(t, ok)
	stats := c.Stats()
	require.Equal(t, 0, stats.Size)
	require.Equal(t, uint64(1), stats.Expirations)
}

func TestCapacityEviction(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := New(Config{MaxSize: 3, TTL: time.Hour}, clk, nil)

	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("u%d", i), engine.CrawlResult{})
		clk.Advance(time.Second)
	}
	require.Equal(t, 3, c.Stats().Size)

	// Inserting a fourth key evicts the oldest (u0).
	c.Set("u3", engine.CrawlResult{})
	stats := c.Stats()
	require.Equal(t, 3, stats.Size)
	require.Equal(t, uint64(1), stats.Evictions)
	require.False(t, c.Has("u0"))
	require.True(t, c.Has("u1"))
	require.True(t, c.Has("u3"))
}

func TestSetExistingKeyDoesNotEvict(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := New(Config{MaxSize: 2, TTL: time.Hour}, clk, nil)
	c.Set("a", engine.CrawlResult{Title: "one"})
	c.Set("b", engine.CrawlResult{})

	c.Set("a", engine.CrawlResult{Title: "two"})
	stats := c.Stats()
	require.Equal(t, 2, stats.Size)
	require.Equal(t, uint64(0), stats.Evictions)

	got, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, "two", got.Title)
}

func TestSetRefreshesTTL(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := New(Config{MaxSize: 10, TTL: time.Minute}, clk, nil)
	c.Set("u", engine.CrawlResult{})

	clk.Advance(50 * time.Second)
	c.Set("u", engine.CrawlResult{})

	clk.Advance(50 * time.Second)
	require.True(t, c.Has("u"))
}

func TestClearKeepsCounters(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := New(Config{MaxSize: 10, TTL: time.Hour}, clk, nil)
	c.Set("u", engine.CrawlResult{})
	_, _ = c.Get("u")

	c.Clear()
	stats := c.Stats()
	require.Equal(t, 0, stats.Size)
	require.Equal(t, uint64(1), stats.Hits)
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := New(Config{MaxSize: 10, TTL: time.Hour}, clk, nil)
	c.Set("u", engine.CrawlResult{Links: []string{"l1"}})

	got, ok := c.Get("u")
	require.True(t, ok)
	got.Links[0] = "mutated"

	again, ok := c.Get("u")
	require.True(t, ok)
	require.Equal(t, "l1", again.Links[0])
}

func TestBackgroundSweep(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := New(Config{MaxSize: 10, TTL: time.Minute, CleanupInterval: 10 * time.Millisecond}, clk, nil)
	defer c.Close()

	c.Set("u", engine.CrawlResult{})
	clk.Advance(2 * time.Minute)

	require.Eventually(t, func() bool {
		return c.Stats().Size == 0
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(1), c.Stats().Expirations)
}
