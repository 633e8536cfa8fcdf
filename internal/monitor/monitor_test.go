package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagevault/acquire/internal/engine"
	eventsmem "github.com/pagevault/acquire/internal/events/memory"
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

func TestCollectReportsMemory(t *testing.T) {
	t.Parallel()

	m := New(Config{}, newFakeClock(), nil, nil)
	sample := m.Collect()
	require.NotZero(t, sample.Memory.Used)
	require.False(t, sample.Timestamp.IsZero())
	require.Zero(t, sample.Network.BytesIn)
}

func TestSampleAppendsBoundedHistory(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	m := New(Config{}, clk, nil, nil)
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		clk.Advance(time.Second)
		m.Sample(ctx)
	}

	history := m.History()
	require.Len(t, history, 100)
	// Oldest samples were dropped; history is in chronological order.
	require.True(t, history[0].Timestamp.Before(history[99].Timestamp))
}

func TestAverages(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	m := New(Config{}, clk, nil, nil)

	require.Zero(t, m.Averages().Memory.Used)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		m.Sample(ctx)
	}
	avg := m.Averages()
	require.NotZero(t, avg.Memory.Used)
}

func TestLimitBreachPublishesEvent(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	sink := eventsmem.New()
	m := New(Config{
		Limits: engine.ResourceLimits{MaxMemory: 1}, // any real process exceeds 1 byte
	}, clk, sink, nil)

	sample := m.Sample(context.Background())
	require.Greater(t, sample.Memory.Used, uint64(1))

	events := sink.ByType(engine.EventResourceLimitExceeded)
	require.Len(t, events, 1)
	require.Equal(t, "memory", events[0].Fields["resource"])
}

func TestBreachDoesNotStopSampling(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	m := New(Config{
		Limits: engine.ResourceLimits{MaxMemory: 1},
	}, clk, nil, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
		m.Sample(ctx)
	}
	require.Len(t, m.History(), 3)
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()

	m := New(Config{Interval: 10 * time.Millisecond}, newFakeClock(), nil, nil)

	m.Start()
	m.Start()
	require.True(t, m.Running())

	require.Eventually(t, func() bool {
		return len(m.History()) > 0
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
	require.False(t, m.Running())
}

func TestSetLimits(t *testing.T) {
	t.Parallel()

	m := New(Config{}, newFakeClock(), nil, nil)
	limits := engine.ResourceLimits{MaxMemory: 1 << 30, MaxCPU: 80}
	m.SetLimits(limits)
	require.Equal(t, limits, m.Limits())
}
