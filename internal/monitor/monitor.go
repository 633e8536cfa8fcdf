// Package monitor samples process-level CPU and memory usage on a fixed
// interval, retains a bounded rolling history, and raises advisory
// limit-breach notifications.
package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/pagevault/acquire/internal/engine"
	"github.com/pagevault/acquire/internal/metrics"
)

// maxHistory caps the retained sample history; the oldest sample is dropped
// first.
const maxHistory = 100

const defaultInterval = 5 * time.Second

// Config controls sampling.
type Config struct {
	// Interval between samples while monitoring is running. Defaults to 5s.
	Interval time.Duration
	// Limits are the advisory ceilings checked on every sample.
	Limits engine.ResourceLimits
}

// Monitor owns the sampling loop and history. Safe for concurrent use; the
// sampler goroutine and external Collect callers share the same mutex.
type Monitor struct {
	mu      sync.Mutex
	history []engine.ResourceMetrics
	limits  engine.ResourceLimits

	interval time.Duration
	clock    engine.Clock
	events   engine.EventSink
	logger   *zap.Logger

	proc    procfs.Proc
	fs      procfs.FS
	procOK  bool
	memOK   bool
	lastCPU float64
	lastAt  time.Time

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Monitor. On platforms without procfs it degrades to
// runtime.MemStats for the used-memory figure and reports zero CPU.
func New(cfg Config, clock engine.Clock, events engine.EventSink, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		limits:   cfg.Limits,
		interval: cfg.Interval,
		clock:    clock,
		events:   events,
		logger:   logger,
	}
	if proc, err := procfs.Self(); err == nil {
		m.proc = proc
		m.procOK = true
	} else {
		logger.Warn("procfs unavailable, cpu usage will report zero", zap.Error(err))
	}
	if fs, err := procfs.NewDefaultFS(); err == nil {
		m.fs = fs
		m.memOK = true
	}
	return m
}

// Start begins the periodic sampler. Calling Start while running is a
// no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	go m.loop(ctx)
}

// Stop halts the sampler and waits for it to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	cancel()
	<-done
}

// Running reports whether the sampler loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample collects one point, appends it to the bounded history, and checks
// limits. Breaches are reported, never raised; sampling continues.
func (m *Monitor) Sample(ctx context.Context) engine.ResourceMetrics {
	sample := m.Collect()
	m.mu.Lock()
	m.history = append(m.history, sample)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	limits := m.limits
	m.mu.Unlock()
	metrics.SetResourceSample(sample.Memory.Used, sample.CPU.Usage)
	m.checkLimits(ctx, sample, limits)
	return sample
}

// Collect reads current process memory and CPU and returns a point sample
// without recording it. Network counters are always zero: no real network
// accounting is implemented.
func (m *Monitor) Collect() engine.ResourceMetrics {
	now := m.clock.Now()
	sample := engine.ResourceMetrics{Timestamp: now}

	if m.procOK {
		if stat, err := m.proc.Stat(); err == nil {
			sample.Memory.Used = uint64(stat.ResidentMemory())
			cpuTime := stat.CPUTime()
			m.mu.Lock()
			if !m.lastAt.IsZero() {
				wall := now.Sub(m.lastAt).Seconds()
				if wall > 0 && cpuTime >= m.lastCPU {
					sample.CPU.Usage = (cpuTime - m.lastCPU) / wall * 100
				}
			}
			m.lastCPU = cpuTime
			m.lastAt = now
			m.mu.Unlock()
		}
	}
	if sample.Memory.Used == 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		sample.Memory.Used = ms.Sys
	}
	if m.memOK {
		if info, err := m.fs.Meminfo(); err == nil {
			if info.MemTotal != nil {
				sample.Memory.Total = *info.MemTotal * 1024
			}
			if info.MemAvailable != nil {
				sample.Memory.Free = *info.MemAvailable * 1024
			}
		}
	}
	if sample.Memory.Total > 0 {
		sample.Memory.Percentage = float64(sample.Memory.Used) / float64(sample.Memory.Total) * 100
	}
	return sample
}

func (m *Monitor) checkLimits(ctx context.Context, sample engine.ResourceMetrics, limits engine.ResourceLimits) {
	breached := ""
	switch {
	case limits.MaxMemory > 0 && sample.Memory.Used > limits.MaxMemory:
		breached = "memory"
	case limits.MaxCPU > 0 && sample.CPU.Usage > limits.MaxCPU:
		breached = "cpu"
	}
	if breached == "" {
		return
	}
	m.logger.Warn("resource limit exceeded",
		zap.String("resource", breached),
		zap.Uint64("memory_used", sample.Memory.Used),
		zap.Float64("cpu_usage", sample.CPU.Usage),
	)
	if m.events == nil {
		return
	}
	evt := engine.Event{
		Type: engine.EventResourceLimitExceeded,
		At:   sample.Timestamp,
		Fields: map[string]any{
			"resource":    breached,
			"memory_used": sample.Memory.Used,
			"cpu_usage":   sample.CPU.Usage,
		},
	}
	if err := m.events.Publish(ctx, evt); err != nil {
		m.logger.Debug("limit breach event publish failed", zap.Error(err))
	}
}

// History returns a copy of the retained samples, oldest first.
func (m *Monitor) History() []engine.ResourceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]engine.ResourceMetrics, len(m.history))
	copy(out, m.history)
	return out
}

// Averages computes arithmetic means over the retained history.
func (m *Monitor) Averages() engine.ResourceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	avg := engine.ResourceMetrics{Timestamp: m.clock.Now()}
	if len(m.history) == 0 {
		return avg
	}
	var cpu, pct float64
	var used, free, total uint64
	for _, s := range m.history {
		cpu += s.CPU.Usage
		pct += s.Memory.Percentage
		used += s.Memory.Used
		free += s.Memory.Free
		total += s.Memory.Total
	}
	n := uint64(len(m.history))
	avg.CPU.Usage = cpu / float64(n)
	avg.Memory.Percentage = pct / float64(n)
	avg.Memory.Used = used / n
	avg.Memory.Free = free / n
	avg.Memory.Total = total / n
	return avg
}

// SetLimits replaces the advisory ceilings; they apply from the next sample
// onward.
func (m *Monitor) SetLimits(limits engine.ResourceLimits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = limits
}

// Limits returns the current ceilings.
func (m *Monitor) Limits() engine.ResourceLimits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}
