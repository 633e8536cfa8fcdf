// Package sandbox executes external commands inside per-task working
// directories under wall-clock timeouts, sampling resource usage once a
// second for the lifetime of each task.
//
// Isolation is process-level: a timeout or stop kills the process group,
// but memory/CPU ceilings are advisory (logged and published, never
// enforced). Kernel-namespace sandboxing is out of scope.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pagevault/acquire/internal/engine"
	"github.com/pagevault/acquire/internal/metrics"
	"github.com/pagevault/acquire/internal/monitor"
)

const defaultPollInterval = time.Second

// Config controls the executor.
type Config struct {
	// BaseDir is where per-task working directories are created.
	BaseDir string
	// DefaultTimeout bounds tasks that do not specify their own.
	DefaultTimeout time.Duration
	// IsolateEnv redirects HOME and TMPDIR into the task working directory.
	IsolateEnv bool
	// Limits are advisory ceilings checked against each metrics sample.
	Limits engine.ResourceLimits
	// PollInterval is the metrics sampling cadence per task. Defaults to 1s.
	PollInterval time.Duration
}

// TaskOptions are the per-call knobs for Execute.
type TaskOptions struct {
	Env        map[string]string
	WorkingDir string
	Timeout    time.Duration
}

// Stats aggregates outcomes across all tracked tasks.
type Stats struct {
	Total       int           `json:"total"`
	Running     int           `json:"running"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	TimedOut    int           `json:"timed_out"`
	AvgDuration time.Duration `json:"avg_duration"`
}

type handle struct {
	cmd        *exec.Cmd
	stdout     *bytes.Buffer
	stderr     *bytes.Buffer
	killTimer  *time.Timer
	pollCancel context.CancelFunc
	timedOut   bool
	stopped    bool
}

// Executor spawns and tracks sandbox tasks. Safe for concurrent use.
type Executor struct {
	mu      sync.Mutex
	tasks   map[string]*engine.SandboxTask
	handles map[string]*handle

	cfg     Config
	monitor *monitor.Monitor
	events  engine.EventSink
	ids     engine.IDGenerator
	clock   engine.Clock
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// New builds an Executor backed by the given resource monitor.
func New(cfg Config, mon *monitor.Monitor, events engine.EventSink, ids engine.IDGenerator, clock engine.Clock, logger *zap.Logger) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		tasks:   make(map[string]*engine.SandboxTask),
		handles: make(map[string]*handle),
		cfg:     cfg,
		monitor: mon,
		events:  events,
		ids:     ids,
		clock:   clock,
		logger:  logger,
	}
}

// Execute spawns the command and returns the task ID immediately. The task
// runs until it exits, exceeds its timeout, or is stopped; it is not tied
// to the caller's context.
func (e *Executor) Execute(_ context.Context, command string, args []string, opts TaskOptions) (string, error) {
	id, err := e.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}

	workdir := opts.WorkingDir
	if workdir == "" {
		workdir = filepath.Join(e.cfg.BaseDir, id)
	}
	if err := os.MkdirAll(workdir, 0o750); err != nil {
		return "", fmt.Errorf("create task workdir: %w", err)
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = workdir
	cmd.Env = e.buildEnv(workdir, opts.Env)
	// Own process group so a timeout kill reaches children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	h := &handle{
		cmd:    cmd,
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
	}
	cmd.Stdout = h.stdout
	cmd.Stderr = h.stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("spawn task %s: %w", command, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	task := &engine.SandboxTask{
		ID:         id,
		Command:    command,
		Args:       append([]string(nil), args...),
		Env:        opts.Env,
		WorkingDir: workdir,
		StartedAt:  e.clock.Now(),
		Status:     engine.TaskStatusRunning,
	}

	pollCtx, pollCancel := context.WithCancel(context.Background())
	h.pollCancel = pollCancel

	e.mu.Lock()
	e.tasks[id] = task
	e.handles[id] = h
	// Armed only after the handle is registered, so a timer that fires
	// immediately still finds it.
	h.killTimer = time.AfterFunc(timeout, func() { e.timeoutTask(id) })
	e.mu.Unlock()

	e.wg.Add(2)
	go e.poll(pollCtx, id)
	go e.wait(id)

	e.logger.Info("sandbox task started",
		zap.String("task_id", id),
		zap.String("command", command),
		zap.Duration("timeout", timeout),
	)
	return id, nil
}

func (e *Executor) buildEnv(workdir string, overrides map[string]string) []string {
	env := os.Environ()
	if e.cfg.IsolateEnv {
		env = append(env, "HOME="+workdir, "TMPDIR="+workdir)
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// poll appends one resource sample per interval to the task until it
// reaches a terminal status. Ceiling breaches are logged, not enforced.
func (e *Executor) poll(ctx context.Context, id string) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := e.monitor.Collect()
			e.mu.Lock()
			task, ok := e.tasks[id]
			if !ok || task.Status.Terminal() {
				e.mu.Unlock()
				return
			}
			task.Metrics = append(task.Metrics, sample)
			e.mu.Unlock()
			e.checkCeilings(id, sample)
		}
	}
}

func (e *Executor) checkCeilings(id string, sample engine.ResourceMetrics) {
	limits := e.cfg.Limits
	if limits.MaxMemory > 0 && sample.Memory.Used > limits.MaxMemory {
		e.logger.Warn("task memory ceiling exceeded",
			zap.String("task_id", id),
			zap.Uint64("used", sample.Memory.Used),
			zap.Uint64("limit", limits.MaxMemory),
		)
	}
	if limits.MaxCPU > 0 && sample.CPU.Usage > limits.MaxCPU {
		e.logger.Warn("task cpu ceiling exceeded",
			zap.String("task_id", id),
			zap.Float64("usage", sample.CPU.Usage),
			zap.Float64("limit", limits.MaxCPU),
		)
	}
}

// timeoutTask fires from the kill timer: it flags the task and kills the
// process group. The wait goroutine records the terminal status.
func (e *Executor) timeoutTask(id string) {
	e.mu.Lock()
	h, ok := e.handles[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	h.timedOut = true
	e.mu.Unlock()
	e.killGroup(h.cmd)
	e.logger.Warn("sandbox task timed out", zap.String("task_id", id))
}

func (e *Executor) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid addresses the whole process group.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

// wait blocks on process exit and records the single terminal status.
func (e *Executor) wait(id string) {
	defer e.wg.Done()
	e.mu.Lock()
	h := e.handles[id]
	e.mu.Unlock()

	waitErr := h.cmd.Wait()

	e.mu.Lock()
	h.killTimer.Stop()
	h.pollCancel()
	task := e.tasks[id]
	now := e.clock.Now()
	task.EndedAt = &now
	task.Output = h.stdout.String()
	task.Stderr = h.stderr.String()

	switch {
	case h.timedOut:
		task.Status = engine.TaskStatusTimeout
		task.ErrorText = "task exceeded timeout"
	case h.stopped:
		task.Status = engine.TaskStatusFailed
		task.ErrorText = "stopped by caller"
	case waitErr == nil:
		code := h.cmd.ProcessState.ExitCode()
		task.ExitCode = &code
		task.Status = engine.TaskStatusCompleted
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitCode()
			task.ExitCode = &code
			task.ErrorText = fmt.Sprintf("exit status %d", code)
		} else {
			task.ErrorText = waitErr.Error()
		}
		task.Status = engine.TaskStatusFailed
	}
	status := task.Status
	duration := now.Sub(task.StartedAt)
	delete(e.handles, id)
	e.mu.Unlock()

	e.logger.Info("sandbox task finished",
		zap.String("task_id", id),
		zap.String("status", string(status)),
		zap.Duration("duration", duration),
	)
	metrics.ObserveSandboxTask(string(status), duration)
	e.publishCompletion(id, status, duration)
}

func (e *Executor) publishCompletion(id string, status engine.TaskStatus, duration time.Duration) {
	if e.events == nil {
		return
	}
	evt := engine.Event{
		Type: engine.EventTaskCompleted,
		At:   e.clock.Now(),
		Fields: map[string]any{
			"task_id":     id,
			"status":      string(status),
			"duration_ms": duration.Milliseconds(),
		},
	}
	if err := e.events.Publish(context.Background(), evt); err != nil {
		e.logger.Debug("task completion event publish failed", zap.Error(err))
	}
}

// StopTask kills the task's process group. The task finishes as failed with
// a "stopped by caller" error. Stopping an already finished task is a
// no-op; an unknown ID returns ErrTaskNotFound.
func (e *Executor) StopTask(id string) error {
	e.mu.Lock()
	task, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return engine.ErrTaskNotFound
	}
	if task.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	h := e.handles[id]
	h.stopped = true
	e.mu.Unlock()
	e.killGroup(h.cmd)
	return nil
}

// Task returns a copy of the tracked task.
func (e *Executor) Task(id string) (engine.SandboxTask, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[id]
	if !ok {
		return engine.SandboxTask{}, engine.ErrTaskNotFound
	}
	return copyTask(task), nil
}

// Tasks returns copies of all tracked tasks.
func (e *Executor) Tasks() []engine.SandboxTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.SandboxTask, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, copyTask(t))
	}
	return out
}

// Statistics aggregates counts and the mean duration of finished tasks.
func (e *Executor) Statistics() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	var s Stats
	var total time.Duration
	finished := 0
	for _, t := range e.tasks {
		s.Total++
		switch t.Status {
		case engine.TaskStatusRunning:
			s.Running++
		case engine.TaskStatusCompleted:
			s.Completed++
		case engine.TaskStatusFailed:
			s.Failed++
		case engine.TaskStatusTimeout:
			s.TimedOut++
		}
		if t.EndedAt != nil {
			total += t.EndedAt.Sub(t.StartedAt)
			finished++
		}
	}
	if finished > 0 {
		s.AvgDuration = total / time.Duration(finished)
	}
	return s
}

// Close kills all running tasks and waits for their goroutines, bounded by
// the context.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	for _, h := range e.handles {
		h.stopped = true
	}
	handles := make([]*handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.mu.Unlock()
	for _, h := range handles {
		e.killGroup(h.cmd)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sandbox close wait: %w", ctx.Err())
	}
}

func copyTask(t *engine.SandboxTask) engine.SandboxTask {
	cp := *t
	cp.Args = append([]string(nil), t.Args...)
	cp.Metrics = append([]engine.ResourceMetrics(nil), t.Metrics...)
	return cp
}
