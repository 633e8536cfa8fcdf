// Package engine defines the acquisition core: the crawl orchestrator plus
// the shared domain types and the interfaces it uses to reach external
// capabilities (browser, parser, storage, sessions, events).
package engine

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job. Transitions are
// monotonic: a job never moves backwards.
type JobStatus string

// Job status values.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// CrawlJob is the bookkeeping record for one enqueued URL.
type CrawlJob struct {
	ID          string       `json:"id"`
	URL         string       `json:"url"`
	Depth       int          `json:"depth"`
	Status      JobStatus    `json:"status"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Result      *CrawlResult `json:"result,omitempty"`
	ErrorText   string       `json:"error_text,omitempty"`
}

// CrawlResult is produced for each successfully fetched page. It is
// immutable once returned, with one exception: the compliance filter may
// redact Content in place before the result is cached or persisted.
type CrawlResult struct {
	URL        string            `json:"url"`
	Title      string            `json:"title,omitempty"`
	Content    string            `json:"content,omitempty"`
	HTML       string            `json:"html,omitempty"`
	StatusCode int               `json:"status_code"`
	Headers    http.Header       `json:"headers"`
	Links      []string          `json:"links"`
	Images     []string          `json:"images"`
	Metadata   map[string]string `json:"metadata"`
	BlobURI    string            `json:"blob_uri,omitempty"`
	CrawledAt  time.Time         `json:"crawled_at"`
	Duration   time.Duration     `json:"duration"`
}

// Clone returns a deep copy so cached results cannot be mutated by callers.
func (r CrawlResult) Clone() CrawlResult {
	cp := r
	cp.Headers = r.Headers.Clone()
	cp.Links = append([]string(nil), r.Links...)
	cp.Images = append([]string(nil), r.Images...)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// ComplianceResult is the derived outcome of evaluating the compliance
// rule set against one crawl result. Blocked implies !Allowed. It is never
// persisted as entity state.
type ComplianceResult struct {
	Allowed  bool     `json:"allowed"`
	Filtered bool     `json:"filtered"`
	Blocked  bool     `json:"blocked"`
	Warnings []string `json:"warnings,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Rules    []string `json:"rules,omitempty"`
}

// ResourceMetrics is a point sample of process resource usage.
type ResourceMetrics struct {
	Timestamp time.Time      `json:"timestamp"`
	CPU       CPUMetrics     `json:"cpu"`
	Memory    MemoryMetrics  `json:"memory"`
	Network   NetworkMetrics `json:"network"`
}

// CPUMetrics carries CPU usage as a percentage of one core.
type CPUMetrics struct {
	Usage float64 `json:"usage"`
}

// MemoryMetrics carries byte counts plus a derived percentage.
type MemoryMetrics struct {
	Used       uint64  `json:"used"`
	Free       uint64  `json:"free"`
	Total      uint64  `json:"total"`
	Percentage float64 `json:"percentage"`
}

// NetworkMetrics is a stub interface point: no real network accounting is
// implemented and all counters report zero.
type NetworkMetrics struct {
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
	Requests int64 `json:"requests"`
}

// ResourceLimits are advisory ceilings applied on every sample. Zero means
// unlimited.
type ResourceLimits struct {
	MaxMemory  uint64  `json:"max_memory"`
	MaxCPU     float64 `json:"max_cpu"`
	MaxNetwork int64   `json:"max_network"`
}

// TaskStatus is the lifecycle state of a sandbox task. Once a task reaches
// completed, failed, or timeout it never changes again.
type TaskStatus string

// Sandbox task status values.
const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusTimeout   TaskStatus = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout:
		return true
	default:
		return false
	}
}

// SandboxTask records one externally spawned, resource-monitored, and
// timeout-bounded process execution.
type SandboxTask struct {
	ID         string            `json:"id"`
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
	Status     TaskStatus        `json:"status"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	Output     string            `json:"output,omitempty"`
	Stderr     string            `json:"stderr,omitempty"`
	ErrorText  string            `json:"error_text,omitempty"`
	Metrics    []ResourceMetrics `json:"metrics"`
}

// Session tracks progress of one crawl traversal for external observers.
type Session struct {
	ID        string     `json:"id"`
	StartURL  string     `json:"start_url"`
	Crawled   int        `json:"crawled"`
	Failed    int        `json:"failed"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Completed bool       `json:"completed"`
}

// SessionPatch selectively overwrites session fields. Nil fields are left
// untouched.
type SessionPatch struct {
	StartURL *string
	Crawled  *int
	Failed   *int
}

// EventType labels lifecycle events published to the event sink.
type EventType string

// Event types emitted by the engine.
const (
	EventEngineInitialized     EventType = "engine_initialized"
	EventURLCrawled            EventType = "url_crawled"
	EventResourceLimitExceeded EventType = "resource_limit_exceeded"
	EventComplianceBlocked     EventType = "compliance_blocked"
	EventTaskCompleted         EventType = "task_completed"
)

// Event is a fire-and-forget lifecycle notification. Delivery is best
// effort: consumers must tolerate loss and the engine never blocks on it.
type Event struct {
	Type   EventType      `json:"type"`
	At     time.Time      `json:"at"`
	Fields map[string]any `json:"fields,omitempty"`
}
