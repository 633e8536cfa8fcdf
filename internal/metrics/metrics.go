// Package metrics exposes Prometheus collectors for the acquisition engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlPagesTotal      *prometheus.CounterVec
	cacheLookupsTotal    *prometheus.CounterVec
	complianceHitsTotal  *prometheus.CounterVec
	sandboxTasksTotal    *prometheus.CounterVec
	sandboxTaskSeconds   prometheus.Histogram
	resourceMemoryBytes  prometheus.Gauge
	resourceCPUPercent   prometheus.Gauge
	crawlDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		crawlPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acquire_pages_total",
				Help: "Total crawl attempts, labeled by site and outcome.",
			},
			[]string{"site", "status"},
		)

		crawlDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "acquire_crawl_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acquire_cache_lookups_total",
				Help: "Result cache lookups, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		complianceHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acquire_compliance_matches_total",
				Help: "Compliance rule matches, labeled by action.",
			},
			[]string{"action"},
		)

		sandboxTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acquire_sandbox_tasks_total",
				Help: "Sandbox task completions, labeled by terminal status.",
			},
			[]string{"status"},
		)

		sandboxTaskSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "acquire_sandbox_task_duration_seconds",
				Help:    "Histogram of sandbox task durations.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		)

		resourceMemoryBytes = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "acquire_process_memory_bytes",
				Help: "Resident memory from the last resource monitor sample.",
			},
		)

		resourceCPUPercent = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "acquire_process_cpu_percent",
				Help: "CPU usage from the last resource monitor sample.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCrawl increments the crawl counter for a site/outcome pair.
func ObserveCrawl(site, status string) {
	if crawlPagesTotal == nil {
		return
	}
	crawlPagesTotal.WithLabelValues(site, status).Inc()
}

// ObserveCrawlDuration records a fetch latency.
func ObserveCrawlDuration(site string, d time.Duration) {
	if crawlDurationSeconds == nil {
		return
	}
	crawlDurationSeconds.WithLabelValues(site).Observe(d.Seconds())
}

// ObserveCacheLookup records a cache hit or miss.
func ObserveCacheLookup(hit bool) {
	if cacheLookupsTotal == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// ObserveComplianceMatch records one rule match by action.
func ObserveComplianceMatch(action string) {
	if complianceHitsTotal == nil {
		return
	}
	complianceHitsTotal.WithLabelValues(action).Inc()
}

// ObserveSandboxTask records a terminal task status and duration.
func ObserveSandboxTask(status string, d time.Duration) {
	if sandboxTasksTotal == nil {
		return
	}
	sandboxTasksTotal.WithLabelValues(status).Inc()
	sandboxTaskSeconds.Observe(d.Seconds())
}

// SetResourceSample updates the resource gauges from a monitor sample.
func SetResourceSample(memoryUsed uint64, cpuPercent float64) {
	if resourceMemoryBytes == nil {
		return
	}
	resourceMemoryBytes.Set(float64(memoryUsed))
	resourceCPUPercent.Set(cpuPercent)
}
