package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pagevault/acquire/internal/metrics"
)

// Config holds the orchestrator knobs. UpdateConfig may replace it at any
// time; the new values apply to subsequent crawls.
type Config struct {
	UserAgent         string
	ViewportWidth     int
	ViewportHeight    int
	NavigationTimeout time.Duration
	// CrawlDelay is the politeness pause between BFS steps. A plain delay,
	// not a token bucket.
	CrawlDelay    time.Duration
	RespectRobots bool
	// MaxDepth and MaxPages are the defaults for CrawlURLs when the batch
	// options leave them zero.
	MaxDepth int
	MaxPages int
}

const (
	defaultViewportWidth  = 1366
	defaultViewportHeight = 768
	defaultNavTimeout     = 30 * time.Second
)

func (c *Config) applyDefaults() {
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = defaultViewportWidth
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = defaultViewportHeight
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = defaultNavTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = "acquire-bot/0.1"
	}
}

// Deps bundles the collaborators the orchestrator drives. Browser, Parser,
// Checker, and Cache are required; the rest degrade to no-ops when nil.
type Deps struct {
	Browser  Browser
	Parser   Parser
	Checker  ComplianceChecker
	Cache    ResultCache
	Store    ResultStore
	Blobs    BlobStore
	Hasher   Hasher
	Sessions SessionTracker
	Events   EventSink
	Robots   *RobotsPolicy
	Clock    Clock
	Logger   *zap.Logger
}

// CrawlOptions are the per-call knobs for CrawlURL.
type CrawlOptions struct {
	Depth     int
	SessionID string
}

// BatchOptions control a CrawlURLs traversal.
type BatchOptions struct {
	MaxDepth  int
	MaxPages  int
	SessionID string
	// OnProgress, when set, is invoked after each crawl step with the
	// number of collected results and the remaining frontier size.
	OnProgress func(crawled, queued int)
}

// Stats is a snapshot of orchestrator counters.
type Stats struct {
	PagesCrawled      int `json:"pages_crawled"`
	PagesFailed       int `json:"pages_failed"`
	PagesBlocked      int `json:"pages_blocked"`
	VisitedCount      int `json:"visited_count"`
	RobotsHostsCached int `json:"robots_hosts_cached"`
}

// Orchestrator owns one browser session, a visited set, and a per-host
// robots cache. Visited and robots state live for the orchestrator's
// lifetime only; restarting it resets crawl memory entirely.
//
// The BFS traversal is strictly sequential. The orchestrator is not safely
// reentrant for concurrent CrawlURLs callers without external
// synchronization.
type Orchestrator struct {
	mu      sync.Mutex
	cfg     Config
	visited map[string]struct{}
	stats   Stats

	deps Deps
}

// NewOrchestrator validates required dependencies and builds an
// Orchestrator.
func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Browser == nil {
		return nil, errors.New("browser is required")
	}
	if deps.Parser == nil {
		return nil, errors.New("parser is required")
	}
	if deps.Checker == nil {
		return nil, errors.New("compliance checker is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("result cache is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	cfg.applyDefaults()
	if deps.Robots == nil {
		deps.Robots = NewRobotsPolicy(nil, cfg.UserAgent, deps.Logger)
	}
	o := &Orchestrator{
		cfg:     cfg,
		visited: make(map[string]struct{}),
		deps:    deps,
	}
	o.emit(context.Background(), EventEngineInitialized, map[string]any{
		"user_agent": cfg.UserAgent,
	})
	return o, nil
}

// CrawlURL fetches one page through the full pipeline: cache lookup,
// visited check, robots check, browser navigation, parse, compliance,
// cache store, persistence, session progress, visited mark.
//
// Blocked pages raise a ComplianceBlockedError and leave no trace in the
// cache, store, or visited set.
func (o *Orchestrator) CrawlURL(ctx context.Context, rawURL string, opts CrawlOptions) (CrawlResult, error) {
	cfg := o.config()

	normalized, err := o.deps.Parser.Normalize(rawURL)
	if err != nil {
		return CrawlResult{}, fmt.Errorf("normalize url: %w", err)
	}

	// Cache hit short-circuits everything, including robots and compliance:
	// the cached result already passed both.
	if cached, ok := o.deps.Cache.Get(normalized); ok {
		metrics.ObserveCacheLookup(true)
		o.deps.Logger.Debug("cache hit", zap.String("url", normalized))
		return cached, nil
	}
	metrics.ObserveCacheLookup(false)

	if o.isVisited(normalized) {
		return CrawlResult{}, fmt.Errorf("%s: %w", normalized, ErrAlreadyVisited)
	}

	if cfg.RespectRobots && !o.deps.Robots.Allowed(ctx, normalized) {
		metrics.ObserveCrawl(hostOf(normalized), "robots_disallowed")
		return CrawlResult{}, fmt.Errorf("%s: %w", normalized, ErrRobotsDisallowed)
	}

	result, err := o.fetch(ctx, cfg, normalized)
	if err != nil {
		o.countFailure()
		metrics.ObserveCrawl(hostOf(normalized), "fetch_error")
		return CrawlResult{}, err
	}

	verdict := o.deps.Checker.Check(&result)
	for _, warning := range verdict.Warnings {
		o.deps.Logger.Warn("compliance warning", zap.String("url", normalized), zap.String("warning", warning))
	}
	if verdict.Blocked {
		o.countBlocked()
		metrics.ObserveCrawl(hostOf(normalized), "compliance_blocked")
		o.emit(ctx, EventComplianceBlocked, map[string]any{
			"url":    normalized,
			"reason": verdict.Reason,
		})
		return CrawlResult{}, &ComplianceBlockedError{URL: normalized, Reason: verdict.Reason, Rules: verdict.Rules}
	}
	if verdict.Filtered {
		o.deps.Logger.Info("content redacted by compliance filter", zap.String("url", normalized))
	}

	o.persistBlob(ctx, &result)
	o.deps.Cache.Set(normalized, result)
	o.persistResult(ctx, result, opts.SessionID)

	if o.deps.Sessions != nil && opts.SessionID != "" {
		o.deps.Sessions.IncrementCrawled(opts.SessionID)
	}

	o.markVisited(normalized)
	o.countSuccess()
	metrics.ObserveCrawl(hostOf(normalized), "ok")
	metrics.ObserveCrawlDuration(hostOf(normalized), result.Duration)
	o.emit(ctx, EventURLCrawled, map[string]any{
		"url":         normalized,
		"status_code": result.StatusCode,
		"depth":       opts.Depth,
	})
	return result, nil
}

// fetch opens a page, navigates, and parses. The page is always closed.
func (o *Orchestrator) fetch(ctx context.Context, cfg Config, normalized string) (CrawlResult, error) {
	page, err := o.deps.Browser.NewPage(ctx)
	if err != nil {
		return CrawlResult{}, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			o.deps.Logger.Debug("close page", zap.Error(cerr))
		}
	}()

	if err := page.SetViewport(cfg.ViewportWidth, cfg.ViewportHeight); err != nil {
		return CrawlResult{}, fmt.Errorf("set viewport: %w", err)
	}
	if err := page.SetUserAgent(cfg.UserAgent); err != nil {
		return CrawlResult{}, fmt.Errorf("set user agent: %w", err)
	}

	start := o.deps.Clock.Now()
	resp, err := page.Goto(ctx, normalized, cfg.NavigationTimeout)
	if err != nil {
		return CrawlResult{}, fmt.Errorf("navigate %s: %w", normalized, err)
	}
	duration := o.deps.Clock.Now().Sub(start)

	doc, err := o.deps.Parser.Parse(resp.HTML, normalized)
	if err != nil {
		return CrawlResult{}, fmt.Errorf("parse %s: %w", normalized, err)
	}

	return CrawlResult{
		URL:        normalized,
		Title:      doc.Title,
		Content:    doc.Content,
		HTML:       resp.HTML,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Links:      doc.Links,
		Images:     doc.Images,
		Metadata:   doc.Metadata,
		CrawledAt:  start,
		Duration:   duration,
	}, nil
}

// persistBlob writes the raw HTML content-addressed and records the URI on
// the result. Best effort.
func (o *Orchestrator) persistBlob(ctx context.Context, result *CrawlResult) {
	if o.deps.Blobs == nil || o.deps.Hasher == nil || result.HTML == "" {
		return
	}
	digest, err := o.deps.Hasher.Hash([]byte(result.HTML))
	if err != nil {
		o.deps.Logger.Warn("hash page body failed", zap.Error(err))
		return
	}
	path := fmt.Sprintf("pages/%s/%s.html", hostOf(result.URL), digest)
	uri, err := o.deps.Blobs.PutObject(ctx, path, "text/html; charset=utf-8", []byte(result.HTML))
	if err != nil {
		o.deps.Logger.Warn("store page blob failed", zap.String("url", result.URL), zap.Error(err))
		return
	}
	result.BlobURI = uri
}

// persistResult saves metadata durably. Failures are logged, never fatal:
// the result survives in the cache and return value regardless.
func (o *Orchestrator) persistResult(ctx context.Context, result CrawlResult, sessionID string) {
	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.SaveCrawlResult(ctx, result, sessionID); err != nil {
		o.deps.Logger.Warn("persist crawl result failed", zap.String("url", result.URL), zap.Error(err))
	}
}

type frontierItem struct {
	url   string
	depth int
}

// CrawlURLs runs a breadth-first traversal from startURL, bounded by
// maxDepth and maxPages. One URL is processed at a time; per-URL failures
// are logged and skipped, never fatal to the traversal.
func (o *Orchestrator) CrawlURLs(ctx context.Context, startURL string, opts BatchOptions) ([]CrawlResult, error) {
	cfg := o.config()
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = cfg.MaxDepth
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = cfg.MaxPages
	}

	sessionID := opts.SessionID
	ownsSession := false
	if sessionID == "" && o.deps.Sessions != nil {
		sessionID = o.deps.Sessions.CreateSession(startURL)
		ownsSession = true
	}

	frontier := []frontierItem{{url: startURL, depth: 0}}
	queued := map[string]struct{}{startURL: {}}
	var results []CrawlResult

	for len(frontier) > 0 && len(results) < opts.MaxPages {
		if ctx.Err() != nil {
			return results, fmt.Errorf("traversal canceled: %w", ctx.Err())
		}

		item := frontier[0]
		frontier = frontier[1:]
		if item.depth > opts.MaxDepth {
			continue
		}

		result, err := o.CrawlURL(ctx, item.url, CrawlOptions{Depth: item.depth, SessionID: sessionID})
		if err != nil {
			if errors.Is(err, ErrAlreadyVisited) {
				continue
			}
			o.deps.Logger.Warn("crawl step failed, skipping url",
				zap.String("url", item.url),
				zap.Error(err),
			)
			if o.deps.Sessions != nil && sessionID != "" {
				o.deps.Sessions.IncrementFailed(sessionID)
			}
			continue
		}

		results = append(results, result)
		if opts.OnProgress != nil {
			opts.OnProgress(len(results), len(frontier))
		}
		if len(results) >= opts.MaxPages {
			break
		}

		for _, link := range result.Links {
			resolved, rerr := o.deps.Parser.Resolve(result.URL, link)
			if rerr != nil || !o.deps.Parser.IsValid(resolved) {
				continue
			}
			normalized, nerr := o.deps.Parser.Normalize(resolved)
			if nerr != nil {
				continue
			}
			if _, seen := queued[normalized]; seen || o.isVisited(normalized) {
				continue
			}
			queued[normalized] = struct{}{}
			frontier = append(frontier, frontierItem{url: normalized, depth: item.depth + 1})
		}

		o.pause(ctx, cfg.CrawlDelay)
	}

	if ownsSession {
		o.deps.Sessions.CompleteSession(sessionID)
	}
	return results, nil
}

// CheckRobots reports whether the URL is fetchable under the cached
// per-host robots policy. Fail-open on fetch errors.
func (o *Orchestrator) CheckRobots(ctx context.Context, rawURL string) bool {
	return o.deps.Robots.Allowed(ctx, rawURL)
}

// GetStats returns a snapshot of the orchestrator counters.
func (o *Orchestrator) GetStats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.VisitedCount = len(o.visited)
	s.RobotsHostsCached = o.deps.Robots.HostsCached()
	return s
}

// UpdateConfig replaces the crawl configuration for subsequent calls.
func (o *Orchestrator) UpdateConfig(cfg Config) {
	cfg.applyDefaults()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg
}

// ClearCache drops all cached results. Visited state is untouched.
func (o *Orchestrator) ClearCache() {
	o.deps.Cache.Clear()
}

// Close releases the browser session.
func (o *Orchestrator) Close(ctx context.Context) error {
	if err := o.deps.Browser.Close(ctx); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

func (o *Orchestrator) config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

func (o *Orchestrator) isVisited(url string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.visited[url]
	return ok
}

func (o *Orchestrator) markVisited(url string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.visited[url] = struct{}{}
}

func (o *Orchestrator) countSuccess() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.PagesCrawled++
}

func (o *Orchestrator) countFailure() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.PagesFailed++
}

func (o *Orchestrator) countBlocked() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.PagesBlocked++
}

func (o *Orchestrator) pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (o *Orchestrator) emit(ctx context.Context, typ EventType, fields map[string]any) {
	if o.deps.Events == nil {
		return
	}
	evt := Event{Type: typ, At: o.deps.Clock.Now(), Fields: fields}
	if err := o.deps.Events.Publish(ctx, evt); err != nil {
		o.deps.Logger.Debug("event publish failed", zap.String("type", string(typ)), zap.Error(err))
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
