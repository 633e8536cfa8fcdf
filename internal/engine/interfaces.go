package engine

import (
	"context"
	"net/http"
	"time"
)

// Browser is the narrow browser-automation capability the orchestrator
// drives. Implementations live under internal/browser.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close(ctx context.Context) error
}

// Page is one navigable browser page (a tab, or a logical equivalent for
// static fetchers).
type Page interface {
	SetViewport(width, height int) error
	SetUserAgent(ua string) error
	// Goto navigates to the URL and waits for the document, bounded by
	// timeout. The returned response carries final status, headers, and the
	// rendered HTML.
	Goto(ctx context.Context, url string, timeout time.Duration) (PageResponse, error)
	Close() error
}

// PageResponse is what a navigation yields.
type PageResponse struct {
	FinalURL   string
	StatusCode int
	Headers    http.Header
	HTML       string
}

// Parser extracts structure from fetched HTML. Parsing internals are
// deliberately outside the core; internal/parser provides a goquery
// implementation.
type Parser interface {
	Normalize(rawURL string) (string, error)
	IsValid(rawURL string) bool
	Resolve(baseURL, ref string) (string, error)
	Parse(html, baseURL string) (Document, error)
}

// Document is the parsed view of a page.
type Document struct {
	Title    string
	Content  string
	Links    []string
	Images   []string
	Metadata map[string]string
}

// ComplianceChecker evaluates policy rules against a fetched page. The
// checker may redact result.Content in place for filter-action rules.
type ComplianceChecker interface {
	Check(result *CrawlResult) ComplianceResult
}

// ResultCache is the TTL-bounded cache consulted before any fetch.
type ResultCache interface {
	Get(url string) (CrawlResult, bool)
	Set(url string, result CrawlResult)
	Has(url string) bool
	Clear()
}

// Hasher computes content digests for blob addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// ResultStore persists crawl results durably. Persistence is best effort
// from the orchestrator's point of view: failures are logged, not fatal.
type ResultStore interface {
	SaveCrawlResult(ctx context.Context, result CrawlResult, sessionID string) error
}

// BlobStore writes raw artifacts (page HTML) and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// SessionTracker reports traversal progress to an external collaborator.
type SessionTracker interface {
	CreateSession(startURL string) string
	IncrementCrawled(sessionID string)
	IncrementFailed(sessionID string)
	UpdateSession(sessionID string, patch SessionPatch)
	CompleteSession(sessionID string)
	GetSession(sessionID string) (Session, bool)
	ClearOldSessions(maxAge time.Duration) int
}

// EventSink receives fire-and-forget lifecycle events. Errors are advisory;
// the engine logs and moves on.
type EventSink interface {
	Publish(ctx context.Context, evt Event) error
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task/job/session IDs.
type IDGenerator interface {
	NewID() (string, error)
}
