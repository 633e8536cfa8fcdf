package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
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
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// fakeSite maps URLs to canned pages and link graphs.
type fakeSite struct {
	mu    sync.Mutex
	pages map[string]Document
	fetch map[string]int
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		pages: make(map[string]Document),
		fetch: make(map[string]int),
	}
}

func (s *fakeSite) addPage(url, title string, links ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = Document{
		Title:   title,
		Content: "content of " + title,
		Links:   links,
	}
}

func (s *fakeSite) fetchCount(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetch[url]
}

type fakeBrowser struct {
	site *fakeSite
}

func (b *fakeBrowser) NewPage(_ context.Context) (Page, error) {
	return &fakePage{site: b.site}, nil
}

func (b *fakeBrowser) Close(_ context.Context) error { return nil }

type fakePage struct {
	site *fakeSite
}

func (p *fakePage) SetViewport(_, _ int) error  { return nil }
func (p *fakePage) SetUserAgent(_ string) error { return nil }

func (p *fakePage) Goto(_ context.Context, url string, _ time.Duration) (PageResponse, error) {
	p.site.mu.Lock()
	defer p.site.mu.Unlock()
	p.site.fetch[url]++
	if _, ok := p.site.pages[url]; !ok {
		return PageResponse{}, fmt.Errorf("no route to %s", url)
	}
	return PageResponse{
		FinalURL:   url,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		HTML:       "<html>" + url + "</html>",
	}, nil
}

func (p *fakePage) Close() error { return nil }

// fakeParser resolves documents from the fake site rather than real HTML.
type fakeParser struct {
	site *fakeSite
}

func (p *fakeParser) Normalize(rawURL string) (string, error) {
	if strings.Contains(rawURL, " ") {
		return "", errors.New("invalid url")
	}
	return strings.TrimSuffix(strings.ToLower(rawURL), "/"), nil
}

func (p *fakeParser) IsValid(rawURL string) bool {
	return strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://")
}

func (p *fakeParser) Resolve(_, ref string) (string, error) {
	return ref, nil
}

func (p *fakeParser) Parse(_, baseURL string) (Document, error) {
	p.site.mu.Lock()
	defer p.site.mu.Unlock()
	doc, ok := p.site.pages[baseURL]
	if !ok {
		return Document{}, fmt.Errorf("no document for %s", baseURL)
	}
	return doc, nil
}

type fakeChecker struct {
	blockSubstr string
}

func (c *fakeChecker) Check(result *CrawlResult) ComplianceResult {
	if c.blockSubstr != "" && strings.Contains(result.Content, c.blockSubstr) {
		return ComplianceResult{
			Blocked: true,
			Reason:  "matched " + c.blockSubstr,
			Rules:   []string{"test-block"},
		}
	}
	return ComplianceResult{Allowed: true}
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]CrawlResult
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]CrawlResult)}
}

func (c *mapCache) Get(url string) (CrawlResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[url]
	return r, ok
}

func (c *mapCache) Set(url string, result CrawlResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = result
}

func (c *mapCache) Has(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[url]
	return ok
}

func (c *mapCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]CrawlResult)
}

type recordingStore struct {
	mu   sync.Mutex
	rows []CrawlResult
}

func (s *recordingStore) SaveCrawlResult(_ context.Context, result CrawlResult, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, result)
	return nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type recordingBlobs struct {
	mu    sync.Mutex
	paths []string
}

func (b *recordingBlobs) PutObject(_ context.Context, path string, _ string, _ []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths = append(b.paths, path)
	return "mem://" + path, nil
}

type staticHasher struct{}

func (staticHasher) Hash(_ []byte) (string, error) { return "digest", nil }

type recordingSessions struct {
	mu        sync.Mutex
	created   []string
	crawled   map[string]int
	failed    map[string]int
	completed map[string]bool
}

func newRecordingSessions() *recordingSessions {
	return &recordingSessions{
		crawled:   make(map[string]int),
		failed:    make(map[string]int),
		completed: make(map[string]bool),
	}
}

func (s *recordingSessions) CreateSession(startURL string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("sess-%d", len(s.created)+1)
	s.created = append(s.created, startURL)
	return id
}

func (s *recordingSessions) IncrementCrawled(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crawled[id]++
}

func (s *recordingSessions) IncrementFailed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id]++
}

func (s *recordingSessions) UpdateSession(id string, patch SessionPatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if patch.Crawled != nil {
		s.crawled[id] = *patch.Crawled
	}
	if patch.Failed != nil {
		s.failed[id] = *patch.Failed
	}
}

func (s *recordingSessions) CompleteSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = true
}

func (s *recordingSessions) GetSession(id string) (Session, bool) {
	return Session{ID: id}, true
}

func (s *recordingSessions) ClearOldSessions(_ time.Duration) int { return 0 }

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) byType(t EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testRig struct {
	orch     *Orchestrator
	site     *fakeSite
	cache    *mapCache
	store    *recordingStore
	blobs    *recordingBlobs
	sessions *recordingSessions
	sink     *recordingSink
}

func newTestRig(t *testing.T, cfg Config, checker ComplianceChecker) *testRig {
	t.Helper()
	if checker == nil {
		checker = &fakeChecker{}
	}
	rig := &testRig{
		site:     newFakeSite(),
		cache:    newMapCache(),
		store:    &recordingStore{},
		blobs:    &recordingBlobs{},
		sessions: newRecordingSessions(),
		sink:     &recordingSink{},
	}
	orch, err := NewOrchestrator(cfg, Deps{
		Browser:  &fakeBrowser{site: rig.site},
		Parser:   &fakeParser{site: rig.site},
		Checker:  checker,
		Cache:    rig.cache,
		Store:    rig.store,
		Blobs:    rig.blobs,
		Hasher:   staticHasher{},
		Sessions: rig.sessions,
		Events:   rig.sink,
		Clock:    newFakeClock(),
	})
	require.NoError(t, err)
	rig.orch = orch
	return rig
}

func TestCrawlURLHappyPath(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{RespectRobots: false}, nil)
	rig.site.addPage("https://a.example/page", "Page A")

	result, err := rig.orch.CrawlURL(context.Background(), "https://a.example/page", CrawlOptions{SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "Page A", result.Title)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, "mem://pages/a.example/digest.html", result.BlobURI)
	require.NotZero(t, result.Duration)

	require.True(t, rig.cache.Has("https://a.example/page"))
	require.Equal(t, 1, rig.store.count())
	require.Equal(t, 1, rig.sessions.crawled["s1"])
	require.Len(t, rig.sink.byType(EventURLCrawled), 1)

	stats := rig.orch.GetStats()
	require.Equal(t, 1, stats.PagesCrawled)
	require.Equal(t, 1, stats.VisitedCount)
}

func TestCrawlURLCacheShortCircuits(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{RespectRobots: false}, nil)
	rig.site.addPage("https://a.example/page", "Page A")

	ctx := context.Background()
	first, err := rig.orch.CrawlURL(ctx, "https://a.example/page", CrawlOptions{})
	require.NoError(t, err)

	// The second call returns the cached result without touching the site,
	// even though the URL is in the visited set.
	second, err := rig.orch.CrawlURL(ctx, "https://a.example/page", CrawlOptions{})
	require.NoError(t, err)
	require.Equal(t, first.Title, second.Title)
	require.Equal(t, 1, rig.site.fetchCount("https://a.example/page"))
	require.Equal(t, 1, rig.orch.GetStats().PagesCrawled)
}

func TestCrawlURLVisitedWithoutCache(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{RespectRobots: false}, nil)
	rig.site.addPage("https://a.example/page", "Page A")

	ctx := context.Background()
	_, err := rig.orch.CrawlURL(ctx, "https://a.example/page", CrawlOptions{})
	require.NoError(t, err)

	// Once the cache entry is gone, the visited set still refuses a refetch.
	rig.cache.Clear()
	_, err = rig.orch.CrawlURL(ctx, "https://a.example/page", CrawlOptions{})
	require.ErrorIs(t, err, ErrAlreadyVisited)
}

func TestCrawlURLComplianceBlockLeavesNoTrace(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{RespectRobots: false}, &fakeChecker{blockSubstr: "Blocked"})
	rig.site.addPage("https://a.example/bad", "Blocked Page")

	_, err := rig.orch.CrawlURL(context.Background(), "https://a.example/bad", CrawlOptions{SessionID: "s1"})

	var blocked *ComplianceBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, []string{"test-block"}, blocked.Rules)

	require.False(t, rig.cache.Has("https://a.example/bad"))
	require.Zero(t, rig.store.count())
	require.Zero(t, rig.sessions.crawled["s1"])
	require.Len(t, rig.sink.byType(EventComplianceBlocked), 1)

	stats := rig.orch.GetStats()
	require.Equal(t, 1, stats.PagesBlocked)
	require.Zero(t, stats.VisitedCount)

	// The URL was never marked visited, so it can be retried.
	_, err = rig.orch.CrawlURL(context.Background(), "https://a.example/bad", CrawlOptions{})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAlreadyVisited)
}

func TestCrawlURLRobotsDisallowed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	rig := newTestRig(t, Config{RespectRobots: false}, nil)
	blockedURL := srv.URL + "/private/page"
	rig.site.addPage(blockedURL, "Private")

	// Swap in a live robots policy and enable enforcement.
	rig.orch.deps.Robots = NewRobotsPolicy(srv.Client(), "test-agent", nil)
	rig.orch.UpdateConfig(Config{RespectRobots: true})

	_, err := rig.orch.CrawlURL(context.Background(), blockedURL, CrawlOptions{})
	require.ErrorIs(t, err, ErrRobotsDisallowed)
	require.Zero(t, rig.site.fetchCount(blockedURL))
}

func TestCrawlURLFetchErrorCountsFailure(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{RespectRobots: false}, nil)

	_, err := rig.orch.CrawlURL(context.Background(), "https://a.example/missing", CrawlOptions{})
	require.Error(t, err)
	require.Equal(t, 1, rig.orch.GetStats().PagesFailed)
	require.False(t, rig.cache.Has("https://a.example/missing"))
}

func TestCrawlURLsBreadthFirst(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{RespectRobots: false}, nil)
	rig.site.addPage("https://a.example", "Root",
		"https://a.example/one", "https://a.example/two")
	rig.site.addPage("https://a.example/one", "One", "https://a.example/three")
	rig.site.addPage("https://a.example/two", "Two")
	rig.site.addPage("https://a.example/three", "Three")

	results, err := rig.orch.CrawlURLs(context.Background(), "https://a.example", BatchOptions{
		MaxDepth: 2,
		MaxPages: 10,
	})
	require.NoError(t, err)
	require.Len(t, results, 4)
	// Breadth-first: both depth-1 pages come before the depth-2 page.
	require.Equal(t, "Root", results[0].Title)
	require.Equal(t, "One", results[1].Title)
	require.Equal(t, "Two", results[2].Title)
	require.Equal(t, "Three", results[3].Title)

	// The orchestrator owned the session and completed it.
	require.True(t, rig.sessions.completed["sess-1"])
	require.Equal(t, 4, rig.sessions.crawled["sess-1"])
}

func TestCrawlURLsRespectsMaxPages(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{RespectRobots: false}, nil)
	rig.site.addPage("https://a.example", "Root",
		"https://a.example/one", "https://a.example/two", "https://a.example/three")
	rig.site.addPage("https://a.example/one", "One")
	rig.site.addPage("https://a.example/two", "Two")
	rig.site.addPage("https://a.example/three", "Three")

	results, err := rig.orch.CrawlURLs(context.Background(), "https://a.example", BatchOptions{
		MaxDepth: 3,
		MaxPages: 2,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestCrawlURLsRespectsMaxDepth(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{RespectRobots: false}, nil)
	rig.site.addPage("https://a.example", "Root", "https://a.example/one")
	rig.site.addPage("https://a.example/one", "One", "https://a.example/two")
	rig.site.addPage("https://a.example/two", "Two")

	results, err := rig.orch.CrawlURLs(context.Background(), "https://a.example", BatchOptions{
		MaxDepth: 1,
		MaxPages: 10,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Zero(t, rig.site.fetchCount("https://a.example/two"))
}

func TestCrawlURLsSkipsFailuresAndContinues(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{RespectRobots: false}, nil)
	rig.site.addPage("https://a.example", "Root",
		"https://a.example/broken", "https://a.example/good")
	// broken has no page registered; good does.
	rig.site.addPage("https://a.example/good", "Good")

	results, err := rig.orch.CrawlURLs(context.Background(), "https://a.example", BatchOptions{
		MaxDepth: 1,
		MaxPages: 10,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 1, rig.sessions.failed["sess-1"])
}

func TestCrawlURLsNeverRevisits(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{RespectRobots: false}, nil)
	// Cycle: root <-> one, plus both pages link to themselves.
	rig.site.addPage("https://a.example", "Root",
		"https://a.example/one", "https://a.example")
	rig.site.addPage("https://a.example/one", "One",
		"https://a.example", "https://a.example/one")

	results, err := rig.orch.CrawlURLs(context.Background(), "https://a.example", BatchOptions{
		MaxDepth: 5,
		MaxPages: 10,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 1, rig.site.fetchCount("https://a.example"))
	require.Equal(t, 1, rig.site.fetchCount("https://a.example/one"))
}

func TestCrawlURLsCancellationReturnsPartial(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, Config{RespectRobots: false}, nil)
	rig.site.addPage("https://a.example", "Root", "https://a.example/one")
	rig.site.addPage("https://a.example/one", "One")

	ctx, cancel := context.WithCancel(context.Background())
	results, err := rig.orch.CrawlURLs(ctx, "https://a.example", BatchOptions{
		MaxDepth: 3,
		MaxPages: 10,
		OnProgress: func(crawled, _ int) {
			if crawled == 1 {
				cancel()
			}
		},
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 1)
}

func TestNewOrchestratorRequiresDeps(t *testing.T) {
	t.Parallel()

	site := newFakeSite()
	_, err := NewOrchestrator(Config{}, Deps{
		Parser:  &fakeParser{site: site},
		Checker: &fakeChecker{},
		Cache:   newMapCache(),
		Clock:   newFakeClock(),
	})
	require.Error(t, err)
}
