package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	blobmem "github.com/pagevault/acquire/internal/blob/memory"
	"github.com/pagevault/acquire/internal/cache"
	"github.com/pagevault/acquire/internal/clock/system"
	"github.com/pagevault/acquire/internal/compliance"
	"github.com/pagevault/acquire/internal/config"
	"github.com/pagevault/acquire/internal/engine"
	eventsmem "github.com/pagevault/acquire/internal/events/memory"
	"github.com/pagevault/acquire/internal/hash/sha256"
	"github.com/pagevault/acquire/internal/id/uuid"
	"github.com/pagevault/acquire/internal/monitor"
	"github.com/pagevault/acquire/internal/parser"
	"github.com/pagevault/acquire/internal/sandbox"
	"github.com/pagevault/acquire/internal/session"
	storemem "github.com/pagevault/acquire/internal/store/memory"
)

type stubBrowser struct {
	html string
}

func (b *stubBrowser) NewPage(_ context.Context) (engine.Page, error) {
	return &stubPage{html: b.html}, nil
}

func (b *stubBrowser) Close(_ context.Context) error { return nil }

type stubPage struct {
	html string
}

func (p *stubPage) SetViewport(_, _ int) error  { return nil }
func (p *stubPage) SetUserAgent(_ string) error { return nil }

func (p *stubPage) Goto(_ context.Context, url string, _ time.Duration) (engine.PageResponse, error) {
	return engine.PageResponse{
		FinalURL:   url,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		HTML:       p.html,
	}, nil
}

func (p *stubPage) Close() error { return nil }

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()

	clk := system.New()
	ids := uuid.NewUUIDGenerator()
	tracker := session.New(clk, ids, nil)
	events := eventsmem.New()
	resultCache := cache.New(cache.Config{MaxSize: 100, TTL: time.Hour}, clk, nil)
	t.Cleanup(resultCache.Close)

	orch, err := engine.NewOrchestrator(engine.Config{
		UserAgent:     "test-agent",
		RespectRobots: false,
	}, engine.Deps{
		Browser:  &stubBrowser{html: "<html><head><title>stub</title></head><body>content</body></html>"},
		Parser:   parser.New(),
		Checker:  compliance.New(nil),
		Cache:    resultCache,
		Store:    storemem.NewStore(),
		Blobs:    blobmem.NewBlobStore(),
		Hasher:   sha256.New(),
		Sessions: tracker,
		Events:   events,
		Clock:    clk,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)

	mon := monitor.New(monitor.Config{Interval: time.Hour}, clk, events, nil)
	exec := sandbox.New(sandbox.Config{
		BaseDir:        t.TempDir(),
		DefaultTimeout: 10 * time.Second,
	}, mon, events, ids, clk, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exec.Close(ctx)
	})

	return NewServer(orch, exec, mon, tracker, resultCache, cfg, zap.NewNop())
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, config.Config{})
	rec := doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCrawlOne(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, config.Config{})
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/crawls", map[string]string{
		"url": "https://example.com/page",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Result engine.CrawlResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "stub", payload.Result.Title)
	require.Equal(t, http.StatusOK, payload.Result.StatusCode)
}

func TestCrawlOneRejectsMissingURL(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, config.Config{})
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/crawls", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCrawlOneRepeatConflicts(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, config.Config{})
	body := map[string]string{"url": "https://repeat.example/"}

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/crawls", body)
	require.Equal(t, http.StatusOK, rec.Code)

	// Second call hits the cache, not the visited set, and succeeds.
	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/crawls", body)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStats(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, config.Config{})
	doJSON(t, s.Handler(), http.MethodPost, "/v1/crawls", map[string]string{"url": "https://example.com/"})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Crawler engine.Stats `json:"crawler"`
		Cache   cache.Stats  `json:"cache"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, 1, payload.Crawler.PagesCrawled)
	require.Equal(t, 1, payload.Cache.Size)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, config.Config{})
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/tasks", map[string]any{
		"command": "/bin/sh",
		"args":    []string{"-c", "echo hello"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.TaskID)

	deadline := time.Now().Add(5 * time.Second)
	var task engine.SandboxTask
	for {
		rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/tasks/"+accepted.TaskID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var payload struct {
			Task engine.SandboxTask `json:"task"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
		task = payload.Task
		if task.Status.Terminal() || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.Equal(t, engine.TaskStatusCompleted, task.Status)
	require.Contains(t, task.Output, "hello")
}

func TestTaskNotFound(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, config.Config{})
	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/tasks/unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/tasks/unknown/stop", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, config.Config{
		Auth: config.AuthConfig{Enabled: true, APIKey: "secret"},
	})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	ok := httptest.NewRecorder()
	s.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)
}
