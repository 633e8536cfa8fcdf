// Package chromedp fetches pages with headless Chrome, for sites that only
// render their content through JavaScript.
package chromedp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pagevault/acquire/internal/engine"
)

// Config tunes the shared browser process.
type Config struct {
	Headless  bool
	UserAgent string
	// DomainQPS caps navigations per second per host. Zero disables the
	// limiter.
	DomainQPS float64
}

// Browser owns one Chrome process; pages are tabs on it. Implements
// engine.Browser.
type Browser struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger

	domainQPS      float64
	domainLimiters sync.Map
	userAgent      string
}

// New launches the browser process and warms it up.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocatorCancel()
		browserCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return &Browser{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger,
		domainQPS:       cfg.DomainQPS,
		userAgent:       cfg.UserAgent,
	}, nil
}

// NewPage opens a fresh tab.
func (b *Browser) NewPage(_ context.Context) (engine.Page, error) {
	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	return &page{
		browser:   b,
		tabCtx:    tabCtx,
		cancelTab: cancelTab,
		userAgent: b.userAgent,
	}, nil
}

// Close tears down the browser process.
func (b *Browser) Close(_ context.Context) error {
	b.browserCancel()
	b.allocatorCancel()
	return nil
}

func (b *Browser) waitDomainBudget(ctx context.Context, rawURL string) error {
	if b.domainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse page url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := b.domainLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(b.domainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	return nil
}

type page struct {
	browser   *Browser
	tabCtx    context.Context
	cancelTab context.CancelFunc

	width     int
	height    int
	userAgent string
}

func (p *page) SetViewport(width, height int) error {
	p.width = width
	p.height = height
	return nil
}

func (p *page) SetUserAgent(ua string) error {
	p.userAgent = ua
	return nil
}

// Goto navigates the tab and snapshots the DOM once the body is ready. The
// first document response seen on the tab supplies status and headers.
func (p *page) Goto(ctx context.Context, rawURL string, timeout time.Duration) (engine.PageResponse, error) {
	if err := p.browser.waitDomainBudget(ctx, rawURL); err != nil {
		return engine.PageResponse{}, fmt.Errorf("navigation rate limit: %w", err)
	}

	taskCtx, cancelTask := context.WithTimeout(p.tabCtx, timeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	meta := newResponseMeta()
	p.recordResponse(meta)

	var html string
	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(p.userAgent),
		chromedp.EmulateViewport(int64(p.width), int64(p.height)),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return engine.PageResponse{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, headers, finalURL := meta.snapshot(rawURL)
	return engine.PageResponse{
		FinalURL:   finalURL,
		StatusCode: status,
		Headers:    headers,
		HTML:       html,
	}, nil
}

func (p *page) Close() error {
	p.cancelTab()
	return nil
}

// responseMeta collects the first document response seen on the tab. The
// mutex covers both the listener goroutine writing and Goto reading after
// chromedp.Run returns.
type responseMeta struct {
	mu         sync.Mutex
	recorded   bool
	statusCode int
	headers    http.Header
	url        string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: make(http.Header)}
}

// record keeps the first response only; later calls are dropped.
func (m *responseMeta) record(status int, pageURL string, headers map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recorded {
		return
	}
	m.recorded = true
	m.statusCode = status
	m.url = pageURL
	for k, v := range headers {
		m.headers.Add(k, fmt.Sprint(v))
	}
}

// snapshot returns the recorded fields, falling back to raw when no
// document response was observed.
func (m *responseMeta) snapshot(raw string) (int, http.Header, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.url
	if u == "" {
		u = raw
	}
	return m.statusCode, m.headers, u
}

func (p *page) recordResponse(meta *responseMeta) {
	chromedp.ListenTarget(p.tabCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		meta.record(int(resp.Response.Status), resp.Response.URL, resp.Response.Headers)
	})
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
