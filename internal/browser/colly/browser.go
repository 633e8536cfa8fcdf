// Package colly fetches pages over plain HTTP with the Colly collector. It
// is the default fetcher; sites that need JavaScript use the chromedp
// implementation instead.
package colly

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/pagevault/acquire/internal/engine"
)

// Config tunes the shared collector.
type Config struct {
	UserAgent string
	// DomainDelay spaces requests to the same host. Zero disables the rule.
	DomainDelay time.Duration
}

// Browser wraps a base collector; pages are clones of it. Implements
// engine.Browser.
type Browser struct {
	base   *colly.Collector
	logger *zap.Logger
}

// New builds the base collector.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := colly.NewCollector(colly.UserAgent(cfg.UserAgent))
	// The engine caches and dedups; the collector must not second-guess it.
	base.AllowURLRevisit = true
	// Non-2xx pages still carry content worth parsing.
	base.ParseHTTPErrorResponse = true
	base.WithTransport(&http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        128,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	})
	if cfg.DomainDelay > 0 {
		if err := base.Limit(&colly.LimitRule{
			DomainGlob:  "*",
			Parallelism: 1,
			Delay:       cfg.DomainDelay,
		}); err != nil {
			return nil, err
		}
	}
	return &Browser{base: base, logger: logger}, nil
}

// NewPage returns a page backed by a clone of the base collector.
func (b *Browser) NewPage(_ context.Context) (engine.Page, error) {
	return &page{collector: b.base.Clone()}, nil
}

// Close is a no-op; collectors hold no long-lived resources.
func (b *Browser) Close(_ context.Context) error {
	return nil
}

type page struct {
	collector *colly.Collector
}

// SetViewport is accepted and ignored; a static fetcher has no viewport.
func (p *page) SetViewport(_, _ int) error {
	return nil
}

func (p *page) SetUserAgent(ua string) error {
	p.collector.UserAgent = ua
	return nil
}

func (p *page) Goto(ctx context.Context, rawURL string, timeout time.Duration) (engine.PageResponse, error) {
	p.collector.SetRequestTimeout(timeout)

	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() {
			resultCh <- res
		})
	}

	p.collector.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			for k, v := range *r.Headers {
				cp := make([]string, len(v))
				copy(cp, v)
				headers[k] = cp
			}
		}
		send(fetchResult{resp: engine.PageResponse{
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			HTML:       string(r.Body),
		}})
	})

	p.collector.OnError(func(_ *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(fetchResult{err: err})
	})

	if err := p.collector.Visit(rawURL); err != nil {
		return engine.PageResponse{}, err
	}
	p.collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return engine.PageResponse{}, err
		}
		return res.resp, res.err
	default:
		return engine.PageResponse{}, errors.New("fetch produced no result")
	}
}

func (p *page) Close() error {
	return nil
}

type fetchResult struct {
	resp engine.PageResponse
	err  error
}
