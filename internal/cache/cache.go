// Package cache provides the TTL and capacity bounded result cache keyed by
// normalized URL.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pagevault/acquire/internal/engine"
)

// Config controls cache behavior.
type Config struct {
	// MaxSize caps the number of live entries; inserting beyond it evicts
	// the oldest entry by cache time.
	MaxSize int
	// TTL is the lifetime of an entry from insertion.
	TTL time.Duration
	// CleanupInterval is how often the background sweep purges expired
	// entries eagerly. Zero disables the sweep; expiry then happens lazily
	// on access only.
	CleanupInterval time.Duration
}

const (
	defaultMaxSize = 1000
	defaultTTL     = time.Hour
)

type entry struct {
	result    engine.CrawlResult
	cachedAt  time.Time
	expiresAt time.Time
	hits      uint64
}

// Stats is a snapshot of cache accounting. Hits and misses are true
// counters incremented on every lookup, including lookups for keys that
// were never stored.
type Stats struct {
	Size        int    `json:"size"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

// Cache maps normalized URLs to crawl results. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry

	maxSize int
	ttl     time.Duration

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	clock  engine.Clock
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Cache and, when CleanupInterval is set, starts the periodic
// sweep goroutine. Close stops it.
func New(cfg Config, clock engine.Clock, logger *zap.Logger) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		entries: make(map[string]*entry),
		maxSize: cfg.MaxSize,
		ttl:     cfg.TTL,
		clock:   clock,
		logger:  logger,
	}
	if cfg.CleanupInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.sweep(ctx, cfg.CleanupInterval)
	}
	return c
}

// Close stops the background sweep, if running.
func (c *Cache) Close() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Get returns the cached result for the URL. An expired entry is removed as
// a side effect and reported as a miss; expiry is observable exactly once.
func (c *Cache) Get(url string) (engine.CrawlResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[url]
	if !ok {
		c.misses++
		return engine.CrawlResult{}, false
	}
	if c.clock.Now().After(e.expiresAt) {
		delete(c.entries, url)
		c.expirations++
		c.misses++
		return engine.CrawlResult{}, false
	}
	e.hits++
	c.hits++
	return e.result.Clone(), true
}

// Has reports whether a live entry exists, applying the same lazy-expiry
// deletion as Get without touching hit/miss counters.
func (c *Cache) Has(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[url]
	if !ok {
		return false
	}
	if c.clock.Now().After(e.expiresAt) {
		delete(c.entries, url)
		c.expirations++
		return false
	}
	return true
}

// Set stores the result, evicting the single oldest entry first if the
// cache is at capacity and the key is new.
func (c *Cache) Set(url string, result engine.CrawlResult) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[url]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[url] = &entry{
		result:    result.Clone(),
		cachedAt:  now,
		expiresAt: now.Add(c.ttl),
	}
}

// Clear drops all entries. Counters are preserved.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Stats returns a snapshot of the accounting counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:        len(c.entries),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.cachedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.cachedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
		c.logger.Debug("cache evicted oldest entry", zap.String("url", oldestKey))
	}
}

// sweep purges expired entries on a fixed interval until the context ends.
func (c *Cache) sweep(ctx context.Context, interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.purgeExpired()
		}
	}
}

func (c *Cache) purgeExpired() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			c.expirations++
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("cache cleanup removed expired entries", zap.Int("count", removed))
	}
}
