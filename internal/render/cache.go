package render

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// entry wraps a cached Artifact with the time it was stored, so expired
// entries can be rejected on read without a separate sweep goroutine.
type entry struct {
	artifact *Artifact
	storedAt time.Time
}

// Cache is a bounded, TTL-expiring cache of render artifacts keyed by the
// canonical URL that produced them. Renders are expensive (a full headless
// navigation); the cache lets repeated visits to the same URL within one
// crawl cycle skip re-rendering.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, entry]
	ttl time.Duration
}

const (
	DefaultCacheSize = 2000
	DefaultCacheTTL  = time.Hour
)

// NewCache builds a Cache bounded to size entries, each valid for ttl after
// insertion. Zero values fall back to the package defaults.
func NewCache(size int, ttl time.Duration) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c, ttl: ttl}, nil
}

// Key derives the cache key for a canonical URL.
func Key(canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached artifact for canonicalURL, if present and not
// expired.
func (c *Cache) Get(canonicalURL string) (*Artifact, bool) {
	key := Key(canonicalURL)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Since(e.storedAt) > c.ttl {
		c.lru.Remove(key)
		return nil, false
	}
	return e.artifact, true
}

// Put stores art under canonicalURL's cache key.
func (c *Cache) Put(canonicalURL string, art *Artifact) {
	key := Key(canonicalURL)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(key, entry{artifact: art, storedAt: time.Now()})
}

// Len returns the current number of cached entries, including any not yet
// evicted by TTL.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// CachedRenderer wraps a Renderer with a Cache, serving cache hits directly
// and storing every successful render for reuse.
type CachedRenderer struct {
	Renderer Renderer
	Cache    *Cache
}

func (c *CachedRenderer) Render(ctx context.Context, url string, policy Policy) (*Artifact, error) {
	if art, ok := c.Cache.Get(url); ok {
		return art, nil
	}
	art, err := c.Renderer.Render(ctx, url, policy)
	if err != nil {
		return nil, err
	}
	c.Cache.Put(url, art)
	return art, nil
}
