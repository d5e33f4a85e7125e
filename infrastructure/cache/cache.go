// Package cache provides a small TTL-keyed in-memory cache used by the
// ingestion adapters: BlockchainAdapter dedups a redelivered transaction
// hash through DedupCache. PollerAdapter's provider snapshots are held by
// infrastructure/fallback's own map, not by this package.
package cache

import (
	"context"
	"sync"
	"time"
)

// entry is one cached value with its expiration.
type entry struct {
	value      interface{}
	expiration time.Time
}

// Config tunes a Cache's defaults and background eviction cadence.
type Config struct {
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: 10 * time.Minute,
	}
}

// Cache is a mutex-guarded, TTL-keyed map with a background eviction loop.
// It makes no size-bound promise of its own; callers needing a bounded
// working set (DedupCache) key it so stale entries naturally age out.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	cfg     Config
	done    chan struct{}
}

func NewCache(cfg Config) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}

	c := &Cache{
		entries: make(map[string]*entry),
		cfg:     cfg,
		done:    make(chan struct{}),
	}
	go c.startCleanup()
	return c
}

func (c *Cache) startCleanup() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.entries {
		if now.After(e.expiration) {
			delete(c.entries, key)
		}
	}
}

func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiration) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key. A ttl of zero means the configured default; a
// negative ttl stores an already-expired entry, which Get treats as absent.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.cfg.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &entry{value: value, expiration: time.Now().Add(ttl)}
}

func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background cleanup loop.
func (c *Cache) Close() {
	close(c.done)
}

// DedupCache wraps Cache with a fixed key prefix, used to remember
// already-ingested identifiers (transaction hashes, webhook item IDs) for a
// bounded window so a redelivered item is recognized and dropped.
type DedupCache struct {
	cache     *Cache
	keyPrefix string
	ttl       time.Duration
}

func NewDedupCache(prefix string, ttl time.Duration) *DedupCache {
	return &DedupCache{
		cache:     NewCache(Config{DefaultTTL: ttl}),
		keyPrefix: prefix,
		ttl:       ttl,
	}
}

// Seen reports whether key was already marked, then marks it.
func (c *DedupCache) Seen(ctx context.Context, key string) bool {
	full := c.keyPrefix + key
	if _, ok := c.cache.Get(full); ok {
		return true
	}
	c.cache.Set(full, struct{}{}, c.ttl)
	return false
}
