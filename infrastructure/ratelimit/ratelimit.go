// Package ratelimit protects the pipeline's inbound webhook ingress from a
// noisy or misbehaving fraud-detection vendor. A single bad deployment on
// their side should not be able to flood the bounded pending queue (see
// services/adapters.WebhookAdapter) or starve other webhook kinds sharing
// the same endpoint.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig tunes a token bucket. RequestsPerSecond/Burst govern
// RateLimiter.Allow. A second bucket, drawn only by PerMinuteLimitExceeded
// and independent of Allow, refills at 60x RequestsPerSecond tokens per
// second with 2x the burst; both its rate and its burst exceed the
// per-second bucket's, so it does not tighten the per-second limit.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	Window            time.Duration
}

// DefaultConfig suits a single fraud-detection webhook type of moderate,
// unknown sender volume.
func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             200,
		Window:            time.Second,
	}
}

type RateLimiter struct {
	limiter   *rate.Limiter
	perMinute *rate.Limiter
	mu        sync.RWMutex
	config    RateLimitConfig
}

func New(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}

	return &RateLimiter{
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		perMinute: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond*60), cfg.Burst*2),
		config:    cfg,
	}
}

func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

func (r *RateLimiter) AllowN(now time.Time, n int) bool {
	return r.limiter.AllowN(now, n)
}

func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

func (r *RateLimiter) LimitExceeded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.limiter.Allow()
}

func (r *RateLimiter) PerMinuteLimitExceeded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.perMinute.Allow()
}

func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)
	r.perMinute = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond*60), r.config.Burst*2)
}

// KeyedLimiter maintains one independent RateLimiter per key, so the
// webhook ingress endpoint can cap each fraud-detection webhook kind
// (image_analysis, similarity_score, wash_trading, metadata_validation)
// separately: a flood of one kind must not exhaust the budget shared by
// the others.
type KeyedLimiter struct {
	mu       sync.Mutex
	cfg      RateLimitConfig
	limiters map[string]*RateLimiter
}

// NewKeyed constructs a KeyedLimiter; every distinct key lazily gets its
// own RateLimiter built from cfg on first use.
func NewKeyed(cfg RateLimitConfig) *KeyedLimiter {
	return &KeyedLimiter{cfg: cfg, limiters: make(map[string]*RateLimiter)}
}

// Allow reports whether a request for key is within its bucket.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	limiter, ok := k.limiters[key]
	if !ok {
		limiter = New(k.cfg)
		k.limiters[key] = limiter
	}
	k.mu.Unlock()
	return limiter.Allow()
}

type RateLimitedClient struct {
	client  *http.Client
	limiter *RateLimiter
}

func NewRateLimitedClient(client *http.Client, cfg RateLimitConfig) *RateLimitedClient {
	return &RateLimitedClient{
		client:  client,
		limiter: New(cfg),
	}
}

func (c *RateLimitedClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

func (c *RateLimitedClient) Allow() bool {
	return c.limiter.Allow()
}

func (c *RateLimitedClient) LimitExceeded() bool {
	return c.limiter.LimitExceeded()
}
