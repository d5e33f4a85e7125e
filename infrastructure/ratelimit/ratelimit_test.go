package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AppliesDefaults(t *testing.T) {
	r := New(RateLimitConfig{})
	assert.Equal(t, 100.0, r.config.RequestsPerSecond)
	assert.Equal(t, 200, r.config.Burst)
}

func TestAllow_RespectsBurst(t *testing.T) {
	r := New(RateLimitConfig{RequestsPerSecond: 1, Burst: 2})

	assert.True(t, r.Allow())
	assert.True(t, r.Allow())
	assert.False(t, r.Allow(), "a third immediate draw must exceed the burst of 2")
}

func TestAllowN_ConsumesExactCount(t *testing.T) {
	r := New(RateLimitConfig{RequestsPerSecond: 10, Burst: 5})
	now := time.Now()

	assert.True(t, r.AllowN(now, 5))
	assert.False(t, r.AllowN(now, 1))
}

func TestWait_UnblocksWithinDeadline(t *testing.T) {
	r := New(RateLimitConfig{RequestsPerSecond: 1000, Burst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, r.Wait(ctx))
}

func TestReset_RestoresFullBurst(t *testing.T) {
	r := New(RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	require.True(t, r.Allow())
	require.False(t, r.Allow())

	r.Reset()
	assert.True(t, r.Allow(), "reset must restore a fresh burst allowance")
}

func TestLimitExceeded_PerMinuteIndependentOfPerSecond(t *testing.T) {
	r := New(RateLimitConfig{RequestsPerSecond: 1000, Burst: 1})
	assert.False(t, r.PerMinuteLimitExceeded())
}

func TestKeyedLimiter_IndependentBucketsPerKey(t *testing.T) {
	k := NewKeyed(RateLimitConfig{RequestsPerSecond: 1, Burst: 1})

	assert.True(t, k.Allow("image_analysis"))
	assert.False(t, k.Allow("image_analysis"), "second draw on the same key must exceed its burst of 1")
	assert.True(t, k.Allow("wash_trading"), "a different key must have its own untouched bucket")
}

func TestRateLimitedClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewRateLimitedClient(srv.Client(), RateLimitConfig{RequestsPerSecond: 100, Burst: 10})

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, client.Allow())
}
