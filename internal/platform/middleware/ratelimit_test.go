package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	assert.Equal(t, 100.0, cfg.RequestsPerSecond)
	assert.Equal(t, 200, cfg.BurstSize)
}

func TestRateLimiterStore_BurstThenDeny(t *testing.T) {
	store := NewRateLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _ := store.Reserve("client")
		require.True(t, ok, "request %d should be allowed", i+1)
	}
	ok, wait := store.Reserve("client")
	require.False(t, ok, "fourth request should be denied")
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Second)

	ok, _ = store.Reserve("other")
	assert.True(t, ok, "clients have independent buckets")

	now = now.Add(time.Second)
	ok, _ = store.Reserve("client")
	assert.True(t, ok, "a token refills after one second")
}

func TestRateLimiterStore_Sweep(t *testing.T) {
	store := NewRateLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	store.Reserve("a")
	now = now.Add(30 * time.Second)
	store.Reserve("b")
	now = now.Add(45 * time.Second)

	assert.Equal(t, 1, store.Sweep())
	assert.Contains(t, store.clients, "b", "recent limiter is kept")
}

func TestRateLimiterStore_StartCleanupStops(t *testing.T) {
	store := NewRateLimiterStore(DefaultRateLimitConfig())
	ctx, cancel := context.WithCancel(context.Background())
	store.StartCleanup(ctx, time.Millisecond)
	cancel()
}

func TestRateLimit_Returns429(t *testing.T) {
	store := NewRateLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	mw := RateLimit(store)
	e := echo.New()

	call := func() (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.Set("jwt_tenant_id", "acme")
		return rec, mw(okHandler)(c)
	}

	rec, err := call()
	require.NoError(t, err, "first request passes")
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec, err = call()
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, store.clients, "acme:10.0.0.1", "limiter is keyed by tenant and IP")
}
