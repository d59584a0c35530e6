package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, limits Limits) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := New(client, "verify", limits)
	l.now = func() time.Time { return time.Date(2025, 5, 1, 10, 0, 30, 0, time.UTC) }
	return l, mr
}

func TestAllow_MinuteWindow(t *testing.T) {
	l, _ := newLimiter(t, Limits{PerMinute: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, wait, err := l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 30*time.Second, wait)

	// Other clients are unaffected.
	ok, _, err = l.Allow(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllow_DailyWindow(t *testing.T) {
	l, _ := newLimiter(t, Limits{PerDay: 1})
	ctx := context.Background()

	ok, _, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, wait, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 13*time.Hour+59*time.Minute+30*time.Second, wait)
}

func TestAllow_DeniedDoesNotConsume(t *testing.T) {
	l, mr := newLimiter(t, Limits{PerMinute: 1, PerDay: 10})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := l.Allow(ctx, "k")
		require.NoError(t, err)
	}
	day, err := mr.Get("ratelimit:verify:k:day:2025-05-01")
	require.NoError(t, err)
	assert.Equal(t, "1", day)
}

func TestMiddleware(t *testing.T) {
	l, mr := newLimiter(t, Limits{PerMinute: 1})
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/newsletter/verify-code", nil)
		req.RemoteAddr = "9.9.9.9:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, call().Code)
	rec := call()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	// Redis outage fails open.
	mr.Close()
	assert.Equal(t, http.StatusNoContent, call().Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", ClientIP(req))
	req.RemoteAddr = "10.0.0.2"
	assert.Equal(t, "10.0.0.2", ClientIP(req))
}
