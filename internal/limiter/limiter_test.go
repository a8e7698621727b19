package limiter_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-voice-room/internal/limiter"
)

func TestKeyedLimiter_Allow(t *testing.T) {
	// 每秒 0.001 個：測試期間不會補充
	l := limiter.NewKeyedLimiter(0.001, 3, time.Minute)
	ctx := context.Background()

	for i := range 3 {
		ok, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}

	ok, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")

	// 不同 key 互不影響
	ok, err = l.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, l.Len())
}

func TestKeyedLimiter_Unlimited(t *testing.T) {
	l := limiter.NewKeyedLimiter(0, 1, time.Minute)
	for range 100 {
		ok, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestKeyedLimiter_CanceledContext(t *testing.T) {
	l := limiter.NewKeyedLimiter(1, 1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := l.Allow(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}

func TestKeyedLimiter_Prune(t *testing.T) {
	l := limiter.NewKeyedLimiter(1, 1, time.Millisecond)
	_, _ = l.Allow(context.Background(), "a")
	_, _ = l.Allow(context.Background(), "b")

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, l.Prune())
	assert.Equal(t, 0, l.Len())
}

func TestRateLimit(t *testing.T) {
	l := limiter.NewKeyedLimiter(0.001, 1, time.Minute)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := limiter.RateLimit(limiter.RateLimitConfig{Limiter: l.Allow})(next)

	do := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("192.0.2.1:5000"))
	// 同 IP 不同埠號視為同一來源
	assert.Equal(t, http.StatusTooManyRequests, do("192.0.2.1:5001"))
	assert.Equal(t, http.StatusOK, do("192.0.2.2:5000"))
}

func TestRateLimit_FailOpen(t *testing.T) {
	failing := func(context.Context, string) (bool, error) {
		return false, errors.New("backend down")
	}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	h := limiter.RateLimit(limiter.RateLimitConfig{Limiter: failing})(next)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{remote: "192.0.2.1:1234", want: "192.0.2.1"},
		{remote: "[2001:db8::1]:443", want: "2001:db8::1"},
		{remote: "pipe", want: "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			assert.Equal(t, tt.want, limiter.ClientIP(req))
		})
	}
}
