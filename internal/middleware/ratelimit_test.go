package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndwlabs/ndw-gateway/internal/database"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitAllowanceExhaustion(t *testing.T) {
	cfg := RateLimitConfig{WindowSeconds: 3600, MaxRequests: 2}
	h := RateLimit(NewMemoryLimiter(cfg), "gen", cfg)(okHandler())

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/generate", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		last = rec
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	retryAfter, err := strconv.Atoi(last.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 0)
	assert.Equal(t, "0", last.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "2", last.Header().Get("X-RateLimit-Limit"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(last.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body["code"])
	assert.NotNil(t, body["reset"])
	assert.NotNil(t, body["retry_after_seconds"])
}

func TestRateLimitHeadersOnAllowedRequests(t *testing.T) {
	cfg := RateLimitConfig{WindowSeconds: 3600, MaxRequests: 5}
	h := RateLimit(NewMemoryLimiter(cfg), "gen", cfg)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/generate", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimitKeysAreIndependent(t *testing.T) {
	cfg := RateLimitConfig{WindowSeconds: 3600, MaxRequests: 1}
	h := RateLimit(NewMemoryLimiter(cfg), "gen", cfg)(okHandler())

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/generate", nil)
		req.Header.Set("X-Forwarded-For", addr)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2"))
}

func TestRateLimitUsesCallerKey(t *testing.T) {
	cfg := RateLimitConfig{WindowSeconds: 3600, MaxRequests: 1}
	h := RateLimit(NewMemoryLimiter(cfg), "gen", cfg)(okHandler())

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodPost, "/generate", nil)
		ctx := context.WithValue(req.Context(), CallerKeyKey, key)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req.WithContext(ctx))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("key-a"))
	assert.Equal(t, http.StatusTooManyRequests, send("key-a"))
	assert.Equal(t, http.StatusOK, send("key-b"))
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := database.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	cfg := RateLimitConfig{WindowSeconds: 3600, MaxRequests: 2}
	l := NewRedisLimiter(rdb, cfg)
	ctx := context.Background()

	allowed, remaining, reset, err := l.Allow(ctx, "gen", "k")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, remaining)
	assert.Greater(t, reset, int64(0))

	allowed, remaining, _, err = l.Allow(ctx, "gen", "k")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 0, remaining)

	allowed, _, _, err = l.Allow(ctx, "gen", "k")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := database.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	l := NewRedisLimiter(rdb, RateLimitConfig{WindowSeconds: 3600, MaxRequests: 1})

	mr.Close()
	allowed, _, _, err := l.Allow(context.Background(), "gen", "k")
	assert.Error(t, err)
	assert.True(t, allowed)
}

func TestMemoryLimiterWindowRollover(t *testing.T) {
	cfg := RateLimitConfig{WindowSeconds: 3600, MaxRequests: 1}
	l := NewMemoryLimiter(cfg)
	ctx := context.Background()

	allowed, _, _, _ := l.Allow(ctx, "gen", "k")
	assert.True(t, allowed)
	allowed, _, _, _ = l.Allow(ctx, "gen", "k")
	assert.False(t, allowed)

	// Simulate the next window by resetting the tracked window start.
	l.mu.Lock()
	l.window = 0
	l.counts = make(map[string]int)
	l.mu.Unlock()

	allowed, _, _, _ = l.Allow(ctx, "gen", "k")
	assert.True(t, allowed)
}
