package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ndwlabs/ndw-gateway/internal/database"
	apierrors "github.com/ndwlabs/ndw-gateway/internal/pkg/errors"
	"github.com/ndwlabs/ndw-gateway/internal/pkg/response"
)

// RateLimitConfig defines fixed-window rate limiting parameters.
type RateLimitConfig struct {
	WindowSeconds int
	MaxRequests   int
}

// Limiter counts requests per (bucket, key) within fixed time windows.
type Limiter interface {
	// Allow records one request and reports whether it fits the
	// window, along with remaining quota and the window reset time.
	Allow(ctx context.Context, bucket, key string) (allowed bool, remaining int, reset int64, err error)
}

func windowStart(windowSeconds int) int64 {
	now := time.Now().Unix()
	return now - now%int64(windowSeconds)
}

// RedisLimiter implements fixed-window limiting on Redis. The counter
// key embeds the window start, so windows roll over naturally and old
// counters expire on their own.
type RedisLimiter struct {
	rdb *database.Redis
	cfg RateLimitConfig
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(rdb *database.Redis, cfg RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, cfg: cfg}
}

// Allow implements Limiter. Redis errors fail open.
func (l *RedisLimiter) Allow(ctx context.Context, bucket, key string) (bool, int, int64, error) {
	start := windowStart(l.cfg.WindowSeconds)
	reset := start + int64(l.cfg.WindowSeconds)
	counterKey := fmt.Sprintf("rl:%s:%s:%d", bucket, key, start)

	count, err := l.rdb.IncrWithExpire(ctx, counterKey, time.Duration(l.cfg.WindowSeconds)*time.Second)
	if err != nil {
		return true, l.cfg.MaxRequests, reset, err
	}

	remaining := l.cfg.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return int(count) <= l.cfg.MaxRequests, remaining, reset, nil
}

// MemoryLimiter implements the same fixed-window contract in process
// memory, for deployments without Redis. Counters from past windows
// are dropped lazily.
type MemoryLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	window int64
	cfg    RateLimitConfig
}

// NewMemoryLimiter creates an in-memory limiter.
func NewMemoryLimiter(cfg RateLimitConfig) *MemoryLimiter {
	return &MemoryLimiter{counts: make(map[string]int), cfg: cfg}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, bucket, key string) (bool, int, int64, error) {
	start := windowStart(l.cfg.WindowSeconds)
	reset := start + int64(l.cfg.WindowSeconds)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.window != start {
		l.counts = make(map[string]int)
		l.window = start
	}

	counterKey := bucket + ":" + key
	l.counts[counterKey]++
	count := l.counts[counterKey]

	remaining := l.cfg.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= l.cfg.MaxRequests, remaining, reset, nil
}

// RateLimit returns a rate limiting middleware for one bucket. Denied
// requests get 429 with Retry-After and the X-RateLimit-* headers;
// allowed requests carry the same headers for client pacing.
func RateLimit(limiter Limiter, bucket string, cfg RateLimitConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := CallerKey(r.Context())
			if key == "anonymous" {
				key = "ip:" + getRealIP(r)
			}

			allowed, remaining, reset, _ := limiter.Allow(r.Context(), bucket, key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

			if !allowed {
				retryAfter := reset - time.Now().Unix()
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				response.Error(w, apierrors.NewRateLimitError(reset, int(retryAfter)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getRealIP extracts the real client IP, considering proxies.
func getRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}
	return r.RemoteAddr
}
