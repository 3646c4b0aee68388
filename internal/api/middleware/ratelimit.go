package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/chartqueue/internal/api/response"
	"github.com/kiranshivaraju/chartqueue/internal/cache"
)

const (
	defaultRequestsPerMinute = 60
	rateWindow               = 60 * time.Second
)

// RateLimit provides fixed-window rate limiting via Redis.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
}

// NewRateLimit creates a new RateLimit middleware.
func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin}
}

// Allow counts one request against key and reports whether it fits in the
// current window, plus the remaining budget. Redis errors fail open.
func (rl *RateLimit) Allow(ctx context.Context, key string) (bool, int) {
	count, err := rl.cache.IncrWithExpiry(ctx, cache.RateLimitKey(key), rateWindow)
	if err != nil {
		slog.Warn("rate limit check failed", "key", key, "error", err)
		return true, rl.requestsPerMin
	}
	remaining := rl.requestsPerMin - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(rl.requestsPerMin), remaining
}

// Limit applies rate limiting based on the key prefix set by AdminAuth.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix, ok := getKeyPrefix(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining := rl.Allow(r.Context(), prefix)
		resetTime := time.Now().Add(rateWindow).Unix()

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime))

		if !allowed {
			w.Header().Set("Retry-After", "60")
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
