package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/clipcoach/internal/api/response"
	"github.com/kiranshivaraju/clipcoach/internal/cache"
)

const (
	defaultRequestsPerMinute = 60
	window                   = time.Minute
)

// RateLimit caps each API key at a number of requests per clock minute.
// Counters live in Redis so every server instance shares one budget per key.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
	now            func() time.Time
}

// NewRateLimit builds the limiter. A non-positive budget falls back to 60.
func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin, now: time.Now}
}

// Limit must run after Authenticate. Requests without an authenticated key
// pass through untouched; a Redis error lets the request through.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix, ok := GetKeyPrefix(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		now := rl.now()
		start := now.Truncate(window)
		reset := start.Add(window)

		count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(prefix, start), window)
		if err != nil {
			slog.Warn("rate limit check failed, allowing request",
				"key_prefix", prefix, "key_name", GetKeyName(r), "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(rl.requestsPerMin-int(count), 0)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > int64(rl.requestsPerMin) {
			retry := max(int(reset.Sub(now).Round(time.Second)/time.Second), 1)
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			slog.Info("api key over rate limit",
				"key_prefix", prefix, "key_name", GetKeyName(r), "count", count)
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests for this API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
