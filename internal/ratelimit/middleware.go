package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/noah-isme/commission-engine/internal/common"
)

// New builds a limiter for a rate such as "20-M" (20 per minute). A nil
// Redis client falls back to a process-local store.
func New(rdb *redis.Client, formatted, prefix string) (*limiter.Limiter, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse rate %q: %w", formatted, err)
	}
	opts := limiter.StoreOptions{Prefix: prefix, MaxRetry: 3}
	if rdb == nil {
		return limiter.New(memory.NewStoreWithOptions(opts), rate), nil
	}
	store, err := limiterredis.NewStoreWithOptions(rdb, opts)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: redis store: %w", err)
	}
	return limiter.New(store, rate), nil
}

// Handler enforces a limit before delegating to the next handler.
type Handler struct {
	Limiter *limiter.Limiter
	// Key derives the bucket for a request; an empty key skips limiting.
	Key     func(*http.Request) string
	OnError func(error)
}

// ByPrincipal buckets authenticated callers by subject and everyone else by
// client address. Requests with neither are not limited.
func ByPrincipal(r *http.Request) string {
	if subject, ok := common.UserID(r.Context()); ok {
		return "sub:" + subject
	}
	if ip := common.ClientIP(r); ip != "" {
		return "ip:" + ip
	}
	return ""
}

// Middleware implements the chi middleware signature.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Limiter == nil || h.Key == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := h.Key(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		lc, err := h.Limiter.Get(r.Context(), key)
		if err != nil {
			// fail open
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.FormatInt(lc.Limit, 10))
		headers.Set("X-RateLimit-Remaining", strconv.FormatInt(lc.Remaining, 10))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(lc.Reset, 10))

		if lc.Reached {
			retryAfter := int64(time.Until(time.Unix(lc.Reset, 0)).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			headers.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", map[string]any{"retryAfter": retryAfter})
			return
		}

		next.ServeHTTP(w, r)
	})
}
