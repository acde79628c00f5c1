package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// RejectFunc writes the response for a request over its limit.
type RejectFunc func(w http.ResponseWriter, r *http.Request, retryAfter time.Duration)

// MiddlewareOption configures the rate limiting middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	reject RejectFunc
	key    KeyFunc
}

// WithReject sets how rejected requests are answered. The default is a
// plain 429.
func WithReject(fn RejectFunc) MiddlewareOption {
	return func(c *middlewareConfig) {
		if fn != nil {
			c.reject = fn
		}
	}
}

// WithKey sets how requests map to buckets. The default is RemoteIP.
func WithKey(fn KeyFunc) MiddlewareOption {
	return func(c *middlewareConfig) {
		if fn != nil {
			c.key = fn
		}
	}
}

// Middleware enforces l on every request. A nil limiter passes requests
// through untouched.
func Middleware(l *Limiter, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{
		reject: func(w http.ResponseWriter, _ *http.Request, _ time.Duration) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		},
		key: RemoteIP,
	}
	for _, o := range opts {
		o(cfg)
	}

	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		limit := strconv.Itoa(l.Burst())
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(cfg.key(r))
			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			secs := max(1, int64(math.Ceil(d.RetryAfter.Seconds())))
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
			cfg.reject(w, r, d.RetryAfter)
		})
	}
}
