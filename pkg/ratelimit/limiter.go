// Package ratelimit provides per-client token-bucket rate limiting for the
// provider listeners.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default bucket housekeeping.
const (
	DefaultSweepInterval = time.Minute
	DefaultIdleTTL       = time.Minute
)

// Config configures a Limiter.
type Config struct {
	RPS   float64 // tokens per second; zero or less selects 100
	Burst int     // bucket capacity; zero or less selects 2*RPS

	// SweepInterval is how often idle buckets are evicted.
	SweepInterval time.Duration

	// IdleTTL is how long a bucket survives without traffic.
	IdleTTL time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool

	// Remaining is the number of whole tokens left in the bucket.
	Remaining int

	// RetryAfter is the wait until the next token when Allowed is false.
	RetryAfter time.Duration
}

type bucket struct {
	tokens *rate.Limiter
	seen   time.Time
}

// Limiter keeps one token bucket per client key.
type Limiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a Limiter and starts its sweeper. Call Stop to release it.
func New(cfg Config) *Limiter {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 100
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(math.Ceil(rps * 2))
	}
	l := &Limiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idle:    cmpDuration(cfg.IdleTTL, DefaultIdleTTL),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.sweep(cmpDuration(cfg.SweepInterval, DefaultSweepInterval))
	return l
}

func cmpDuration(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// Burst returns the bucket capacity.
func (l *Limiter) Burst() int {
	return l.burst
}

// Allow takes one token from key's bucket. A rejected call leaves the
// bucket untouched.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()

	r := b.tokens.ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: time.Second}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: delay}
	}
	left := math.Floor(b.tokens.TokensAt(now))
	return Decision{Allowed: true, Remaining: int(max(0, left))}
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Stop ends the sweeper. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.stopped
}

func (l *Limiter) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(l.stopped)

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	cutoff := l.now().Add(-l.idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// KeyFunc derives the bucket key of a request.
type KeyFunc func(r *http.Request) string

// RemoteIP keys a request by its peer address without the port.
// Forwarding headers are ignored: clients reach the listeners directly.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
