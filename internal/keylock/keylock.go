// Package keylock provides per-key mutual exclusion with bounded waits.
//
// Each key gets its own single-slot semaphore, created on first use and
// dropped once no goroutine holds or waits for it. Waiters on the same key
// are served in arrival order; different keys never contend.
package keylock

import (
	"context"
	"sync"
	"time"
)

// Error is a sentinel error type for lock failures.
type Error string

func (e Error) Error() string { return string(e) }

// ErrTimeout is returned when a lock could not be acquired before the
// deadline.
const ErrTimeout = Error("keylock: timed out waiting for lock")

type entry struct {
	sem  chan struct{}
	refs int
}

// Locker hands out per-key locks. The zero value is not usable; use New.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock acquires the lock for key, waiting at most timeout. A non-positive
// timeout fails immediately when the lock is held. The returned function
// releases the lock and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	e := l.acquireEntry(key)

	select {
	case e.sem <- struct{}{}:
		return l.releaser(key, e), nil
	default:
	}

	if timeout <= 0 {
		l.releaseEntry(key, e)
		return nil, ErrTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		return l.releaser(key, e), nil
	case <-timer.C:
		l.releaseEntry(key, e)
		return nil, ErrTimeout
	case <-ctx.Done():
		l.releaseEntry(key, e)
		return nil, ctx.Err()
	}
}

// Held reports how many keys currently have a holder or waiter.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *Locker) acquireEntry(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) releaseEntry(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *Locker) releaser(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.releaseEntry(key, e)
		})
	}
}
