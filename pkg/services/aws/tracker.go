package aws

import (
	"context"
	"sync"
)

// tracker runs background work detached from requests. Work started with
// a name can be cancelled individually; close cancels everything.
type tracker struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func newTracker() *tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &tracker{ctx: ctx, cancel: cancel, running: make(map[string]context.CancelFunc)}
}

// goAsync runs fn in the background.
func (t *tracker) goAsync(fn func(ctx context.Context)) {
	t.start("", fn)
}

// start runs fn in the background under name.
func (t *tracker) start(name string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(t.ctx)
	if name != "" {
		t.mu.Lock()
		t.running[name] = cancel
		t.mu.Unlock()
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		if name != "" {
			defer func() {
				t.mu.Lock()
				delete(t.running, name)
				t.mu.Unlock()
			}()
		}
		fn(ctx)
	}()
}

// stop cancels the work started under name. It reports whether the work
// was still running.
func (t *tracker) stop(name string) bool {
	t.mu.Lock()
	cancel, ok := t.running[name]
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// wait blocks until all work finishes or ctx is done.
func (t *tracker) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close cancels all work and waits for it to return.
func (t *tracker) close(ctx context.Context) error {
	t.cancel()
	return t.wait(ctx)
}
