package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_Exclusive(t *testing.T) {
	t.Parallel()
	l := New()

	unlock, err := l.Lock(context.Background(), "a", time.Second)
	require.NoError(t, err)

	_, err = l.Lock(context.Background(), "a", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	unlock()
	unlock2, err := l.Lock(context.Background(), "a", time.Second)
	require.NoError(t, err)
	unlock2()

	assert.Equal(t, 0, l.Held())
}

func TestLock_DifferentKeysDoNotBlock(t *testing.T) {
	t.Parallel()
	l := New()

	unlockA, err := l.Lock(context.Background(), "a", time.Second)
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := l.Lock(context.Background(), "b", 0)
	require.NoError(t, err, "an unrelated key must be immediately available")
	unlockB()
}

func TestLock_ZeroTimeoutFailsFast(t *testing.T) {
	t.Parallel()
	l := New()

	unlock, err := l.Lock(context.Background(), "k", 0)
	require.NoError(t, err)
	defer unlock()

	start := time.Now()
	_, err = l.Lock(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLock_ContextCancel(t *testing.T) {
	t.Parallel()
	l := New()

	unlock, err := l.Lock(context.Background(), "k", time.Second)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Lock(ctx, "k", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLock_DoubleUnlockIsSafe(t *testing.T) {
	t.Parallel()
	l := New()

	unlock, err := l.Lock(context.Background(), "k", time.Second)
	require.NoError(t, err)
	unlock()
	unlock()

	assert.Equal(t, 0, l.Held())
}

func TestLock_SerializesSameKey(t *testing.T) {
	t.Parallel()
	l := New()

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
		counter int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "shared", 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			counter++
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, 20, counter)
	assert.Equal(t, 0, l.Held())
}
