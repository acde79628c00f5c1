package id

import (
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestUUID_Format(t *testing.T) {
	t.Parallel()
	u := UUID()
	assert.Regexp(t, uuidPattern, u)
	assert.Equal(t, byte('4'), u[14])
}

func TestUUID_Concurrent(t *testing.T) {
	t.Parallel()

	const n = 200
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, n)
		wg   sync.WaitGroup
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := UUID()
			mu.Lock()
			seen[u] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestSortable_Ordered(t *testing.T) {
	t.Parallel()

	ids := make([]string, 100)
	for i := range ids {
		ids[i] = Sortable()
	}
	assert.True(t, sort.StringsAreSorted(ids))
	assert.Regexp(t, uuidPattern, ids[0])
	assert.Equal(t, byte('7'), ids[0][14])
}

func TestSortableTime(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got, ok := SortableTime(Sortable())
	require.True(t, ok)
	assert.True(t, got.After(before))

	_, ok = SortableTime(UUID())
	assert.False(t, ok, "v4 ids carry no time")
	_, ok = SortableTime("nope")
	assert.False(t, ok)
}

func TestCompact(t *testing.T) {
	t.Parallel()
	assert.Regexp(t, `^[0-9a-f]{32}$`, Compact())
}

func TestHex(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n    int
		want int
	}{
		{n: 8, want: 16},
		{n: 1, want: 2},
		{n: 0, want: 0},
		{n: -3, want: 0},
	}
	for _, tt := range tests {
		h := Hex(tt.n)
		assert.Len(t, h, tt.want)
		assert.Regexp(t, `^[0-9a-f]*$`, h)
	}
}

func TestAlphanumeric(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 16, 64} {
		s := Alphanumeric(n)
		assert.Len(t, s, n)
		assert.Regexp(t, `^[a-zA-Z0-9]*$`, s)
	}
	assert.Empty(t, Alphanumeric(-1))
	assert.NotEqual(t, Alphanumeric(32), Alphanumeric(32))
}

func BenchmarkUUID(b *testing.B) {
	for b.Loop() {
		_ = UUID()
	}
}

func BenchmarkSortable(b *testing.B) {
	for b.Loop() {
		_ = Sortable()
	}
}
