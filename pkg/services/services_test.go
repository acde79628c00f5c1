package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
)

func TestParseRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		spec       string
		size       int64
		start, end int64
		ok         bool
	}{
		{"bytes=0-4", 10, 0, 4, true},
		{"bytes=5-", 10, 5, 9, true},
		{"bytes=-3", 10, 7, 9, true},
		{"bytes=-30", 10, 0, 9, true},
		{"bytes=8-100", 10, 8, 9, true},
		{"bytes=10-", 10, 0, 0, false},
		{"bytes=4-2", 10, 0, 0, false},
		{"bytes=0-1,3-4", 10, 0, 0, false},
		{"bytes=-0", 10, 0, 0, false},
		{"items=0-1", 10, 0, 0, false},
		{"bytes=0-0", 0, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			t.Parallel()
			start, end, ok := ParseRange(tt.spec, tt.size)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.start, start)
				assert.Equal(t, tt.end, end)
			}
		})
	}
}

func TestInt(t *testing.T) {
	t.Parallel()

	n, err := Int("MaxKeys", "", 1000)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)

	n, err = Int("MaxKeys", "25", 1000)
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	_, err = Int("MaxKeys", "lots", 1000)
	assert.ErrorContains(t, err, "MaxKeys must be an integer")
}

func TestDigests(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", MD5Hex([]byte("hello")))
	assert.Equal(t, "XUFAKrxLKna5cZ2REBfFkg==", MD5Base64([]byte("hello")))
	assert.Equal(t, `"abc"`, Quote("abc"))
	assert.Equal(t, int64(0), Sized(&resource.Resource{}))
}

func TestRegister(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, *protocol.RequestContext, *lifecycle.Manager) (*protocol.Response, error) {
		return nil, nil
	}
	ops := Ops{
		"PutItem": noop,
		"GetItem": noop,
	}

	b := protocol.NewRegistryBuilder()
	require.NoError(t, Register(b, resource.AWS, resource.KeyValue, protocol.WireJSON, ops))
	reg, err := b.Build()
	require.NoError(t, err)
	_, ok := reg.Resolve(resource.AWS, resource.KeyValue, "GetItem")
	assert.True(t, ok)
	w, ok := reg.Wire(protocol.OperationKey{Provider: resource.AWS, Service: resource.KeyValue, Operation: "PutItem"})
	assert.True(t, ok)
	assert.Equal(t, protocol.WireJSON, w)

	// A duplicate fails the call and, as the builder's first error, Build.
	dup := protocol.NewRegistryBuilder()
	require.NoError(t, Register(dup, resource.AWS, resource.KeyValue, protocol.WireJSON, ops))
	err = Register(dup, resource.AWS, resource.KeyValue, protocol.WireJSON, Ops{"PutItem": noop})
	assert.ErrorIs(t, err, protocol.ErrHandlerExists)
	_, err = dup.Build()
	assert.ErrorIs(t, err, protocol.ErrHandlerExists)
}
