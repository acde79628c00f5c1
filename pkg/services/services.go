// Package services holds the pieces shared by the provider packages under
// it: operation tables, listing helpers and content hashing.
//
// Each provider package (aws, azure, gcp) exports Register, which adds its
// handlers to a protocol.RegistryBuilder, and Strategy, which tells the
// dispatcher how to name operations from that provider's requests.
package services

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

// PrefixEnd sorts after every valid UTF-8 continuation of a prefix.
// Listings that roll keys up under a delimiter resume after
// prefix+PrefixEnd.
const PrefixEnd = "\U0010FFFF"

// Ops maps operation names to handlers.
type Ops map[string]protocol.HandlerFunc

// Register adds every operation in ops for one provider and service.
// Operations are registered in name order so that errors are stable.
func Register(b *protocol.RegistryBuilder, p resource.Provider, s resource.ServiceType, w protocol.Wire, ops Ops) error {
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := b.RegisterWire(p, s, name, w, ops[name]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Collect gathers every readable resource matching f.
func Collect(ctx context.Context, m *lifecycle.Manager, f storage.Filter) ([]*resource.Resource, error) {
	var out []*resource.Resource
	for r, err := range m.List(ctx, f) {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Children counts the readable children of parent.
func Children(ctx context.Context, m *lifecycle.Manager, p resource.Provider, s resource.ServiceType, parent string) (int, error) {
	return m.Count(ctx, storage.Filter{Provider: p, Service: s, Parent: parent})
}

// Required fails with a validation error when value is empty.
func Required(name, value string) error {
	if value == "" {
		return apierror.Validation("%s is required.", name)
	}
	return nil
}

// MD5Hex returns the hex MD5 digest of b.
func MD5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// MD5Base64 returns the base64 MD5 digest of b.
func MD5Base64(b []byte) string {
	sum := md5.Sum(b)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Int parses an optional integer parameter, returning def when s is
// empty.
func Int(name, s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, apierror.Validation("%s must be an integer.", name)
	}
	return n, nil
}

// Sized reports the size of r's stored content.
func Sized(r *resource.Resource) int64 {
	if r.Blob == nil {
		return 0
	}
	return r.Blob.Size
}

// ItoA formats an int64 for XML and header values.
func ItoA(n int64) string {
	return strconv.FormatInt(n, 10)
}

// Quote wraps an etag in double quotes.
func Quote(etag string) string {
	return fmt.Sprintf("%q", etag)
}

// ParseRange parses a single "bytes=a-b", "bytes=a-" or "bytes=-n" range
// and returns its inclusive bounds clamped to size.
func ParseRange(spec string, size int64) (int64, int64, bool) {
	r, ok := strings.CutPrefix(spec, "bytes=")
	if !ok || strings.Contains(r, ",") || size == 0 {
		return 0, 0, false
	}
	first, last, ok := strings.Cut(r, "-")
	if !ok {
		return 0, 0, false
	}
	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		return max(size-n, 0), size - 1, true
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start >= size {
		return 0, 0, false
	}
	end := size - 1
	if last != "" {
		e, err := strconv.ParseInt(last, 10, 64)
		if err != nil || e < start {
			return 0, 0, false
		}
		end = min(e, size-1)
	}
	return start, end, true
}
