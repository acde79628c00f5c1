// Package dispatch turns a provider request into a handler invocation.
//
// Each provider has an extraction strategy that reads the operation name
// from a different part of the request:
//
//   - HeaderBasedExtraction reads X-Amz-Target (AWS JSON protocol) or the
//     Action parameter (AWS query protocol).
//   - PathBasedExtraction matches path templates plus method and query
//     discriminators (S3, Lambda, Azure).
//   - VerbPlusPathExtraction uses the HTTP verb, a service prefix, the
//     number of trailing segments and an optional :verb suffix (GCP).
//
// The Dispatcher picks the strategy by the request's provider, resolves the
// handler in the registry and runs it. Failures at any step are rendered
// in the provider's error envelope.
package dispatch

import (
	"net/url"
	"strings"

	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
)

// Operation is the result of extraction.
type Operation struct {
	Service resource.ServiceType
	Name    string
	Wire    protocol.Wire
	Params  map[string]string
}

// Extractor names the operation a request asks for.
type Extractor interface {
	Extract(rc *protocol.RequestContext) (Operation, bool)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(rc *protocol.RequestContext) (Operation, bool)

// Extract calls f.
func (f ExtractorFunc) Extract(rc *protocol.RequestContext) (Operation, bool) { return f(rc) }

// Chain tries extractors in order; the first that extracts wins.
type Chain []Extractor

// Extract implements Extractor.
func (c Chain) Extract(rc *protocol.RequestContext) (Operation, bool) {
	for _, e := range c {
		if op, ok := e.Extract(rc); ok {
			return op, true
		}
	}
	return Operation{}, false
}

// splitPath splits an escaped path into unescaped segments. Empty
// segments are dropped except a trailing one, which is kept so that
// "/bucket/" and "/bucket" can be told apart when needed.
func splitPath(escaped string) []string {
	trimmed := strings.Trim(escaped, "/")
	if trimmed == "" {
		return nil
	}
	raw := strings.Split(trimmed, "/")
	segs := make([]string, 0, len(raw))
	for _, s := range raw {
		if u, err := url.PathUnescape(s); err == nil {
			s = u
		}
		segs = append(segs, s)
	}
	return segs
}
