package dispatch

import (
	"fmt"
	"strings"

	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
)

// Route binds a path template and discriminators to an operation.
//
// Pattern segments are literals, {name} (one segment) or {name...} (one or
// more trailing segments, joined with "/"). Query entries are "key=value"
// (must equal), "key" (must be present) or "!key" (must be absent).
// Header entries are "Name" (present) or "!Name" (absent).
type Route struct {
	Method    string
	Pattern   string
	Query     []string
	Header    []string
	Service   resource.ServiceType
	Operation string
	Wire      protocol.Wire
}

type segment struct {
	literal string
	param   string
	rest    bool
}

type compiledRoute struct {
	Route
	segs []segment
}

// PathBasedExtraction matches routes in order; the first match wins.
type PathBasedExtraction struct {
	routes []compiledRoute
}

// NewPathBasedExtraction compiles routes. It panics on malformed patterns,
// which are programming errors in the static route tables.
func NewPathBasedExtraction(routes ...Route) *PathBasedExtraction {
	p := &PathBasedExtraction{}
	for _, r := range routes {
		segs, err := compilePattern(r.Pattern)
		if err != nil {
			panic(err)
		}
		p.routes = append(p.routes, compiledRoute{Route: r, segs: segs})
	}
	return p
}

func compilePattern(pattern string) ([]segment, error) {
	var segs []segment
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return nil, nil
	}
	for i, part := range parts {
		switch {
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "...}"):
			if i != len(parts)-1 {
				return nil, fmt.Errorf("dispatch: %q: rest parameter must be last", pattern)
			}
			segs = append(segs, segment{param: part[1 : len(part)-4], rest: true})
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			segs = append(segs, segment{param: part[1 : len(part)-1]})
		case part == "":
			return nil, fmt.Errorf("dispatch: %q: empty segment", pattern)
		default:
			segs = append(segs, segment{literal: part})
		}
	}
	return segs, nil
}

// Extract implements Extractor.
func (p *PathBasedExtraction) Extract(rc *protocol.RequestContext) (Operation, bool) {
	path := splitPath(rc.Path)
	for _, r := range p.routes {
		if r.Method != "" && r.Method != rc.Method {
			continue
		}
		params, ok := matchSegments(r.segs, path)
		if !ok || !matchQuery(rc, r.Query) || !matchHeader(rc, r.Header) {
			continue
		}
		return Operation{Service: r.Service, Name: r.Operation, Wire: r.Wire, Params: params}, true
	}
	return Operation{}, false
}

// Matches reports whether any route's path template matches, ignoring
// method and discriminators.
func (p *PathBasedExtraction) Matches(rc *protocol.RequestContext) bool {
	path := splitPath(rc.Path)
	for _, r := range p.routes {
		if _, ok := matchSegments(r.segs, path); ok {
			return true
		}
	}
	return false
}

func matchSegments(segs []segment, path []string) (map[string]string, bool) {
	params := map[string]string{}
	for i, s := range segs {
		if s.rest {
			if i >= len(path) {
				return nil, false
			}
			params[s.param] = strings.Join(path[i:], "/")
			return params, true
		}
		if i >= len(path) {
			return nil, false
		}
		if s.param != "" {
			if path[i] == "" {
				return nil, false
			}
			params[s.param] = path[i]
			continue
		}
		if s.literal != path[i] {
			return nil, false
		}
	}
	if len(path) != len(segs) {
		return nil, false
	}
	return params, true
}

func matchQuery(rc *protocol.RequestContext, conds []string) bool {
	for _, c := range conds {
		if name, ok := strings.CutPrefix(c, "!"); ok {
			if rc.HasQuery(name) {
				return false
			}
			continue
		}
		if k, v, ok := strings.Cut(c, "="); ok {
			if rc.QueryValue(k) != v {
				return false
			}
			continue
		}
		if !rc.HasQuery(c) {
			return false
		}
	}
	return true
}

func matchHeader(rc *protocol.RequestContext, conds []string) bool {
	for _, c := range conds {
		if name, ok := strings.CutPrefix(c, "!"); ok {
			if rc.Header.Get(name) != "" {
				return false
			}
			continue
		}
		if rc.Header.Get(c) == "" {
			return false
		}
	}
	return true
}
