package dispatch

import (
	"strings"

	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
)

// Parity constrains the number of segments captured by VerbRule.Rest.
type Parity int

// Parity values.
const (
	AnyParity Parity = iota
	Odd
	Even
)

// VerbRule names an operation by HTTP verb, service prefix, the number of
// segments after the prefix and an optional ":verb" suffix on the last
// segment.
type VerbRule struct {
	Method string

	// Prefix is a path template of literals and {name} captures.
	Prefix string

	// Args names the segments after the prefix; their count must match
	// exactly unless Rest is set.
	Args []string

	// Rest, when set, captures every segment after Args (at least one),
	// constrained by Parity.
	Rest   string
	Parity Parity

	// Verb is a custom method suffix such as ":publish".
	Verb string

	Service   resource.ServiceType
	Operation string
	Wire      protocol.Wire
}

type compiledVerbRule struct {
	VerbRule
	prefix []segment
}

// VerbPlusPathExtraction evaluates rules in order; the first match wins.
type VerbPlusPathExtraction struct {
	rules []compiledVerbRule
}

// NewVerbPlusPathExtraction compiles rules. It panics on malformed
// prefixes.
func NewVerbPlusPathExtraction(rules ...VerbRule) *VerbPlusPathExtraction {
	v := &VerbPlusPathExtraction{}
	for _, r := range rules {
		segs, err := compilePattern(r.Prefix)
		if err != nil {
			panic(err)
		}
		for _, s := range segs {
			if s.rest {
				panic("dispatch: " + r.Prefix + ": rest parameters are not allowed in a prefix")
			}
		}
		v.rules = append(v.rules, compiledVerbRule{VerbRule: r, prefix: segs})
	}
	return v
}

// Extract implements Extractor.
func (v *VerbPlusPathExtraction) Extract(rc *protocol.RequestContext) (Operation, bool) {
	path := splitPath(rc.Path)
	for _, r := range v.rules {
		if r.Method != rc.Method || len(path) < len(r.prefix) {
			continue
		}
		params, ok := matchSegments(r.prefix, path[:len(r.prefix)])
		if !ok {
			continue
		}
		tail := append([]string(nil), path[len(r.prefix):]...)

		if r.Verb != "" {
			if len(tail) == 0 {
				continue
			}
			last, found := strings.CutSuffix(tail[len(tail)-1], r.Verb)
			if !found || last == "" {
				continue
			}
			tail[len(tail)-1] = last
		} else if len(tail) > 0 && strings.Contains(tail[len(tail)-1], ":") && r.Rest == "" {
			// A custom verb the rule does not expect.
			continue
		}

		if !matchTail(r.VerbRule, tail, params) {
			continue
		}
		return Operation{Service: r.Service, Name: r.Operation, Wire: r.Wire, Params: params}, true
	}
	return Operation{}, false
}

func matchTail(r VerbRule, tail []string, params map[string]string) bool {
	if r.Rest == "" {
		if len(tail) != len(r.Args) {
			return false
		}
	} else {
		n := len(tail) - len(r.Args)
		if n < 1 {
			return false
		}
		if (r.Parity == Odd && n%2 == 0) || (r.Parity == Even && n%2 == 1) {
			return false
		}
	}
	for i, name := range r.Args {
		if tail[i] == "" {
			return false
		}
		params[name] = tail[i]
	}
	if r.Rest != "" {
		params[r.Rest] = strings.Join(tail[len(r.Args):], "/")
	}
	return true
}
