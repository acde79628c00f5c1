package matching

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ohler55/ojg/oj"
)

// ErrInvalidPattern is wrapped by every pattern parse failure.
var ErrInvalidPattern = errors.New("invalid event pattern")

// Pattern is a parsed event pattern. The zero value matches nothing; use
// ParsePattern.
type Pattern struct {
	root map[string]any
}

// ParsePattern parses and validates a JSON event pattern.
func ParsePattern(src []byte) (*Pattern, error) {
	v, err := oj.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	root, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: pattern must be a JSON object", ErrInvalidPattern)
	}
	if err := validateObject(root, ""); err != nil {
		return nil, err
	}
	return &Pattern{root: root}, nil
}

// PatternFromMap builds a pattern from an already decoded object, as SNS
// filter policies arrive.
func PatternFromMap(root map[string]any) (*Pattern, error) {
	if err := validateObject(root, ""); err != nil {
		return nil, err
	}
	return &Pattern{root: root}, nil
}

func validateObject(node map[string]any, prefix string) error {
	if len(node) == 0 && prefix == "" {
		return fmt.Errorf("%w: pattern is empty", ErrInvalidPattern)
	}
	for k, v := range node {
		field := k
		if prefix != "" {
			field = prefix + "." + k
		}
		switch v := v.(type) {
		case map[string]any:
			if err := validateObject(v, field); err != nil {
				return err
			}
		case []any:
			if len(v) == 0 {
				return fmt.Errorf("%w: %s: empty match list", ErrInvalidPattern, field)
			}
			for _, m := range v {
				if err := validateMatcher(m); err != nil {
					return fmt.Errorf("%w: %s: %v", ErrInvalidPattern, field, err)
				}
			}
		default:
			return fmt.Errorf("%w: %s: value must be an array or an object", ErrInvalidPattern, field)
		}
	}
	return nil
}

func validateMatcher(m any) error {
	filter, ok := m.(map[string]any)
	if !ok {
		return nil
	}
	if len(filter) != 1 {
		return errors.New("content filter must have exactly one key")
	}
	for op, arg := range filter {
		switch op {
		case "prefix", "suffix", "equals-ignore-case":
			if _, ok := arg.(string); !ok {
				return fmt.Errorf("%s needs a string", op)
			}
		case "exists":
			if _, ok := arg.(bool); !ok {
				return errors.New("exists needs a boolean")
			}
		case "anything-but":
			switch a := arg.(type) {
			case map[string]any:
				if _, ok := a["prefix"].(string); !ok || len(a) != 1 {
					return errors.New("anything-but object supports only prefix")
				}
			case []any, string, float64, int64, bool:
			default:
				return errors.New("anything-but needs a value, a list or a prefix")
			}
		case "numeric":
			if _, err := numericRange(arg); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown content filter %q", op)
		}
	}
	return nil
}

// Match reports whether event, a decoded JSON value, matches p.
func (p *Pattern) Match(event any) bool {
	if p == nil || p.root == nil {
		return false
	}
	return matchObject(p.root, event)
}

// MatchJSON parses event and matches it.
func (p *Pattern) MatchJSON(event []byte) (bool, error) {
	v, err := oj.Parse(event)
	if err != nil {
		return false, fmt.Errorf("parse event: %w", err)
	}
	return p.Match(v), nil
}

func matchObject(pattern map[string]any, event any) bool {
	fields, _ := event.(map[string]any)
	for k, pv := range pattern {
		val, present := fields[k]
		switch pv := pv.(type) {
		case map[string]any:
			if !matchObject(pv, val) {
				return false
			}
		case []any:
			if !matchLeaf(pv, val, present) {
				return false
			}
		}
	}
	return true
}

func matchLeaf(matchers []any, val any, present bool) bool {
	values := []any{val}
	if list, ok := val.([]any); ok {
		values = list
	}
	for _, m := range matchers {
		if filter, ok := m.(map[string]any); ok {
			if want, ok := filter["exists"].(bool); ok {
				if want == present {
					return true
				}
				continue
			}
		}
		if !present {
			continue
		}
		for _, v := range values {
			if matchOne(m, v) {
				return true
			}
		}
	}
	return false
}

func matchOne(m, v any) bool {
	filter, ok := m.(map[string]any)
	if !ok {
		return valuesEqual(v, m)
	}
	for op, arg := range filter {
		s, isString := v.(string)
		switch op {
		case "prefix":
			return isString && strings.HasPrefix(s, arg.(string))
		case "suffix":
			return isString && strings.HasSuffix(s, arg.(string))
		case "equals-ignore-case":
			return isString && strings.EqualFold(s, arg.(string))
		case "anything-but":
			return anythingBut(arg, v)
		case "numeric":
			n, ok := toFloat64(v)
			if !ok {
				return false
			}
			r, err := numericRange(arg)
			return err == nil && r.contains(n)
		}
	}
	return false
}

func anythingBut(arg, v any) bool {
	switch a := arg.(type) {
	case map[string]any:
		s, ok := v.(string)
		return ok && !strings.HasPrefix(s, a["prefix"].(string))
	case []any:
		for _, x := range a {
			if valuesEqual(v, x) {
				return false
			}
		}
		return true
	default:
		return !valuesEqual(v, a)
	}
}

type bound struct {
	op    string
	value float64
}

type numeric []bound

func numericRange(arg any) (numeric, error) {
	list, ok := arg.([]any)
	if !ok || len(list) == 0 || len(list)%2 != 0 {
		return nil, errors.New("numeric needs operator and value pairs")
	}
	out := make(numeric, 0, len(list)/2)
	for i := 0; i < len(list); i += 2 {
		op, ok := list[i].(string)
		if !ok {
			return nil, errors.New("numeric operator must be a string")
		}
		switch op {
		case "=", "<", "<=", ">", ">=":
		default:
			return nil, fmt.Errorf("unknown numeric operator %q", op)
		}
		n, ok := toFloat64(list[i+1])
		if !ok {
			return nil, fmt.Errorf("numeric operand for %q must be a number", op)
		}
		out = append(out, bound{op: op, value: n})
	}
	return out, nil
}

func (r numeric) contains(n float64) bool {
	for _, b := range r {
		var ok bool
		switch b.op {
		case "=":
			ok = n == b.value
		case "<":
			ok = n < b.value
		case "<=":
			ok = n <= b.value
		case ">":
			ok = n > b.value
		case ">=":
			ok = n >= b.value
		}
		if !ok {
			return false
		}
	}
	return true
}
