package workflow

import (
	"strings"
	"time"
)

// choose returns the Next of the first matching rule, or the state's
// Default. With neither it fails with States.NoChoiceMatched.
func choose(s *State, input any) (string, error) {
	for i := range s.Choices {
		ok, err := evaluate(&s.Choices[i], input)
		if err != nil {
			return "", err
		}
		if ok {
			return s.Choices[i].Next, nil
		}
	}
	if s.Default != "" {
		return s.Default, nil
	}
	return "", &Failure{Name: ErrNoChoiceMatched, Cause: "no choice rule matched and no Default is set"}
}

func evaluate(r *ChoiceRule, input any) (bool, error) {
	switch {
	case len(r.And) > 0:
		for i := range r.And {
			ok, err := evaluate(&r.And[i], input)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(r.Or) > 0:
		for i := range r.Or {
			ok, err := evaluate(&r.Or[i], input)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case r.Not != nil:
		ok, err := evaluate(r.Not, input)
		return !ok, err
	}

	if r.IsPresent != nil {
		return exists(input, r.Variable) == *r.IsPresent, nil
	}
	if !exists(input, r.Variable) {
		return false, nil
	}
	v, err := lookup(input, r.Variable)
	if err != nil {
		return false, err
	}

	switch {
	case r.IsNull != nil:
		return (v == nil) == *r.IsNull, nil
	case r.IsString != nil:
		_, ok := v.(string)
		return ok == *r.IsString, nil
	case r.IsNumeric != nil:
		_, ok := number(v)
		return ok == *r.IsNumeric, nil
	case r.IsBoolean != nil:
		_, ok := v.(bool)
		return ok == *r.IsBoolean, nil
	case r.BooleanEquals != nil:
		b, ok := v.(bool)
		return ok && b == *r.BooleanEquals, nil
	}

	if s, ok := v.(string); ok {
		switch {
		case r.StringEquals != nil:
			return s == *r.StringEquals, nil
		case r.StringEqualsPath != "":
			other, err := lookup(input, r.StringEqualsPath)
			if err != nil {
				return false, err
			}
			o, ok := other.(string)
			return ok && s == o, nil
		case r.StringLessThan != nil:
			return s < *r.StringLessThan, nil
		case r.StringGreaterThan != nil:
			return s > *r.StringGreaterThan, nil
		case r.StringMatches != nil:
			return wildcard(*r.StringMatches, s), nil
		case r.TimestampEquals != nil, r.TimestampLessThan != nil, r.TimestampGreaterThan != nil:
			return compareTimestamps(r, s), nil
		}
		return false, nil
	}

	n, ok := number(v)
	if !ok {
		return false, nil
	}
	switch {
	case r.NumericEquals != nil:
		return n == *r.NumericEquals, nil
	case r.NumericEqualsPath != "":
		other, err := lookup(input, r.NumericEqualsPath)
		if err != nil {
			return false, err
		}
		o, ok := number(other)
		return ok && n == o, nil
	case r.NumericLessThan != nil:
		return n < *r.NumericLessThan, nil
	case r.NumericLessThanEquals != nil:
		return n <= *r.NumericLessThanEquals, nil
	case r.NumericGreaterThan != nil:
		return n > *r.NumericGreaterThan, nil
	case r.NumericGreaterThanEquals != nil:
		return n >= *r.NumericGreaterThanEquals, nil
	}
	return false, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func compareTimestamps(r *ChoiceRule, s string) bool {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return false
	}
	cmp := func(ref *string) (int, bool) {
		u, err := time.Parse(time.RFC3339, *ref)
		if err != nil {
			return 0, false
		}
		return t.Compare(u), true
	}
	switch {
	case r.TimestampEquals != nil:
		c, ok := cmp(r.TimestampEquals)
		return ok && c == 0
	case r.TimestampLessThan != nil:
		c, ok := cmp(r.TimestampLessThan)
		return ok && c < 0
	default:
		c, ok := cmp(r.TimestampGreaterThan)
		return ok && c > 0
	}
}

// wildcard matches s against a pattern where "*" matches any run of
// characters and "\*" is a literal star.
func wildcard(pattern, s string) bool {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(pattern); i++ {
		switch {
		case pattern[i] == '\\' && i+1 < len(pattern):
			i++
			cur.WriteByte(pattern[i])
		case pattern[i] == '*':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(pattern[i])
		}
	}
	parts = append(parts, cur.String())

	if len(parts) == 1 {
		return s == parts[0]
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, p := range parts[1 : len(parts)-1] {
		i := strings.Index(s, p)
		if i < 0 {
			return false
		}
		s = s[i+len(p):]
	}
	return strings.HasSuffix(s, last)
}
