package matching

import (
	"fmt"
	"slices"
	"strings"
)

// GridFilter is an Event Grid subscription filter.
type GridFilter struct {
	IncludedEventTypes     []string         `json:"includedEventTypes,omitempty"`
	SubjectBeginsWith      string           `json:"subjectBeginsWith,omitempty"`
	SubjectEndsWith        string           `json:"subjectEndsWith,omitempty"`
	IsSubjectCaseSensitive bool             `json:"isSubjectCaseSensitive,omitempty"`
	AdvancedFilters        []AdvancedFilter `json:"advancedFilters,omitempty"`
}

// AdvancedFilter compares the value at Key with Value or Values.
type AdvancedFilter struct {
	OperatorType string `json:"operatorType"`
	Key          string `json:"key"`
	Value        any    `json:"value,omitempty"`
	Values       []any  `json:"values,omitempty"`
}

var gridOperators = []string{
	"StringIn", "StringNotIn", "StringBeginsWith", "StringEndsWith", "StringContains",
	"NumberIn", "NumberNotIn", "NumberGreaterThan", "NumberGreaterThanOrEquals",
	"NumberLessThan", "NumberLessThanOrEquals", "BoolEquals",
	"IsNullOrUndefined", "IsNotNull",
}

// Validate checks operator names and keys.
func (f GridFilter) Validate() error {
	for i, af := range f.AdvancedFilters {
		if !slices.Contains(gridOperators, af.OperatorType) {
			return fmt.Errorf("advancedFilters[%d]: unknown operatorType %q", i, af.OperatorType)
		}
		if af.Key == "" {
			return fmt.Errorf("advancedFilters[%d]: key is required", i)
		}
		if _, err := parsePath(af.Key); err != nil {
			return fmt.Errorf("advancedFilters[%d]: %w", i, err)
		}
	}
	return nil
}

// Match reports whether an event with the given type and subject, and
// event as its decoded envelope, passes f.
func (f GridFilter) Match(eventType, subject string, event any) bool {
	if len(f.IncludedEventTypes) > 0 && !slices.ContainsFunc(f.IncludedEventTypes, func(t string) bool {
		return strings.EqualFold(t, eventType)
	}) {
		return false
	}
	fold := func(s string) string {
		if f.IsSubjectCaseSensitive {
			return s
		}
		return strings.ToLower(s)
	}
	if f.SubjectBeginsWith != "" && !strings.HasPrefix(fold(subject), fold(f.SubjectBeginsWith)) {
		return false
	}
	if f.SubjectEndsWith != "" && !strings.HasSuffix(fold(subject), fold(f.SubjectEndsWith)) {
		return false
	}
	for _, af := range f.AdvancedFilters {
		if !af.match(event) {
			return false
		}
	}
	return true
}

func (af AdvancedFilter) match(event any) bool {
	found, err := Lookup(event, af.Key)
	if err != nil {
		return false
	}
	var v any
	if len(found) > 0 {
		v = found[0]
	}
	switch af.OperatorType {
	case "IsNullOrUndefined":
		return v == nil
	case "IsNotNull":
		return v != nil
	}
	if v == nil {
		return false
	}

	operands := af.Values
	if len(operands) == 0 && af.Value != nil {
		operands = []any{af.Value}
	}
	s, _ := v.(string)
	n, isNum := toFloat64(v)
	anyOf := func(pred func(any) bool) bool { return slices.ContainsFunc(operands, pred) }
	str := func(fn func(s, op string) bool) bool {
		return anyOf(func(o any) bool {
			want, ok := o.(string)
			return ok && fn(strings.ToLower(s), strings.ToLower(want))
		})
	}
	num := func(fn func(a, b float64) bool) bool {
		return isNum && anyOf(func(o any) bool {
			b, ok := toFloat64(o)
			return ok && fn(n, b)
		})
	}

	switch af.OperatorType {
	case "StringIn":
		return str(func(s, op string) bool { return s == op })
	case "StringNotIn":
		return !str(func(s, op string) bool { return s == op })
	case "StringBeginsWith":
		return str(strings.HasPrefix)
	case "StringEndsWith":
		return str(strings.HasSuffix)
	case "StringContains":
		return str(strings.Contains)
	case "NumberIn":
		return num(func(a, b float64) bool { return a == b })
	case "NumberNotIn":
		return isNum && !num(func(a, b float64) bool { return a == b })
	case "NumberGreaterThan":
		return num(func(a, b float64) bool { return a > b })
	case "NumberGreaterThanOrEquals":
		return num(func(a, b float64) bool { return a >= b })
	case "NumberLessThan":
		return num(func(a, b float64) bool { return a < b })
	case "NumberLessThanOrEquals":
		return num(func(a, b float64) bool { return a <= b })
	case "BoolEquals":
		b, ok := v.(bool)
		return ok && anyOf(func(o any) bool {
			want, ok := o.(bool)
			return ok && want == b
		})
	}
	return false
}
