package matching

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// Lookup returns every value at path in data. A path without a leading
// "$" is treated as dotted ("data.color" is "$.data.color").
func Lookup(data any, path string) ([]any, error) {
	expr, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	return expr.Get(data), nil
}

func parsePath(path string) (jp.Expr, error) {
	if !strings.HasPrefix(path, "$") {
		path = "$." + path
	}
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath expression %q: %w", path, err)
	}
	return expr, nil
}

// valuesEqual compares two JSON values, treating numbers by value.
func valuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	if a, ok := toFloat64(actual); ok {
		e, ok := toFloat64(expected)
		return ok && a == e
	}
	return reflect.DeepEqual(actual, expected)
}

// toFloat64 attempts to convert a value to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
