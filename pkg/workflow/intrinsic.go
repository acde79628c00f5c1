package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/ohler55/ojg/oj"
)

type intrinsicFunc func(args []any) (any, error)

var intrinsics = map[string]intrinsicFunc{
	"States.Format":       fnFormat,
	"States.StringToJson": fnStringToJSON,
	"States.JsonToString": fnJSONToString,
	"States.Array":        func(args []any) (any, error) { return args, nil },
	"States.ArrayLength":  fnArrayLength,
	"States.MathAdd":      fnMathAdd,
	"States.UUID":         func([]any) (any, error) { return uuid.NewString(), nil },
}

// intrinsic evaluates an intrinsic function call such as
// States.Format('Hello, {}', $.name).
func intrinsic(expr string, data, ctx any) (any, error) {
	expr = strings.TrimSpace(expr)
	open := strings.IndexByte(expr, '(')
	if open < 0 || !strings.HasSuffix(expr, ")") {
		return nil, intrinsicFailure(expr, "malformed call")
	}
	name := expr[:open]
	fn, ok := intrinsics[name]
	if !ok {
		return nil, intrinsicFailure(expr, "unknown function "+name)
	}

	raw, err := splitArgs(expr[open+1 : len(expr)-1])
	if err != nil {
		return nil, intrinsicFailure(expr, err.Error())
	}
	args := make([]any, 0, len(raw))
	for _, a := range raw {
		v, err := intrinsicArg(a, data, ctx)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	out, err := fn(args)
	if err != nil {
		return nil, intrinsicFailure(expr, err.Error())
	}
	return out, nil
}

func intrinsicFailure(expr, msg string) error {
	return &Failure{Name: ErrIntrinsicFailure, Cause: fmt.Sprintf("%s: %s", expr, msg)}
}

// splitArgs splits an argument list on top-level commas.
func splitArgs(s string) ([]string, error) {
	var (
		args    []string
		depth   int
		quoted  bool
		escaped bool
		start   int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '\'':
			quoted = !quoted
		case quoted:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			args = append(args, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	if quoted || depth != 0 {
		return nil, fmt.Errorf("unbalanced argument list")
	}
	if last := strings.TrimSpace(s[start:]); last != "" || len(args) > 0 {
		args = append(args, last)
	}
	return args, nil
}

func intrinsicArg(a string, data, ctx any) (any, error) {
	switch {
	case strings.HasPrefix(a, "'"):
		if len(a) < 2 || !strings.HasSuffix(a, "'") {
			return nil, intrinsicFailure(a, "unterminated string")
		}
		return unescape(a[1 : len(a)-1]), nil
	case strings.HasPrefix(a, "$"):
		return resolve(a, data, ctx)
	case strings.HasPrefix(a, "States."):
		return intrinsic(a, data, ctx)
	case a == "null":
		return nil, nil
	case a == "true", a == "false":
		return a == "true", nil
	}
	if n, err := strconv.ParseInt(a, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(a, 64); err == nil {
		return f, nil
	}
	return nil, intrinsicFailure(a, "unrecognized argument")
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func fnFormat(args []any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("a format string is required")
	}
	format, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("the format argument must be a string")
	}
	var (
		b    strings.Builder
		next = 1
	)
	for {
		i := strings.Index(format, "{}")
		if i < 0 {
			b.WriteString(format)
			break
		}
		if next >= len(args) {
			return nil, fmt.Errorf("not enough arguments for format")
		}
		b.WriteString(format[:i])
		b.WriteString(formatValue(args[next]))
		next++
		format = format[i+2:]
	}
	if next != len(args) {
		return nil, fmt.Errorf("too many arguments for format")
	}
	return b.String(), nil
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return oj.JSON(v)
}

func fnStringToJSON(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("exactly one argument is required")
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("the argument must be a string")
	}
	return oj.ParseString(s)
}

func fnJSONToString(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("exactly one argument is required")
	}
	return oj.JSON(args[0], &oj.Options{Sort: true}), nil
}

func fnArrayLength(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("exactly one argument is required")
	}
	arr, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("the argument must be an array")
	}
	return int64(len(arr)), nil
}

func fnMathAdd(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("exactly two arguments are required")
	}
	a, aok := args[0].(int64)
	b, bok := args[1].(int64)
	if !aok || !bok {
		return nil, fmt.Errorf("both arguments must be integers")
	}
	return a + b, nil
}
