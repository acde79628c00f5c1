package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ohler55/ojg/alt"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// Decode parses a JSON document into the value form the interpreter works
// on. Empty input decodes to an empty object.
func Decode(src []byte) (any, error) {
	if len(strings.TrimSpace(string(src))) == 0 {
		return map[string]any{}, nil
	}
	v, err := oj.Parse(src)
	if err != nil {
		return nil, &Failure{Name: ErrRuntime, Cause: "invalid JSON input: " + err.Error()}
	}
	return v, nil
}

// Encode renders a value as compact JSON.
func Encode(v any) []byte {
	return []byte(oj.JSON(v, &oj.Options{Sort: true}))
}

func compile(path string) (jp.Expr, error) {
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, &Failure{Name: ErrRuntime, Cause: fmt.Sprintf("invalid path %q: %v", path, err)}
	}
	return expr, nil
}

// lookup resolves a reference path against data. A path matching nothing
// is a States.Runtime failure.
func lookup(data any, path string) (any, error) {
	if path == "$" {
		return data, nil
	}
	expr, err := compile(path)
	if err != nil {
		return nil, err
	}
	got := expr.Get(data)
	switch {
	case len(got) == 0:
		return nil, &Failure{Name: ErrRuntime, Cause: fmt.Sprintf("path %q matched nothing in the input", path)}
	case len(got) == 1 && !isWildcard(path):
		return got[0], nil
	}
	return got, nil
}

func isWildcard(path string) bool {
	return strings.ContainsAny(path, "*?") || strings.Contains(path, "..") || strings.Contains(path, ":")
}

// exists reports whether path resolves to at least one value.
func exists(data any, path string) bool {
	if path == "$" {
		return true
	}
	expr, err := jp.ParseString(path)
	if err != nil {
		return false
	}
	return len(expr.Get(data)) > 0
}

// inputPath applies InputPath. A null path discards the input.
func inputPath(p Path, data any) (any, error) {
	switch {
	case !p.Set:
		return data, nil
	case p.Expr == "":
		return map[string]any{}, nil
	}
	return lookup(data, p.Expr)
}

// outputPath applies OutputPath.
func outputPath(p Path, data any) (any, error) {
	return inputPath(p, data)
}

// resultPath merges result into input at ResultPath. An absent path means
// "$"; a null path discards the result.
func resultPath(p Path, input, result any) (any, error) {
	path := "$"
	if p.Set {
		path = p.Expr
	}
	switch path {
	case "":
		return input, nil
	case "$":
		return result, nil
	}

	expr, err := compile(path)
	if err != nil {
		return nil, err
	}
	out := alt.Dup(input)
	if _, ok := out.(map[string]any); !ok {
		return nil, &Failure{Name: ErrRuntime, Cause: fmt.Sprintf("cannot apply ResultPath %q to a non-object input", path)}
	}
	if err := expr.SetOne(out, result); err != nil {
		return nil, &Failure{Name: ErrRuntime, Cause: fmt.Sprintf("ResultPath %q: %v", path, err)}
	}
	return out, nil
}

// template renders a Parameters, ResultSelector or ItemSelector payload.
// Keys ending in ".$" are resolved as paths against data, or against ctx
// when they start with "$$", or evaluated as intrinsic functions.
func template(raw json.RawMessage, data, ctx any) (any, error) {
	if len(raw) == 0 {
		return data, nil
	}
	tmpl, err := oj.Parse(raw)
	if err != nil {
		return nil, &Failure{Name: ErrRuntime, Cause: "invalid payload template: " + err.Error()}
	}
	return render(tmpl, data, ctx)
}

func render(tmpl, data, ctx any) (any, error) {
	switch t := tmpl.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			name, dynamic := strings.CutSuffix(k, ".$")
			if !dynamic {
				r, err := render(v, data, ctx)
				if err != nil {
					return nil, err
				}
				out[k] = r
				continue
			}
			expr, ok := v.(string)
			if !ok {
				return nil, &Failure{Name: ErrRuntime, Cause: fmt.Sprintf("field %q must hold a path string", k)}
			}
			r, err := resolve(expr, data, ctx)
			if err != nil {
				return nil, err
			}
			out[name] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			r, err := render(v, data, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return tmpl, nil
}

// resolve evaluates the value of a ".$" field.
func resolve(expr string, data, ctx any) (any, error) {
	switch {
	case strings.HasPrefix(expr, "$$"):
		return lookup(ctx, expr[1:])
	case strings.HasPrefix(expr, "$"):
		return lookup(data, expr)
	case strings.HasPrefix(expr, "States."):
		return intrinsic(expr, data, ctx)
	}
	return nil, &Failure{Name: ErrRuntime, Cause: fmt.Sprintf("%q is neither a path nor an intrinsic function", expr)}
}
