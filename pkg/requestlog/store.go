package requestlog

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Store keeps recent exchanges for inspection through the admin API.
type Store interface {
	Log(entry *Entry)
	Get(id string) *Entry
	List(filter *Filter) []*Entry // newest first
	Clear()
	Count() int
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Provider  string
	Service   string
	Operation string
	Method    string // case-insensitive
	Path      string // prefix

	StatusCode int
	HasError   *bool

	Limit  int
	Offset int
}

// ParamError reports a malformed filter query parameter.
type ParamError struct {
	Param string
	Want  string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s must be %s", e.Param, e.Want)
}

// ParseFilter builds a Filter from admin query parameters: provider,
// service, operation, method, path, status, error, limit and offset.
func ParseFilter(q url.Values) (*Filter, error) {
	f := &Filter{
		Provider:  q.Get("provider"),
		Service:   q.Get("service"),
		Operation: q.Get("operation"),
		Method:    q.Get("method"),
		Path:      q.Get("path"),
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"status", &f.StatusCode},
		{"limit", &f.Limit},
		{"offset", &f.Offset},
	}
	for _, p := range ints {
		s := q.Get(p.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, &ParamError{Param: p.name, Want: "a non-negative integer"}
		}
		*p.dst = n
	}
	if s := q.Get("error"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, &ParamError{Param: "error", Want: "true or false"}
		}
		f.HasError = &b
	}
	return f, nil
}

// Match reports whether e passes every set criterion. Limit and Offset
// are applied by the store.
func (f *Filter) Match(e *Entry) bool {
	if f == nil {
		return true
	}
	switch {
	case f.Provider != "" && e.Provider != f.Provider:
		return false
	case f.Service != "" && e.Service != f.Service:
		return false
	case f.Operation != "" && e.Operation != f.Operation:
		return false
	case f.Method != "" && !strings.EqualFold(e.Method, f.Method):
		return false
	case f.Path != "" && !strings.HasPrefix(e.Path, f.Path):
		return false
	case f.StatusCode != 0 && e.ResponseStatus != f.StatusCode:
		return false
	case f.HasError != nil && (e.Error != "") != *f.HasError:
		return false
	}
	return true
}
