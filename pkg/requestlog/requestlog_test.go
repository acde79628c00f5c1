package requestlog

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_JSON(t *testing.T) {
	t.Parallel()

	e := &Entry{
		ID:             "req-1",
		Timestamp:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Provider:       "aws",
		Service:        "object-storage",
		Operation:      "PutObject",
		Method:         "PUT",
		Path:           "/b/k",
		ResponseStatus: 200,
	}
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "PutObject", m["operation"])
	assert.NotContains(t, m, "error")
	assert.NotContains(t, m, "queryString")
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", Truncate([]byte("abc")))
	assert.Len(t, Truncate([]byte(strings.Repeat("x", MaxBodySize+10))), MaxBodySize)
}

func TestMemoryStore_LogAndGet(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore(10)

	e := &Entry{Provider: "aws", Method: "GET", Path: "/"}
	s.Log(e)
	require.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Same(t, e, s.Get(e.ID))
	assert.Nil(t, s.Get("missing"))

	s.Log(nil)
	assert.Equal(t, 1, s.Count())
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore(3)

	for i := range 5 {
		s.Log(&Entry{ID: fmt.Sprintf("e%d", i)})
	}
	assert.Equal(t, 3, s.Count())
	assert.Nil(t, s.Get("e0"))
	assert.Nil(t, s.Get("e1"))

	var ids []string
	for _, e := range s.List(nil) {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"e4", "e3", "e2"}, ids)
}

func TestMemoryStore_ListFilter(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore(0)

	s.Log(&Entry{ID: "1", Provider: "aws", Service: "object-storage", Operation: "PutObject", Method: "PUT", Path: "/b/k", ResponseStatus: 200})
	s.Log(&Entry{ID: "2", Provider: "aws", Service: "key-value", Operation: "PutItem", Method: "POST", Path: "/", ResponseStatus: 400, Error: "ValidationException"})
	s.Log(&Entry{ID: "3", Provider: "gcp", Service: "pub-sub", Operation: "Publish", Method: "POST", Path: "/v1/projects/p/topics/t:publish", ResponseStatus: 200})
	s.Log(&Entry{ID: "4", Provider: "aws", Service: "object-storage", Operation: "GetObject", Method: "GET", Path: "/b/k", ResponseStatus: 200})

	yes, no := true, false
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "provider", filter: Filter{Provider: "aws"}, want: []string{"4", "2", "1"}},
		{name: "service", filter: Filter{Service: "object-storage"}, want: []string{"4", "1"}},
		{name: "operation", filter: Filter{Operation: "Publish"}, want: []string{"3"}},
		{name: "method case-insensitive", filter: Filter{Method: "post"}, want: []string{"3", "2"}},
		{name: "path prefix", filter: Filter{Path: "/v1/"}, want: []string{"3"}},
		{name: "status", filter: Filter{StatusCode: 400}, want: []string{"2"}},
		{name: "has error", filter: Filter{HasError: &yes}, want: []string{"2"}},
		{name: "no error", filter: Filter{HasError: &no, Provider: "aws"}, want: []string{"4", "1"}},
		{name: "limit and offset", filter: Filter{Offset: 1, Limit: 2}, want: []string{"3", "2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var ids []string
			for _, e := range s.List(&tt.filter) {
				ids = append(ids, e.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestMemoryStore_Clear(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore(2)
	s.Log(&Entry{ID: "a"})
	s.Log(&Entry{ID: "b"})
	s.Log(&Entry{ID: "c"})
	s.Clear()
	assert.Zero(t, s.Count())
	assert.Empty(t, s.List(nil))

	s.Log(&Entry{ID: "d"})
	assert.NotNil(t, s.Get("d"))
}

func TestMemoryStore_AssignsIDsAndTimestamps(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(5)
	s.now = func() time.Time { return at }

	first, second := &Entry{}, &Entry{}
	s.Log(first)
	s.Clear()
	s.Log(second)
	assert.Equal(t, "req-1", first.ID)
	assert.Equal(t, "req-2", second.ID, "ids are not reused after Clear")
	assert.Equal(t, at, second.Timestamp)
}

func TestParseFilter(t *testing.T) {
	t.Parallel()

	f, err := ParseFilter(url.Values{
		"provider": {"aws"},
		"method":   {"get"},
		"status":   {"404"},
		"error":    {"true"},
		"limit":    {"5"},
		"offset":   {"2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "aws", f.Provider)
	assert.Equal(t, "get", f.Method)
	assert.Equal(t, 404, f.StatusCode)
	require.NotNil(t, f.HasError)
	assert.True(t, *f.HasError)
	assert.Equal(t, 5, f.Limit)
	assert.Equal(t, 2, f.Offset)

	f, err = ParseFilter(url.Values{})
	require.NoError(t, err)
	assert.Equal(t, &Filter{}, f)

	tests := []struct {
		query url.Values
		param string
	}{
		{url.Values{"limit": {"x"}}, "limit"},
		{url.Values{"offset": {"-1"}}, "offset"},
		{url.Values{"status": {"2xx"}}, "status"},
		{url.Values{"error": {"maybe"}}, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.param, func(t *testing.T) {
			t.Parallel()
			_, err := ParseFilter(tt.query)
			var pe *ParamError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.param, pe.Param)
		})
	}
}

func TestFilter_NilMatchesAll(t *testing.T) {
	t.Parallel()
	var f *Filter
	assert.True(t, f.Match(&Entry{Provider: "azure"}))
}
