package storage

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloudemu/cloudemu/pkg/resource"
)

// Default and maximum page sizes for listings.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Filter narrows a listing. Zero-valued fields do not filter.
type Filter struct {
	Provider resource.Provider
	Service  resource.ServiceType
	Kind     string

	// Parent selects children of one resource. Set TopLevel to select
	// resources without a parent.
	Parent   string
	TopLevel bool

	IDPrefix string
	Metadata map[string]string
	States   []resource.State

	// Cursor is an opaque continuation token from a previous Page.
	Cursor string

	// PageSize bounds each underlying query.
	PageSize int

	// Limit caps the total number of resources yielded by List. Zero
	// means no limit.
	Limit int
}

// Page is one slice of a listing.
type Page struct {
	Items []*resource.Resource `json:"items"`

	// NextCursor is empty when the listing is exhausted.
	NextCursor string `json:"nextCursor,omitempty"`
}

func (f Filter) pageSize() int {
	switch {
	case f.PageSize <= 0:
		return DefaultPageSize
	case f.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return f.PageSize
	}
}

// CursorAfter returns a cursor that resumes a listing strictly after key.
func CursorAfter(key resource.Key) string {
	b, _ := json.Marshal(key)
	return base64.RawURLEncoding.EncodeToString(b)
}

// ErrInvalidCursor is returned for malformed continuation tokens.
var ErrInvalidCursor = errors.New("storage: invalid continuation token")

// DecodeCursor parses a cursor produced by CursorAfter or a Page.
func DecodeCursor(cursor string) (*resource.Key, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var key resource.Key
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return &key, nil
}
