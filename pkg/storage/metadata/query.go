package metadata

import (
	"sort"
	"strings"
	"time"

	"github.com/cloudemu/cloudemu/pkg/resource"
)

// Query narrows a listing. Zero-valued fields do not filter.
type Query struct {
	Provider resource.Provider
	Service  resource.ServiceType
	Kind     string

	// Parent filters by owning resource id when HasParent is set, so that
	// top-level resources (empty parent) can be selected explicitly.
	Parent    string
	HasParent bool

	IDPrefix string
	Metadata map[string]string
	States   []resource.State

	// After resumes a listing strictly after the given key.
	After *resource.Key

	// Now hides records whose TTL has passed when non-zero.
	Now time.Time

	Limit int
}

func (q Query) where() (string, []any, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, a ...any) {
		conds = append(conds, cond)
		args = append(args, a...)
	}

	if q.Provider != "" {
		add("provider = ?", string(q.Provider))
	}
	if q.Service != "" {
		add("service_type = ?", string(q.Service))
	}
	if q.Kind != "" {
		add("kind = ?", q.Kind)
	}
	if q.HasParent {
		add("parent = ?", q.Parent)
	}
	if q.IDPrefix != "" {
		add("id >= ? AND instr(id, ?) = 1", q.IDPrefix, q.IDPrefix)
	}
	if len(q.States) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(q.States)), ", ")
		states := make([]any, len(q.States))
		for i, s := range q.States {
			states[i] = string(s)
		}
		add("state IN ("+marks+")", states...)
	}
	if len(q.Metadata) > 0 {
		names := make([]string, 0, len(q.Metadata))
		for name := range q.Metadata {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			path, err := jsonPath(name)
			if err != nil {
				return "", nil, err
			}
			add("json_extract(metadata, ?) = ?", path, q.Metadata[name])
		}
	}
	if q.After != nil {
		add("(provider, service_type, id) > (?, ?, ?)",
			string(q.After.Provider), string(q.After.Service), q.After.ID)
	}
	if !q.Now.IsZero() {
		add("(expires_at IS NULL OR expires_at > ?)", q.Now.UnixNano())
	}

	if len(conds) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}
