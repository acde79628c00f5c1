package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cloudemu/cloudemu/pkg/resource"
)

// Mode selects how providers share storage.
type Mode string

// Storage modes.
const (
	// ModeIsolated gives each provider its own database and blob tree.
	ModeIsolated Mode = "isolated"

	// ModeShared puts every provider in one database and blob tree.
	ModeShared Mode = "shared"
)

// ParseMode parses a storage mode. The empty string selects ModeIsolated.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeIsolated:
		return ModeIsolated, nil
	case ModeShared:
		return ModeShared, nil
	}
	return "", fmt.Errorf("storage: unknown mode %q (want isolated or shared)", s)
}

// Set holds the stores backing a group of providers.
type Set struct {
	mode   Mode
	stores map[resource.Provider]*Store
	all    []*Store
}

// OpenSet opens stores under root for the given providers. In isolated mode
// each provider gets root/<provider>; in shared mode all of them use
// root/shared.
func OpenSet(ctx context.Context, root string, mode Mode, providers []resource.Provider, cfg Config, opts ...Option) (*Set, error) {
	set := &Set{mode: mode, stores: make(map[resource.Provider]*Store)}

	open := func(dir string) (*Store, error) {
		c := cfg
		c.Dir = filepath.Join(root, dir)
		return Open(ctx, c, opts...)
	}

	switch mode {
	case ModeShared:
		s, err := open("shared")
		if err != nil {
			return nil, err
		}
		set.all = append(set.all, s)
		for _, p := range providers {
			set.stores[p] = s
		}
	case ModeIsolated, "":
		set.mode = ModeIsolated
		for _, p := range providers {
			s, err := open(string(p))
			if err != nil {
				_ = set.Close()
				return nil, err
			}
			set.all = append(set.all, s)
			set.stores[p] = s
		}
	default:
		return nil, fmt.Errorf("storage: unknown mode %q", mode)
	}
	return set, nil
}

// Mode returns the set's storage mode.
func (s *Set) Mode() Mode { return s.mode }

// For returns the store serving p, or nil if p was not opened.
func (s *Set) For(p resource.Provider) *Store {
	return s.stores[p]
}

// Stores returns every distinct store in the set.
func (s *Set) Stores() []*Store {
	return s.all
}

// Close closes every store.
func (s *Set) Close() error {
	var errs []error
	for _, st := range s.all {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
