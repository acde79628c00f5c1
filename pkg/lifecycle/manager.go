package lifecycle

import (
	"context"
	"errors"
	"iter"
	"log/slog"

	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

// Manager applies lifecycle rules on top of a storage engine. Handlers
// reach storage only through a Manager.
type Manager struct {
	engine  storage.Engine
	log     *slog.Logger
	parents *gate
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager wraps engine.
func NewManager(engine storage.Engine, opts ...Option) *Manager {
	m := &Manager{engine: engine, log: slog.New(slog.DiscardHandler), parents: newGate()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Engine returns the underlying storage engine.
func (m *Manager) Engine() storage.Engine { return m.engine }

// Create stores a new Active resource.
func (m *Manager) Create(ctx context.Context, res *resource.Resource) (*resource.Resource, error) {
	return m.CreateWith(ctx, res, nil)
}

// InitFunc prepares a resource while it is held in the Creating state.
type InitFunc func(ctx context.Context, r *resource.Resource) error

// CreateWith stores res in the Creating state, runs init outside the key
// lock, and then commits the result as Active. Concurrent readers see
// ErrResourceBusy until the create finishes. If init fails the record is
// rolled back (Creating -> Deleted) and init's error is returned.
func (m *Manager) CreateWith(ctx context.Context, res *resource.Resource, init InitFunc) (*resource.Resource, error) {
	rec := res.Clone()
	if init == nil {
		rec.State = resource.StateActive
		return m.engine.Create(ctx, rec)
	}

	rec.State = resource.StateCreating
	created, err := m.engine.Create(ctx, rec)
	if err != nil {
		return nil, err
	}

	work := created.Clone()
	if err := init(ctx, work); err != nil {
		if _, derr := m.engine.Delete(ctx, created.Key); derr != nil {
			m.log.Warn("rollback of failed create", "key", created.Key.String(), "error", derr)
		}
		return nil, err
	}

	return m.engine.Update(ctx, created.Key, func(cur *resource.Resource) error {
		if err := Validate(cur.Key, cur.State, resource.StateActive); err != nil {
			return err
		}
		apply(cur, work)
		cur.State = resource.StateActive
		return nil
	})
}

// Get returns a readable resource. Resources being created or deleted are
// reported as busy; a resource in Updating returns its last committed
// state.
func (m *Manager) Get(ctx context.Context, key resource.Key) (*resource.Resource, error) {
	r, err := m.engine.Retrieve(ctx, key)
	if err != nil {
		return nil, err
	}
	if r.State == resource.StateCreating || r.State == resource.StateDeleting {
		return nil, &BusyError{Key: key, State: r.State}
	}
	return r, nil
}

// ReadBlob returns the content of a readable resource.
func (m *Manager) ReadBlob(ctx context.Context, key resource.Key) (*resource.Resource, []byte, error) {
	r, err := m.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	content, err := m.engine.ReadBlob(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return r, content, nil
}

// Mutate applies fn atomically to an Active resource. The resource stays
// Active; fn must not change its state.
func (m *Manager) Mutate(ctx context.Context, key resource.Key, fn func(*resource.Resource) error) (*resource.Resource, error) {
	return m.engine.Update(ctx, key, func(cur *resource.Resource) error {
		if err := requireActive(cur, resource.StateActive); err != nil {
			return err
		}
		if err := fn(cur); err != nil {
			return err
		}
		cur.State = resource.StateActive
		return nil
	})
}

// MutateExclusive moves the resource to Updating, runs fn outside the key
// lock, then commits fn's changes and returns to Active. While fn runs,
// other writers get ErrResourceBusy. If fn fails the resource returns to
// Active unchanged.
func (m *Manager) MutateExclusive(ctx context.Context, key resource.Key, fn func(context.Context, *resource.Resource) error) (*resource.Resource, error) {
	held, err := m.Transition(ctx, key, resource.StateUpdating)
	if err != nil {
		return nil, err
	}

	work := held.Clone()
	fnErr := fn(ctx, work)

	out, err := m.engine.Update(ctx, key, func(cur *resource.Resource) error {
		if err := Validate(cur.Key, cur.State, resource.StateActive); err != nil {
			return err
		}
		if fnErr == nil {
			apply(cur, work)
		}
		cur.State = resource.StateActive
		return nil
	})
	if fnErr != nil {
		if err != nil {
			m.log.Warn("restoring state after failed update", "key", key.String(), "error", err)
		}
		return nil, fnErr
	}
	return out, err
}

// Upsert replaces an Active resource's mutable fields with res's, or
// creates it when absent.
func (m *Manager) Upsert(ctx context.Context, res *resource.Resource) (*resource.Resource, error) {
	return m.upsert(ctx, res, nil)
}

// Replace is Upsert that also returns the content it overwrote, read under
// the key lock. prev is nil when res was created.
func (m *Manager) Replace(ctx context.Context, res *resource.Resource) (out *resource.Resource, prev []byte, err error) {
	out, err = m.upsert(ctx, res, func(cur *resource.Resource) error {
		prev, err = m.engine.ReadBlob(ctx, cur.Key)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return out, prev, nil
}

func (m *Manager) upsert(ctx context.Context, res *resource.Resource, before func(*resource.Resource) error) (*resource.Resource, error) {
	for attempt := 0; ; attempt++ {
		out, err := m.Mutate(ctx, res.Key, func(cur *resource.Resource) error {
			if before != nil {
				if err := before(cur); err != nil {
					return err
				}
			}
			apply(cur, res)
			return nil
		})
		if !errors.Is(err, storage.ErrNotFound) {
			return out, err
		}

		out, err = m.Create(ctx, res)
		if !errors.Is(err, storage.ErrAlreadyExists) || attempt > 0 {
			return out, err
		}
	}
}

// WithParent runs fn while parent is readable and not being deleted. A
// Delete of parent waits for fn to return, and fn never starts once the
// parent is Deleting, so children written by fn are always seen by the
// parent's delete check.
func (m *Manager) WithParent(ctx context.Context, parent resource.Key, fn func(*resource.Resource) error) error {
	release := m.parents.share(parent.String())
	defer release()

	p, err := m.Get(ctx, parent)
	if err != nil {
		return err
	}
	return fn(p)
}

// Delete moves an Active resource to Deleting and removes it. The Deleting
// state is committed before check runs, and writers inside WithParent are
// drained, so check sees every child. check, when non-nil, can veto the
// delete (for example a non-empty bucket); the resource then returns to
// Active. The returned resource is in the Deleted state.
func (m *Manager) Delete(ctx context.Context, key resource.Key, check func(*resource.Resource) error) (*resource.Resource, error) {
	held, err := m.engine.Update(ctx, key, func(cur *resource.Resource) error {
		if err := requireActive(cur, resource.StateDeleting); err != nil {
			return err
		}
		cur.State = resource.StateDeleting
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.parents.drain(key.String())

	if check != nil {
		if err := check(held); err != nil {
			m.restore(ctx, key)
			return nil, err
		}
	}
	return m.engine.Delete(ctx, key)
}

// restore returns a resource whose delete was vetoed to Active. This is the
// one path out of Deleting other than removal.
func (m *Manager) restore(ctx context.Context, key resource.Key) {
	_, err := m.engine.Update(ctx, key, func(cur *resource.Resource) error {
		if cur.State != resource.StateDeleting {
			return &TransitionError{Key: key, From: cur.State, To: resource.StateActive}
		}
		cur.State = resource.StateActive
		return nil
	})
	if err != nil {
		m.log.Warn("restoring resource after vetoed delete", "key", key.String(), "error", err)
	}
}

// DeleteChildren deletes every Active child of parent within one provider
// and service type. Children that vanish concurrently are skipped.
func (m *Manager) DeleteChildren(ctx context.Context, p resource.Provider, s resource.ServiceType, parent string) (int, error) {
	var keys []resource.Key
	for r, err := range m.List(ctx, storage.Filter{Provider: p, Service: s, Parent: parent}) {
		if err != nil {
			return 0, err
		}
		keys = append(keys, r.Key)
	}

	n := 0
	for _, key := range keys {
		if _, err := m.Delete(ctx, key, nil); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Transition moves a resource to state to, enforcing the transition
// table. Moving to Deleted removes the record.
func (m *Manager) Transition(ctx context.Context, key resource.Key, to resource.State) (*resource.Resource, error) {
	out, err := m.engine.Update(ctx, key, func(cur *resource.Resource) error {
		if err := Validate(key, cur.State, to); err != nil {
			if cur.State.Transitional() && to != resource.StateDeleted {
				return &BusyError{Key: key, State: cur.State}
			}
			return err
		}
		if to != resource.StateDeleted {
			cur.State = to
		}
		return nil
	})
	if err != nil || to != resource.StateDeleted {
		return out, err
	}
	return m.engine.Delete(ctx, key)
}

// List yields readable resources. Unless f names states explicitly,
// resources being created or deleted are hidden.
func (m *Manager) List(ctx context.Context, f storage.Filter) iter.Seq2[*resource.Resource, error] {
	return m.engine.List(ctx, visible(f))
}

// ListPage returns one page of readable resources.
func (m *Manager) ListPage(ctx context.Context, f storage.Filter) (*storage.Page, error) {
	return m.engine.ListPage(ctx, visible(f))
}

// Count returns the number of readable resources matching f.
func (m *Manager) Count(ctx context.Context, f storage.Filter) (int, error) {
	return m.engine.Count(ctx, visible(f))
}

// RecoveryReport summarizes a Recover pass.
type RecoveryReport struct {
	RolledBack int // Creating records removed
	Restored   int // Updating records returned to Active
	Completed  int // Deleting records removed
}

// Recover repairs records stranded in transitional states by a crash. It
// must run before requests are served.
func (m *Manager) Recover(ctx context.Context) (RecoveryReport, error) {
	var (
		report   RecoveryReport
		stranded []*resource.Resource
	)
	f := storage.Filter{States: []resource.State{
		resource.StateCreating, resource.StateUpdating, resource.StateDeleting,
	}}
	for r, err := range m.engine.List(ctx, f) {
		if err != nil {
			return report, err
		}
		stranded = append(stranded, r)
	}

	for _, r := range stranded {
		var err error
		switch r.State {
		case resource.StateCreating:
			_, err = m.Transition(ctx, r.Key, resource.StateDeleted)
			if err == nil {
				report.RolledBack++
			}
		case resource.StateDeleting:
			_, err = m.Transition(ctx, r.Key, resource.StateDeleted)
			if err == nil {
				report.Completed++
			}
		case resource.StateUpdating:
			_, err = m.Transition(ctx, r.Key, resource.StateActive)
			if err == nil {
				report.Restored++
			}
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return report, err
		}
	}

	if len(stranded) > 0 {
		m.log.Info("recovered stranded resources",
			"rolled_back", report.RolledBack,
			"restored", report.Restored,
			"completed", report.Completed)
	}
	return report, nil
}

func visible(f storage.Filter) storage.Filter {
	if len(f.States) == 0 {
		f.States = []resource.State{resource.StateActive, resource.StateUpdating}
	}
	return f
}

// apply copies the caller-controlled fields of src onto dst.
func apply(dst, src *resource.Resource) {
	dst.Kind = src.Kind
	dst.Parent = src.Parent
	dst.Metadata = src.Metadata
	dst.ExpiresAt = src.ExpiresAt
	if src.Content != nil {
		dst.Content = src.Content
	} else if src.Blob == nil {
		dst.Blob = nil
	}
}
