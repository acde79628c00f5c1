// Package storage is the single persistence layer behind every emulated
// service.
//
// Resource records live in SQLite (see package metadata) and payloads live
// as files under a blob root (see package blobfs). A blob is always written
// and synced before the metadata that references it commits; on delete the
// metadata row goes first and the blob file second. Readers therefore never
// observe committed metadata pointing at a blob that was not yet written.
//
// Writes to one key are serialized by a per-key lock with a bounded wait.
// A caller that cannot get the lock in time receives an error of kind
// KindBusy rather than queueing indefinitely.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cloudemu/cloudemu/internal/keylock"
	"github.com/cloudemu/cloudemu/pkg/metrics"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/storage/blobfs"
	"github.com/cloudemu/cloudemu/pkg/storage/metadata"
)

// DefaultLockTimeout bounds how long a writer waits for a busy key.
const DefaultLockTimeout = 2 * time.Second

const (
	expireBatch   = 256
	readBlobTries = 3
)

// ErrInvalidKey is returned for keys with an unknown provider, service type,
// or an empty id.
var ErrInvalidKey = errors.New("storage: invalid resource key")

// Engine is the persistence contract used by the lifecycle manager and the
// admin API.
type Engine interface {
	// Create inserts a new resource. The key must not exist.
	Create(ctx context.Context, res *resource.Resource) (*resource.Resource, error)

	// Store inserts or fully replaces the resource at res.Key.
	Store(ctx context.Context, res *resource.Resource) (*resource.Resource, error)

	// Retrieve returns the resource's metadata without its content.
	Retrieve(ctx context.Context, key resource.Key) (*resource.Resource, error)

	// ReadBlob returns the resource's full, checksum-verified content.
	ReadBlob(ctx context.Context, key resource.Key) ([]byte, error)

	// Update applies fn to a copy of the current resource under the key
	// lock and commits the result. An error from fn aborts the update and
	// is returned unchanged.
	Update(ctx context.Context, key resource.Key, fn func(*resource.Resource) error) (*resource.Resource, error)

	// Delete removes the resource and returns its final state.
	Delete(ctx context.Context, key resource.Key) (*resource.Resource, error)

	// List yields matching resources in key order, fetching lazily.
	List(ctx context.Context, f Filter) iter.Seq2[*resource.Resource, error]

	// ListPage returns one page and a cursor for the next.
	ListPage(ctx context.Context, f Filter) (*Page, error)

	// Count returns the number of matching live resources.
	Count(ctx context.Context, f Filter) (int, error)

	// Expire removes resources whose TTL has passed.
	Expire(ctx context.Context) (int, error)

	// ReclaimOrphans deletes blob files no record references.
	ReclaimOrphans(ctx context.Context) (int, error)

	Close() error
}

// Config configures a Store.
type Config struct {
	// Dir holds metadata.db and the blobs/ tree. It is created if missing.
	Dir string

	Compression blobfs.Compression

	// PoolSize is the number of SQLite connections. Zero picks a default.
	PoolSize int

	// LockTimeout overrides DefaultLockTimeout when positive.
	LockTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock replaces time.Now, mostly for TTL tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLockTimeout sets the per-key lock wait.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// Store is the SQLite and filesystem backed Engine.
type Store struct {
	dir         string
	db          *metadata.DB
	blobs       *blobfs.Store
	locks       *keylock.Locker
	lockTimeout time.Duration
	now         func() time.Time
	log         *slog.Logger
}

var _ Engine = (*Store)(nil)

// Open opens or creates a store under cfg.Dir. A data directory that cannot
// be created or written is reported as a KindIO error.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("storage: Dir is required")
	}

	s := &Store{
		dir:         cfg.Dir,
		locks:       keylock.New(),
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
		log:         slog.New(slog.DiscardHandler),
	}
	if cfg.LockTimeout > 0 {
		s.lockTimeout = cfg.LockTimeout
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, newError("open", KindIO, resource.Key{}, err)
	}

	blobs, err := blobfs.Open(blobfs.Config{
		Root:        filepath.Join(cfg.Dir, "blobs"),
		Compression: cfg.Compression,
	})
	if err != nil {
		return nil, newError("open", KindIO, resource.Key{}, err)
	}

	db, err := metadata.Open(ctx, metadata.Config{
		Path:     filepath.Join(cfg.Dir, "metadata.db"),
		PoolSize: cfg.PoolSize,
		Logger:   s.log,
	})
	if err != nil {
		return nil, newError("open", KindIO, resource.Key{}, err)
	}

	s.db = db
	s.blobs = blobs
	s.log.Info("storage opened", "dir", cfg.Dir, "compression", string(cfg.Compression))
	return s, nil
}

// Dir returns the store's data directory.
func (s *Store) Dir() string { return s.dir }

// Close releases the database. Outstanding operations must have finished.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return newError("close", KindIO, resource.Key{}, err)
	}
	return nil
}

func (s *Store) lock(ctx context.Context, op string, key resource.Key) (func(), error) {
	unlock, err := s.locks.Lock(ctx, key.String(), s.lockTimeout)
	if err != nil {
		if errors.Is(err, keylock.ErrTimeout) {
			return nil, newError(op, KindBusy, key, err)
		}
		return nil, newError(op, KindIO, key, err)
	}
	return unlock, nil
}

func (s *Store) observe(op string, start time.Time, errp *error) {
	result := "ok"
	if err := *errp; err != nil {
		if k := KindOf(err); k != 0 {
			result = k.String()
		} else {
			result = "error"
		}
	}
	metrics.ObserveStorage(op, result, time.Since(start))
}

// Create implements Engine.
func (s *Store) Create(ctx context.Context, res *resource.Resource) (out *resource.Resource, err error) {
	const op = "create"
	defer s.observe(op, time.Now(), &err)

	if err := validKey(op, res); err != nil {
		return nil, err
	}
	unlock, err := s.lock(ctx, op, res.Key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now().UTC()
	existing, err := s.get(ctx, op, res.Key)
	switch {
	case err == nil && !existing.Expired(now):
		return nil, newError(op, KindAlreadyExists, res.Key, nil)
	case err == nil:
		if err := s.purge(ctx, op, existing); err != nil {
			return nil, err
		}
	case KindOf(err) != KindNotFound:
		return nil, err
	}

	rec := res.Clone()
	rec.Content = nil
	rec.Blob = nil
	if rec.State == "" {
		rec.State = resource.StateActive
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	if res.Content != nil {
		info, err := s.blobs.Write(res.Key, res.Content)
		if err != nil {
			return nil, newError(op, KindIO, res.Key, err)
		}
		rec.Blob = &info
	}

	if err := s.db.Insert(ctx, rec); err != nil {
		s.dropBlob(rec.Blob, nil)
		if errors.Is(err, metadata.ErrExists) {
			return nil, newError(op, KindAlreadyExists, res.Key, nil)
		}
		return nil, newError(op, KindIO, res.Key, err)
	}
	return rec.Clone(), nil
}

// Store implements Engine. When res.Content is nil the stored blob is kept
// only if res.Blob still names it; otherwise the resource ends up without
// content.
func (s *Store) Store(ctx context.Context, res *resource.Resource) (out *resource.Resource, err error) {
	const op = "store"
	defer s.observe(op, time.Now(), &err)

	if err := validKey(op, res); err != nil {
		return nil, err
	}
	unlock, err := s.lock(ctx, op, res.Key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now().UTC()
	existing, err := s.get(ctx, op, res.Key)
	if err != nil && KindOf(err) != KindNotFound {
		return nil, err
	}
	if existing != nil && existing.Expired(now) {
		if err := s.purge(ctx, op, existing); err != nil {
			return nil, err
		}
		existing = nil
	}
	return s.commit(ctx, op, existing, res, now)
}

// commit writes next over prev (which may be nil). The caller holds the
// key lock.
func (s *Store) commit(ctx context.Context, op string, prev, next *resource.Resource, now time.Time) (*resource.Resource, error) {
	rec := next.Clone()
	rec.Content = nil
	if rec.State == "" {
		rec.State = resource.StateActive
	}
	rec.UpdatedAt = now
	switch {
	case prev != nil:
		rec.CreatedAt = prev.CreatedAt
	case rec.CreatedAt.IsZero():
		rec.CreatedAt = now
	}

	var prevBlob *resource.BlobInfo
	if prev != nil {
		prevBlob = prev.Blob
	}

	switch {
	case next.Content != nil:
		info, err := s.blobs.Write(next.Key, next.Content)
		if err != nil {
			return nil, newError(op, KindIO, next.Key, err)
		}
		rec.Blob = &info
	case rec.Blob != nil && (prevBlob == nil || rec.Blob.Path != prevBlob.Path):
		rec.Blob = nil
	}

	if err := s.db.Upsert(ctx, rec); err != nil {
		s.dropBlob(rec.Blob, prevBlob)
		return nil, newError(op, KindIO, next.Key, err)
	}
	s.dropBlob(prevBlob, rec.Blob)
	return rec.Clone(), nil
}

// Retrieve implements Engine. Expired resources are reported as not found.
func (s *Store) Retrieve(ctx context.Context, key resource.Key) (out *resource.Resource, err error) {
	const op = "retrieve"
	defer s.observe(op, time.Now(), &err)

	if err := key.Validate(); err != nil {
		return nil, newError(op, KindNotFound, key, fmt.Errorf("%w: %v", ErrInvalidKey, err))
	}
	r, err := s.get(ctx, op, key)
	if err != nil {
		return nil, err
	}
	if r.Expired(s.now()) {
		return nil, newError(op, KindNotFound, key, nil)
	}
	return r, nil
}

// ReadBlob implements Engine. Reads take no lock: blob files are immutable
// once referenced, so a concurrent overwrite can only move the record to a
// new path. A missing file behind live metadata is reported as
// KindInconsistent, as is a checksum mismatch.
func (s *Store) ReadBlob(ctx context.Context, key resource.Key) (out []byte, err error) {
	const op = "read_blob"
	defer s.observe(op, time.Now(), &err)

	var lastPath string
	for range readBlobTries {
		r, err := s.Retrieve(ctx, key)
		if err != nil {
			var se *Error
			if errors.As(err, &se) {
				se.Op = op
			}
			return nil, err
		}
		if r.Blob == nil {
			return []byte{}, nil
		}
		if r.Blob.Path == lastPath {
			return nil, newError(op, KindInconsistent, key, fmt.Errorf("blob %s missing", lastPath))
		}

		content, err := s.blobs.Read(*r.Blob)
		switch {
		case err == nil:
			return content, nil
		case errors.Is(err, fs.ErrNotExist):
			lastPath = r.Blob.Path
			continue
		case errors.Is(err, blobfs.ErrChecksumMismatch):
			return nil, newError(op, KindInconsistent, key, err)
		default:
			return nil, newError(op, KindIO, key, err)
		}
	}
	return nil, newError(op, KindInconsistent, key, fmt.Errorf("blob %s missing", lastPath))
}

// Update implements Engine. fn receives a deep copy; setting Content
// replaces the blob and clearing Blob drops it. Key changes are ignored.
func (s *Store) Update(ctx context.Context, key resource.Key, fn func(*resource.Resource) error) (out *resource.Resource, err error) {
	const op = "update"
	defer s.observe(op, time.Now(), &err)

	if err := key.Validate(); err != nil {
		return nil, newError(op, KindNotFound, key, fmt.Errorf("%w: %v", ErrInvalidKey, err))
	}
	unlock, err := s.lock(ctx, op, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now().UTC()
	cur, err := s.get(ctx, op, key)
	if err != nil {
		return nil, err
	}
	if cur.Expired(now) {
		return nil, newError(op, KindNotFound, key, nil)
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Key = key
	return s.commit(ctx, op, cur, next, now)
}

// Delete implements Engine. The returned resource carries StateDeleted. A
// blob file that cannot be removed after the metadata is gone is logged and
// left for orphan reclamation.
func (s *Store) Delete(ctx context.Context, key resource.Key) (out *resource.Resource, err error) {
	const op = "delete"
	defer s.observe(op, time.Now(), &err)

	if err := key.Validate(); err != nil {
		return nil, newError(op, KindNotFound, key, fmt.Errorf("%w: %v", ErrInvalidKey, err))
	}
	unlock, err := s.lock(ctx, op, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.get(ctx, op, key)
	if err != nil {
		return nil, err
	}
	if err := s.purge(ctx, op, cur); err != nil {
		return nil, err
	}
	if cur.Expired(s.now()) {
		return nil, newError(op, KindNotFound, key, nil)
	}

	cur.State = resource.StateDeleted
	cur.UpdatedAt = s.now().UTC()
	return cur, nil
}

// purge removes a record and then its blob. The caller holds the key lock.
func (s *Store) purge(ctx context.Context, op string, r *resource.Resource) error {
	if err := s.db.Delete(ctx, r.Key); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return newError(op, KindNotFound, r.Key, nil)
		}
		return newError(op, KindIO, r.Key, err)
	}
	s.dropBlob(r.Blob, nil)
	return nil
}

// dropBlob removes old unless keep names the same file.
func (s *Store) dropBlob(old, keep *resource.BlobInfo) {
	if old == nil || (keep != nil && keep.Path == old.Path) {
		return
	}
	if err := s.blobs.Remove(old.Path); err != nil {
		s.log.Warn("blob removal failed; left for reclamation", "path", old.Path, "error", err)
	}
}

func (s *Store) get(ctx context.Context, op string, key resource.Key) (*resource.Resource, error) {
	r, err := s.db.Get(ctx, key)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, newError(op, KindNotFound, key, nil)
		}
		return nil, newError(op, KindIO, key, err)
	}
	return r, nil
}

func (s *Store) query(f Filter) (metadata.Query, error) {
	after, err := DecodeCursor(f.Cursor)
	if err != nil {
		return metadata.Query{}, err
	}
	q := metadata.Query{
		Provider: f.Provider,
		Service:  f.Service,
		Kind:     f.Kind,
		IDPrefix: f.IDPrefix,
		Metadata: f.Metadata,
		States:   f.States,
		After:    after,
		Now:      s.now(),
	}
	if f.Parent != "" || f.TopLevel {
		q.Parent = f.Parent
		q.HasParent = true
	}
	return q, nil
}

// List implements Engine. Each underlying query fetches at most one page,
// resuming strictly after the last key yielded, so a listing can be
// abandoned at any point and restarted from a cursor.
func (s *Store) List(ctx context.Context, f Filter) iter.Seq2[*resource.Resource, error] {
	return func(yield func(*resource.Resource, error) bool) {
		q, err := s.query(f)
		if err != nil {
			yield(nil, newError("list", KindIO, resource.Key{}, err))
			return
		}
		size := f.pageSize()
		remaining := f.Limit

		for {
			q.Limit = size
			if remaining > 0 && remaining < size {
				q.Limit = remaining
			}

			start := time.Now()
			batch, err := s.db.Query(ctx, q)
			if err != nil {
				err = newError("list", KindIO, resource.Key{}, err)
			}
			s.observe("list", start, &err)
			if err != nil {
				yield(nil, err)
				return
			}

			for _, r := range batch {
				if !yield(r, nil) {
					return
				}
			}
			if remaining > 0 {
				remaining -= len(batch)
				if remaining <= 0 {
					return
				}
			}
			if len(batch) < q.Limit {
				return
			}
			last := batch[len(batch)-1].Key
			q.After = &last
		}
	}
}

// ListPage implements Engine.
func (s *Store) ListPage(ctx context.Context, f Filter) (out *Page, err error) {
	const op = "list_page"
	defer s.observe(op, time.Now(), &err)

	q, err := s.query(f)
	if err != nil {
		return nil, newError(op, KindIO, resource.Key{}, err)
	}
	size := f.pageSize()
	q.Limit = size + 1

	items, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, newError(op, KindIO, resource.Key{}, err)
	}

	page := &Page{Items: items}
	if len(items) > size {
		page.Items = items[:size]
		page.NextCursor = CursorAfter(page.Items[size-1].Key)
	}
	if page.Items == nil {
		page.Items = []*resource.Resource{}
	}
	return page, nil
}

// Count implements Engine.
func (s *Store) Count(ctx context.Context, f Filter) (n int, err error) {
	const op = "count"
	defer s.observe(op, time.Now(), &err)

	f.Cursor = ""
	q, err := s.query(f)
	if err != nil {
		return 0, newError(op, KindIO, resource.Key{}, err)
	}
	n, err = s.db.Count(ctx, q)
	if err != nil {
		return 0, newError(op, KindIO, resource.Key{}, err)
	}
	return n, nil
}

// Expire implements Engine. Keys that are locked by a writer are skipped
// and picked up by a later pass.
func (s *Store) Expire(ctx context.Context) (n int, err error) {
	const op = "expire"
	defer s.observe(op, time.Now(), &err)

	now := s.now()
	keys, err := s.db.ExpiredKeys(ctx, now, expireBatch)
	if err != nil {
		return 0, newError(op, KindIO, resource.Key{}, err)
	}

	for _, key := range keys {
		unlock, err := s.locks.Lock(ctx, key.String(), 0)
		if err != nil {
			continue
		}
		cur, err := s.get(ctx, op, key)
		if err == nil && cur.Expired(now) {
			err = s.purge(ctx, op, cur)
			if err == nil {
				n++
			}
		}
		unlock()
		if err != nil && KindOf(err) != KindNotFound {
			return n, err
		}
	}

	if n > 0 {
		metrics.ResourcesExpired(n)
		s.log.Debug("expired resources removed", "count", n)
	}
	return n, nil
}

// ReclaimOrphans implements Engine. It must run before the store serves
// writes, since a blob written moments before its metadata commit looks
// orphaned.
func (s *Store) ReclaimOrphans(ctx context.Context) (n int, err error) {
	const op = "reclaim"
	defer s.observe(op, time.Now(), &err)

	referenced, err := s.db.BlobPaths(ctx)
	if err != nil {
		return 0, newError(op, KindIO, resource.Key{}, err)
	}

	var orphans []string
	err = s.blobs.Walk(func(rel string) error {
		if _, ok := referenced[rel]; !ok || blobfs.IsTemp(rel) {
			orphans = append(orphans, rel)
		}
		return nil
	})
	if err != nil {
		return 0, newError(op, KindIO, resource.Key{}, err)
	}

	for _, rel := range orphans {
		if err := s.blobs.Remove(rel); err != nil {
			s.log.Warn("orphan removal failed", "path", rel, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("orphaned blobs reclaimed", "count", n)
	}
	return n, nil
}

func validKey(op string, res *resource.Resource) error {
	if res == nil {
		return newError(op, KindIO, resource.Key{}, fmt.Errorf("%w: nil resource", ErrInvalidKey))
	}
	if err := res.Key.Validate(); err != nil {
		return newError(op, KindIO, res.Key, fmt.Errorf("%w: %v", ErrInvalidKey, err))
	}
	return nil
}
