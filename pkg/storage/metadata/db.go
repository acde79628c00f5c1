// Package metadata persists resource records in SQLite.
//
// One row per resource, keyed by (provider, service_type, id). Blob size,
// path and checksum are duplicated into the row so listings never touch
// blob files. The package knows nothing about locking or lifecycle rules;
// the storage engine layers those on top.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/cloudemu/cloudemu/pkg/resource"
)

// Sentinel errors.
var (
	ErrNotFound = errors.New("metadata: record not found")
	ErrExists   = errors.New("metadata: record already exists")
)

// Config configures a DB.
type Config struct {
	// Path is the database file. Its directory must exist.
	Path string

	// PoolSize is the number of pooled connections. Zero picks a default.
	PoolSize int

	Logger *slog.Logger
}

// DB is the relational metadata store.
type DB struct {
	pool *pool
	log  *slog.Logger
}

// Open opens (creating if needed) the database and applies the schema.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("metadata: Path is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	p, err := openPool(cfg.Path, cfg.PoolSize, log)
	if err != nil {
		return nil, err
	}

	conn, err := p.take(ctx)
	if err != nil {
		_ = p.close()
		return nil, err
	}
	err = migrate(conn)
	p.put(conn)
	if err != nil {
		_ = p.close()
		return nil, err
	}

	return &DB{pool: p, log: log}, nil
}

// Close closes every pooled connection.
func (db *DB) Close() error {
	return db.pool.close()
}

const columns = `provider, service_type, id, kind, parent, state, metadata,
	blob_path, blob_size, blob_checksum, created_at, updated_at, expires_at`

// Get returns the record for key, including expired records.
func (db *DB) Get(ctx context.Context, key resource.Key) (*resource.Resource, error) {
	conn, err := db.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.put(conn)

	var found *resource.Resource
	err = sqlitex.Execute(conn,
		`SELECT `+columns+` FROM resources WHERE provider = ? AND service_type = ? AND id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(key.Provider), string(key.Service), key.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r, err := scanResource(stmt)
				found = r
				return err
			},
		})
	if err != nil {
		return nil, fmt.Errorf("metadata: get %s: %w", key, err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// Insert adds a new record. It fails with ErrExists if the key is taken.
func (db *DB) Insert(ctx context.Context, r *resource.Resource) error {
	conn, err := db.pool.take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.put(conn)

	args, err := rowArgs(r)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO resources (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, service_type, id) DO NOTHING`,
		&sqlitex.ExecOptions{Args: args})
	if err != nil {
		return fmt.Errorf("metadata: insert %s: %w", r.Key, err)
	}
	if conn.Changes() == 0 {
		return ErrExists
	}
	return nil
}

// Upsert inserts or fully replaces the record for r's key.
func (db *DB) Upsert(ctx context.Context, r *resource.Resource) error {
	conn, err := db.pool.take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.put(conn)

	args, err := rowArgs(r)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO resources (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, service_type, id) DO UPDATE SET
			kind = excluded.kind,
			parent = excluded.parent,
			state = excluded.state,
			metadata = excluded.metadata,
			blob_path = excluded.blob_path,
			blob_size = excluded.blob_size,
			blob_checksum = excluded.blob_checksum,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		&sqlitex.ExecOptions{Args: args})
	if err != nil {
		return fmt.Errorf("metadata: upsert %s: %w", r.Key, err)
	}
	return nil
}

// Delete removes the record for key.
func (db *DB) Delete(ctx context.Context, key resource.Key) error {
	conn, err := db.pool.take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM resources WHERE provider = ? AND service_type = ? AND id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(key.Provider), string(key.Service), key.ID}})
	if err != nil {
		return fmt.Errorf("metadata: delete %s: %w", key, err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

// Query returns records matching q in key order.
func (db *DB) Query(ctx context.Context, q Query) ([]*resource.Resource, error) {
	where, args, err := q.where()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + columns + ` FROM resources` + where +
		` ORDER BY provider, service_type, id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, int64(q.Limit))
	}

	conn, err := db.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.put(conn)

	var out []*resource.Resource
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			r, err := scanResource(stmt)
			if err != nil {
				return err
			}
			out = append(out, r)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("metadata: query: %w", err)
	}
	return out, nil
}

// Count returns the number of records matching q. Cursor and limit are
// ignored.
func (db *DB) Count(ctx context.Context, q Query) (int, error) {
	q.After = nil
	where, args, err := q.where()
	if err != nil {
		return 0, err
	}

	conn, err := db.pool.take(ctx)
	if err != nil {
		return 0, err
	}
	defer db.pool.put(conn)

	var n int
	err = sqlitex.Execute(conn, `SELECT count(*) FROM resources`+where, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("metadata: count: %w", err)
	}
	return n, nil
}

// ExpiredKeys returns up to limit keys whose TTL passed at now.
func (db *DB) ExpiredKeys(ctx context.Context, now time.Time, limit int) ([]resource.Key, error) {
	conn, err := db.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.put(conn)

	var keys []resource.Key
	err = sqlitex.Execute(conn,
		`SELECT provider, service_type, id FROM resources
		WHERE expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{now.UnixNano(), int64(limit)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, resource.Key{
					Provider: resource.Provider(stmt.ColumnText(0)),
					Service:  resource.ServiceType(stmt.ColumnText(1)),
					ID:       stmt.ColumnText(2),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("metadata: expired keys: %w", err)
	}
	return keys, nil
}

// BlobPaths returns the set of blob paths referenced by any record.
func (db *DB) BlobPaths(ctx context.Context) (map[string]struct{}, error) {
	conn, err := db.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.put(conn)

	paths := make(map[string]struct{})
	err = sqlitex.Execute(conn,
		`SELECT blob_path FROM resources WHERE blob_path IS NOT NULL`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				paths[stmt.ColumnText(0)] = struct{}{}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("metadata: blob paths: %w", err)
	}
	return paths, nil
}

func rowArgs(r *resource.Resource) ([]any, error) {
	meta := "{}"
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("metadata: encoding metadata for %s: %w", r.Key, err)
		}
		meta = string(b)
	}

	var blobPath, blobSize, blobChecksum any
	if r.Blob != nil {
		blobPath, blobSize, blobChecksum = r.Blob.Path, r.Blob.Size, r.Blob.Checksum
	}
	var expires any
	if !r.ExpiresAt.IsZero() {
		expires = r.ExpiresAt.UnixNano()
	}

	return []any{
		string(r.Provider), string(r.Service), r.ID, r.Kind, r.Parent, string(r.State), meta,
		blobPath, blobSize, blobChecksum,
		r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(), expires,
	}, nil
}

func scanResource(stmt *sqlite.Stmt) (*resource.Resource, error) {
	r := &resource.Resource{
		Key: resource.Key{
			Provider: resource.Provider(stmt.ColumnText(0)),
			Service:  resource.ServiceType(stmt.ColumnText(1)),
			ID:       stmt.ColumnText(2),
		},
		Kind:      stmt.ColumnText(3),
		Parent:    stmt.ColumnText(4),
		State:     resource.State(stmt.ColumnText(5)),
		CreatedAt: time.Unix(0, stmt.ColumnInt64(10)).UTC(),
		UpdatedAt: time.Unix(0, stmt.ColumnInt64(11)).UTC(),
	}
	if meta := stmt.ColumnText(6); meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return nil, fmt.Errorf("metadata: decoding metadata for %s: %w", r.Key, err)
		}
	}
	if !stmt.ColumnIsNull(7) {
		r.Blob = &resource.BlobInfo{
			Path:     stmt.ColumnText(7),
			Size:     stmt.ColumnInt64(8),
			Checksum: stmt.ColumnText(9),
		}
	}
	if !stmt.ColumnIsNull(12) {
		r.ExpiresAt = time.Unix(0, stmt.ColumnInt64(12)).UTC()
	}
	return r, nil
}

// jsonPath builds a SQLite JSON path selecting a top-level metadata key.
func jsonPath(name string) (string, error) {
	if strings.ContainsAny(name, `"\`) {
		return "", fmt.Errorf("metadata: unsupported metadata key %q", name)
	}
	return `$."` + name + `"`, nil
}
