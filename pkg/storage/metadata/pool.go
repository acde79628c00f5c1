package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// pool is a fixed-size pool of SQLite connections with the pragmas every
// metadata connection needs.
type pool struct {
	inner *sqlitex.Pool
	log   *slog.Logger
	path  string
}

func openPool(path string, size int, log *slog.Logger) (*pool, error) {
	if size <= 0 {
		size = max(runtime.NumCPU(), 4)
	}

	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("metadata: opening %s: %w", path, err)
	}

	log.Debug("sqlite pool opened", "path", path, "pool_size", size)
	return &pool{inner: inner, log: log, path: path}, nil
}

func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("metadata: take connection: %w", err)
	}
	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		return fmt.Errorf("metadata: closing %s: %w", p.path, err)
	}
	p.log.Debug("sqlite pool closed", "path", p.path)
	return nil
}

// prepareConnection runs once per pooled connection.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("metadata: %s: %w", pragma, err)
		}
	}
	return nil
}
