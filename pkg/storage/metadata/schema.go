package metadata

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// migrations are applied in order; PRAGMA user_version records how many
// have run.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS resources (
	provider      TEXT    NOT NULL,
	service_type  TEXT    NOT NULL,
	id            TEXT    NOT NULL,
	kind          TEXT    NOT NULL DEFAULT '',
	parent        TEXT    NOT NULL DEFAULT '',
	state         TEXT    NOT NULL,
	metadata      TEXT    NOT NULL DEFAULT '{}',
	blob_path     TEXT,
	blob_size     INTEGER,
	blob_checksum TEXT,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	expires_at    INTEGER,
	PRIMARY KEY (provider, service_type, id)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS resources_by_parent
	ON resources (provider, service_type, kind, parent, id);

CREATE INDEX IF NOT EXISTS resources_by_expiry
	ON resources (expires_at) WHERE expires_at IS NOT NULL;

CREATE INDEX IF NOT EXISTS resources_by_state
	ON resources (state) WHERE state <> 'Active';
`,
}

func migrate(conn *sqlite.Conn) (err error) {
	var version int
	err = sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("metadata: reading schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("metadata: schema version %d is newer than this build supports (%d)", version, len(migrations))
	}
	if version == len(migrations) {
		return nil
	}

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("metadata: begin migration: %w", err)
	}
	defer endTransaction(&err)

	for i := version; i < len(migrations); i++ {
		if err := sqlitex.ExecuteScript(conn, migrations[i], nil); err != nil {
			return fmt.Errorf("metadata: migration %d: %w", i+1, err)
		}
	}
	if err := sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version = %d", len(migrations)), nil); err != nil {
		return fmt.Errorf("metadata: recording schema version: %w", err)
	}
	return nil
}
