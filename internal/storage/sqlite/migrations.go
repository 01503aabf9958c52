// Package sqlite - database migrations
package sqlite

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/stackmemory/stackmemory/internal/types"
)

// schemaVersion is the newest schema this build understands. Migrations are
// forward-only: the engine refuses to open a database stamped with a newer
// version than it knows.
const schemaVersion = 2

// migration is a single named, idempotent schema change
type migration struct {
	name string
	fn   func(*sql.DB) error
}

// migrationsList is the ordered list of all migrations. Run in order during
// database initialization; every entry must be safe to re-run.
var migrationsList = []migration{
	{"queue_lease_columns", migrateQueueLeaseColumns},
	{"fts_rebuild", migrateFTSRebuild},
}

// runMigrations checks the stored schema version, applies pending
// migrations, and stamps the current version.
func runMigrations(db *sql.DB) error {
	stored, err := storedSchemaVersion(db)
	if err != nil {
		return err
	}
	if stored > schemaVersion {
		return types.E(types.CodeConflict,
			"database schema version %d is newer than supported version %d", stored, schemaVersion)
	}

	for _, m := range migrationsList {
		applied, err := migrationApplied(db, m.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := m.fn(db); err != nil {
			return types.E(types.CodeStoreUnavailable, "migration %s failed", m.name).WithCause(err)
		}
		if err := markMigrationApplied(db, m.name); err != nil {
			return err
		}
	}

	_, err = db.Exec(`
		INSERT INTO metadata (key, value) VALUES ('schema_version', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, strconv.Itoa(schemaVersion))
	if err != nil {
		return types.E(types.CodeStoreUnavailable, "cannot stamp schema version").WithCause(err)
	}
	return nil
}

func storedSchemaVersion(db *sql.DB) (int, error) {
	var raw string
	err := db.QueryRow(`SELECT value FROM metadata WHERE key = 'schema_version'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, types.E(types.CodeStoreUnavailable, "cannot read schema version").WithCause(err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return 0, types.E(types.CodeCorruptRecord, "schema version %q is not a number", raw).WithCause(err)
	}
	return version, nil
}

func migrationApplied(db *sql.DB, name string) (bool, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM metadata WHERE key = ?`, "migration:"+name).Scan(&count)
	if err != nil {
		return false, types.E(types.CodeStoreUnavailable, "cannot check migration state").WithCause(err)
	}
	return count > 0, nil
}

func markMigrationApplied(db *sql.DB, name string) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO metadata (key, value) VALUES (?, 'applied')`, "migration:"+name)
	if err != nil {
		return types.E(types.CodeStoreUnavailable, "cannot record migration").WithCause(err)
	}
	return nil
}

// migrateQueueLeaseColumns adds the claim-and-lease columns to databases
// created before lease-based claiming existed.
func migrateQueueLeaseColumns(db *sql.DB) error {
	for _, col := range []struct{ name, ddl string }{
		{"lease_until", "ALTER TABLE migration_queue ADD COLUMN lease_until DATETIME"},
		{"claimed_by", "ALTER TABLE migration_queue ADD COLUMN claimed_by TEXT NOT NULL DEFAULT ''"},
	} {
		exists, err := columnExists(db, "migration_queue", col.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := db.Exec(col.ddl); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col.name, err)
		}
	}
	return nil
}

// migrateFTSRebuild recreates the full-text index if it is missing, which
// can happen after a manual vacuum-into copy.
func migrateFTSRebuild(db *sql.DB) error {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'memory_fts'`).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err = db.Exec(`
		CREATE VIRTUAL TABLE memory_fts USING fts5(
			text, frame_id UNINDEXED, kind UNINDEXED, ref_id UNINDEXED,
			project_id UNINDEXED, session_id UNINDEXED
		)
	`)
	return err
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
