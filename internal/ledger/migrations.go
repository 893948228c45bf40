package ledger

import (
	"database/sql"
	"fmt"
)

// dbSchemaVersion is the current ledger schema version. Bump this when
// adding migrations that change the schema.
const dbSchemaVersion = 1

// migrations is an ordered list of SQL statements applied to the database.
// Each statement is idempotent (uses IF NOT EXISTS where possible).
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS ledger (
		source_event_id TEXT PRIMARY KEY,
		phase           TEXT NOT NULL DEFAULT 'pending',
		title           TEXT NOT NULL DEFAULT '',
		body            TEXT NOT NULL DEFAULT '',
		issue_node_id   TEXT NOT NULL DEFAULT '',
		issue_number    INTEGER,
		issue_url       TEXT NOT NULL DEFAULT '',
		board_item_id   TEXT NOT NULL DEFAULT '',
		last_error      TEXT NOT NULL DEFAULT '',
		attempt_count   INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_ledger_phase ON ledger(phase)`,
}

// runMigrations applies all migration statements in order. It checks the
// schema version and refuses to proceed if the database was created by a
// newer binary.
func runMigrations(db *sql.DB) error {
	var dbVersion int
	if err := db.QueryRow("PRAGMA user_version").Scan(&dbVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if dbVersion > dbSchemaVersion {
		return fmt.Errorf(
			"ledger schema version %d is newer than this binary supports (max %d)",
			dbVersion, dbSchemaVersion)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}

	if dbVersion < dbSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", dbSchemaVersion)); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}
	return nil
}
