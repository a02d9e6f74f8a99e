package db

import (
	"fmt"
	"time"

	apperrors "github.com/mimisupply/mimisync/internal/errors"
)

// migration is one versioned schema step. Statements run inside a single
// transaction together with the schema_migrations bookkeeping row.
type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "sync engine base tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS records (
				record_type TEXT NOT NULL,
				id          TEXT NOT NULL,
				fields      TEXT NOT NULL DEFAULT '{}',
				version_tag TEXT NOT NULL DEFAULT '',
				updated_at  INTEGER NOT NULL DEFAULT 0,
				deleted     INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (record_type, id)
			);`,
			`CREATE TABLE IF NOT EXISTS outbox (
				seq              INTEGER PRIMARY KEY AUTOINCREMENT,
				mutation_id      TEXT NOT NULL UNIQUE,
				op               TEXT NOT NULL CHECK(op IN ('create','update','delete')),
				record_type      TEXT NOT NULL,
				record_id        TEXT NOT NULL,
				payload          TEXT NOT NULL DEFAULT '{}',
				base_fields      TEXT NOT NULL DEFAULT '{}',
				base_version_tag TEXT NOT NULL DEFAULT '',
				enqueued_at      INTEGER NOT NULL,
				attempt_count    INTEGER NOT NULL DEFAULT 0,
				next_attempt_at  INTEGER NOT NULL DEFAULT 0,
				last_error       TEXT NOT NULL DEFAULT ''
			);`,
			`CREATE INDEX IF NOT EXISTS idx_outbox_target ON outbox(record_type, record_id);`,
			`CREATE TABLE IF NOT EXISTS dead_letter (
				mutation_id      TEXT PRIMARY KEY,
				op               TEXT NOT NULL,
				record_type      TEXT NOT NULL,
				record_id        TEXT NOT NULL,
				payload          TEXT NOT NULL DEFAULT '{}',
				base_version_tag TEXT NOT NULL DEFAULT '',
				enqueued_at      INTEGER NOT NULL,
				failed_at        INTEGER NOT NULL,
				error            TEXT NOT NULL DEFAULT ''
			);`,
			`CREATE TABLE IF NOT EXISTS tokens (
				partition TEXT PRIMARY KEY,
				token     TEXT NOT NULL DEFAULT ''
			);`,
			`CREATE TABLE IF NOT EXISTS conflicts (
				id            TEXT PRIMARY KEY,
				record_type   TEXT NOT NULL,
				record_id     TEXT NOT NULL,
				local_record  TEXT NOT NULL DEFAULT 'null',
				remote_record TEXT NOT NULL DEFAULT 'null',
				mutation_id   TEXT NOT NULL DEFAULT '',
				state         TEXT NOT NULL DEFAULT 'pending',
				detected_at   INTEGER NOT NULL,
				resolved_at   INTEGER NOT NULL DEFAULT 0
			);`,
			`CREATE INDEX IF NOT EXISTS idx_conflicts_target ON conflicts(record_type, record_id, state);`,
		},
	},
}

// migrate applies all pending schema migrations.
func (db *DB) migrate() error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at  INTEGER NOT NULL,
		description TEXT NOT NULL
	);`); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to initialize migrations table", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to read schema version", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "failed to begin migration transaction", err)
		}

		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return apperrors.Wrap(apperrors.ErrMigration,
					fmt.Sprintf("migration %d (%s) failed", m.version, m.description), err)
			}
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.version, time.Now().Unix(), m.description,
		); err != nil {
			tx.Rollback()
			return apperrors.Wrap(apperrors.ErrMigration, "failed to record migration", err)
		}

		if err := tx.Commit(); err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "failed to commit migration", err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}
