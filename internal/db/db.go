// Package db provides the durable local store backing the sync engine:
// records, outbox, change tokens, conflicts and the dead-letter list.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps sql.DB with sync-engine specific configuration.
type DB struct {
	*sql.DB
}

// Open opens the local SQLite store. The database is opened with:
// - WAL mode for concurrent reads during sync
// - foreign key constraints enabled
// - a single writer connection (SQLite supports one writer)
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "mimisync.db")

	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	// Durability over raw speed: a crash mid-sync must never tear
	// the records/outbox/tokens tables apart.
	if _, err := db.Exec("PRAGMA synchronous=FULL;"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	wrapped := &DB{db}
	if err := wrapped.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return wrapped, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
