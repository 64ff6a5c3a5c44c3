// Package database manages the SQLite database that backs the event log and
// container metrics. It opens the database, enables WAL mode, and applies the schema.
package database

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const (
	metricsRetention = time.Hour
	logsRetention    = 30 * 24 * time.Hour
	logTimeLayout    = "2006-01-02 15:04:05"
)

// Open opens (or creates) the SQLite database at path and applies the schema.
// Use ":memory:" for an in-memory database (useful in tests).
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Keep a single writer connection to avoid SQLITE_BUSY under concurrent load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// migrate executes the schema DDL. All statements are idempotent.
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Cleanup prunes container metrics older than an hour and log rows older than 30 days.
func Cleanup(db *sql.DB) error {
	return cleanupBefore(db, time.Now().UTC())
}

func cleanupBefore(db *sql.DB, now time.Time) error {
	if db == nil {
		return errors.New("database handle is required")
	}
	if _, err := db.Exec(`DELETE FROM metrics WHERE timestamp < ?`, now.Add(-metricsRetention).Unix()); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM logs WHERE timestamp < ?`, now.Add(-logsRetention).Format(logTimeLayout))
	return err
}

// Vacuum compacts the database file.
func Vacuum(db *sql.DB) error {
	if db == nil {
		return errors.New("database handle is required")
	}
	_, err := db.Exec(`VACUUM`)
	return err
}
