package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open initialises the on-device SQLite database and applies the base schema.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// OpenReadOnly opens an existing SQLite file without creating or migrating it.
func OpenReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %s: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS series (
            code TEXT PRIMARY KEY,
            title TEXT NOT NULL DEFAULT '',
            author TEXT NOT NULL DEFAULT '',
            synopsis TEXT NOT NULL DEFAULT '',
            keywords TEXT NOT NULL DEFAULT '',
            genre TEXT NOT NULL DEFAULT '',
            rating INTEGER NOT NULL DEFAULT 0,
            held_count INTEGER NOT NULL DEFAULT 0,
            advertised_count INTEGER NOT NULL DEFAULT 0,
            last_updated TEXT NOT NULL DEFAULT '',
            updated_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS episodes (
            code TEXT NOT NULL,
            episode_no TEXT NOT NULL,
            title TEXT NOT NULL DEFAULT '',
            body TEXT NOT NULL DEFAULT '',
            fetched_at TIMESTAMP,
            is_read INTEGER NOT NULL DEFAULT 0,
            bookmark INTEGER NOT NULL DEFAULT 0,
            progress REAL NOT NULL DEFAULT 0,
            PRIMARY KEY (code, episode_no)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_code ON episodes(code);`,
		`CREATE TABLE IF NOT EXISTS reading_positions (
            code TEXT PRIMARY KEY,
            episode_no INTEGER NOT NULL,
            read_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS pending_updates (
            code TEXT PRIMARY KEY,
            held_count INTEGER NOT NULL,
            advertised_count INTEGER NOT NULL,
            detected_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS metadata (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL
        );`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return nil
}
