// Package db provides the SQLite persistence layer: connection management,
// embedded schema migrations, a kv.Store over the kv_store table and the
// conflict log repository.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "syncd.db"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the embedded migration scripts.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// DB wraps the sql.DB with the daemon's SQLite configuration.
type DB struct {
	*sql.DB
}

// pragmas applied to every connection. synchronous=FULL makes each commit
// durable before the write returns.
var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=FULL;",
	"PRAGMA foreign_keys=ON;",
	"PRAGMA busy_timeout=5000;",
}

// Open opens (creating if needed) the database inside dataDir.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenFile(filepath.Join(dataDir, FileName))
}

// OpenFile opens the database at path. ":memory:" is accepted for tests.
func OpenFile(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers; a single connection also
	// keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &DB{db}, nil
}

// Migrate brings the schema up to date with the embedded migrations.
func (db *DB) Migrate() error {
	m := NewMigrator(db.DB, Migrations())
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	return m.Up()
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
