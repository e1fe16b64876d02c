// Package store opens the local SQLite databases used by medrag: the durable
// fallback vector backend and the durable cache tier. Both share one
// connection discipline (WAL journal, single writer) and one schema migration
// entry point.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Memory is the path that opens a private in-memory database.
const Memory = ":memory:"

// DefaultPath returns ~/.medrag/<name>, creating the directory if needed.
func DefaultPath(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".medrag")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, name), nil
}

// ExpandHome replaces a leading "~/" in path with the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}

// Open opens (or creates) the SQLite database at path and applies ddl. Use
// Memory for an in-memory database in tests.
func Open(ctx context.Context, path, ddl string) (*sql.DB, error) {
	if path != Memory {
		expanded, err := ExpandHome(path)
		if err != nil {
			return nil, err
		}
		path = expanded
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("store: could not create %s: %w", filepath.Dir(path), err)
		}
	}

	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single connection: avoids SQLITE_BUSY under concurrent
	// writes and keeps ":memory:" databases on one shared connection.
	db.SetMaxOpenConns(1)

	if ddl != "" {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: migrate %s: %w", path, err)
		}
	}
	return db, nil
}
