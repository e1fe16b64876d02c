package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/54b3r/medrag-go/internal/store"
)

const sqliteCacheDDL = `
CREATE TABLE IF NOT EXISTS cache_entries (
    key         TEXT    PRIMARY KEY,
    value       BLOB    NOT NULL,
    expires_at  INTEGER NOT NULL,  -- Unix milliseconds
    accessed_at INTEGER NOT NULL   -- Unix milliseconds, for eviction
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_accessed ON cache_entries (accessed_at);
`

// SQLiteTier is the durable cache tier. It survives restarts and trims itself
// to maxEntries by least-recent access after each write.
type SQLiteTier struct {
	db         *sql.DB
	maxEntries int
	now        func() time.Time
}

// OpenSQLiteTier opens or creates the cache database at path. Use
// store.Memory in tests. A nil clock uses time.Now.
func OpenSQLiteTier(ctx context.Context, path string, maxEntries int, now func() time.Time) (*SQLiteTier, error) {
	db, err := store.Open(ctx, path, sqliteCacheDDL)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	if maxEntries < 1 {
		maxEntries = 1
	}
	if now == nil {
		now = time.Now
	}
	return &SQLiteTier{db: db, maxEntries: maxEntries, now: now}, nil
}

// Name implements Tier.
func (s *SQLiteTier) Name() string { return "sqlite" }

// Get implements Tier.
func (s *SQLiteTier) Get(ctx context.Context, key string) (Entry, bool, error) {
	var (
		value   []byte
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: sqlite get: %w", err)
	}

	e := Entry{Value: value, ExpiresAt: time.UnixMilli(expires)}
	now := s.now()
	if e.Expired(now) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			return Entry{}, false, fmt.Errorf("cache: sqlite delete expired: %w", err)
		}
		return Entry{}, false, nil
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET accessed_at = ? WHERE key = ?`, now.UnixMilli(), key); err != nil {
		return Entry{}, false, fmt.Errorf("cache: sqlite touch: %w", err)
	}
	return e, true, nil
}

// Set implements Tier.
func (s *SQLiteTier) Set(ctx context.Context, key string, e Entry) error {
	now := s.now().UnixMilli()
	const upsert = `
INSERT INTO cache_entries (key, value, expires_at, accessed_at) VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    value = excluded.value,
    expires_at = excluded.expires_at,
    accessed_at = excluded.accessed_at`
	if _, err := s.db.ExecContext(ctx, upsert, key, e.Value, e.ExpiresAt.UnixMilli(), now); err != nil {
		return fmt.Errorf("cache: sqlite set: %w", err)
	}

	const trim = `
DELETE FROM cache_entries WHERE expires_at <= ? OR key IN (
    SELECT key FROM cache_entries ORDER BY accessed_at DESC, key LIMIT -1 OFFSET ?
)`
	if _, err := s.db.ExecContext(ctx, trim, now, s.maxEntries); err != nil {
		return fmt.Errorf("cache: sqlite trim: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *SQLiteTier) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("cache: sqlite ping: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *SQLiteTier) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("cache: sqlite close: %w", err)
	}
	return nil
}
