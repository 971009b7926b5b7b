// Package cache is a TTL key-value store backed by SQLite. Workers write
// terminal snapshots, status records, and daily stats under disjoint key
// namespaces; readers (the admin API and, in process mode, the
// orchestrator) see the latest value until it expires.
//
// SQLite rather than an in-process map because process-mode workers live in
// separate OS processes and must share the cache with the orchestrator.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMiss is returned by Get when the key is absent or its entry has
// expired.
var ErrMiss = errors.New("cache miss")

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS kv_expires_at ON kv (expires_at);
`

// Cache is a shared TTL store. Safe for concurrent use within one process
// and across processes (WAL mode plus a busy timeout handle writer
// contention).
type Cache struct {
	db *sql.DB
}

// Open opens (or creates) the cache database at dbPath.
func Open(dbPath string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Set stores value (JSON-encoded) under key with the given TTL, replacing
// any previous entry.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	expires := time.Now().Add(ttl).UnixMilli()
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, data, expires)
	return err
}

// Get loads the entry under key into out (a pointer). Expired entries count
// as misses; they are deleted lazily by PurgeExpired, not here.
func (c *Cache) Get(ctx context.Context, key string, out any) error {
	var data []byte
	var expires int64
	err := c.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&data, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrMiss, key)
	}
	if err != nil {
		return err
	}
	if time.Now().UnixMilli() >= expires {
		return fmt.Errorf("%w: %s (expired)", ErrMiss, key)
	}
	return json.Unmarshal(data, out)
}

// Delete removes the entry under key. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

// DeletePrefix removes every entry whose key starts with prefix. Used when
// a terminal is removed to drop all of its namespaces at once.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM kv WHERE key LIKE ? || '%'`, prefix)
	return err
}

// PurgeExpired deletes expired rows and returns how many were removed. Run
// periodically from a housekeeping goroutine.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at < ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Key scheme
// ---------------------------------------------------------------------------

// SnapshotKey is the cache key holding a terminal's latest Snapshot.
func SnapshotKey(terminalID int) string {
	return fmt.Sprintf("terminal:%d", terminalID)
}

// StatusKey is the cache key holding a terminal's connectivity record.
func StatusKey(terminalID int) string {
	return fmt.Sprintf("terminal_status:%d", terminalID)
}

// DailyStatsKey is the cache key holding one terminal's stats for one
// calendar day (date formatted YYYY-MM-DD).
func DailyStatsKey(terminalID int, date string) string {
	return fmt.Sprintf("daily_stats:%d:%s", terminalID, date)
}

// TerminalPrefix is the common prefix of every key a terminal owns.
func TerminalPrefix(terminalID int) []string {
	return []string{
		fmt.Sprintf("terminal:%d", terminalID),
		fmt.Sprintf("terminal_status:%d", terminalID),
		fmt.Sprintf("daily_stats:%d:", terminalID),
	}
}
