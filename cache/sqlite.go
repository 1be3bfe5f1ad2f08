package cache

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/Swind/go-task-stream/core"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS cache_entries(
	cache_key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);`

// SQLiteCache keeps progress records in a local SQLite file so that worker
// processes on the same host share them without a network service.
type SQLiteCache struct {
	db  *sql.DB
	now func() time.Time
}

var _ core.Cache = (*SQLiteCache)(nil)

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteCache{db: db, now: time.Now}, nil
}

func (c *SQLiteCache) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value     []byte
		expiresAt int64
	)
	err := c.db.QueryRowContext(ctx, `SELECT value, expires_at FROM cache_entries WHERE cache_key=?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	if expired(expiresAt, c.now()) {
		_, _ = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key=? AND expires_at=?`, key, expiresAt)
		return nil, core.ErrCacheMiss
	}
	return value, nil
}

func (c *SQLiteCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_entries(cache_key, value, expires_at) VALUES(?,?,?)
		 ON CONFLICT(cache_key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		key, value, expiryNanos(c.now(), ttl))
	return err
}

func (c *SQLiteCache) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key=?`, key)
	return err
}

// Purge removes every expired entry and returns how many were deleted.
func (c *SQLiteCache) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at > 0 AND expires_at <= ?`, c.now().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// expiryNanos returns the absolute expiry in unix nanoseconds, 0 for none.
func expiryNanos(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixNano()
}

func expired(expiresAt int64, now time.Time) bool {
	return expiresAt > 0 && now.UnixNano() >= expiresAt
}
