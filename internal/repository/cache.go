package repository

import (
	"context"
	"database/sql"
	"time"
)

// SQLiteCache is a key/value cache with expiry stored next to the results.
type SQLiteCache struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteCache returns a cache sharing the store database.
func NewSQLiteCache(store *SQLiteStore) *SQLiteCache {
	return &SQLiteCache{db: store.db, now: time.Now}
}

// Get returns the entry data, or nil when it is missing or expired.
func (c *SQLiteCache) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	var expires sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT data, expires_us FROM cache_entries WHERE key = ?`, key).Scan(&data, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid && expires.Int64 <= toMicros(c.now()) {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return data, nil
}

// Set stores an entry. A zero ttl never expires.
func (c *SQLiteCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	var expires sql.NullInt64
	if ttl > 0 {
		expires = sql.NullInt64{Int64: toMicros(c.now().Add(ttl)), Valid: true}
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, data, expires_us) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data, expires_us = excluded.expires_us`,
		key, data, expires)
	return err
}

// Delete removes an entry.
func (c *SQLiteCache) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

// Purge removes expired entries and returns how many were removed.
func (c *SQLiteCache) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_us IS NOT NULL AND expires_us <= ?`, toMicros(c.now()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
