package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Cache provides key-value storage with expiration on top of the cache
// database. Values are msgpack-encoded blobs. Expiry is enforced here, not by
// the database: a read past expires_at behaves like a miss.
type Cache struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCache creates a new cache instance and ensures its table exists.
func NewCache(db *sql.DB, log zerolog.Logger) (*Cache, error) {
	c := &Cache{
		db:  db,
		log: log.With().Str("component", "cache").Logger(),
	}
	if err := c.ensureSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return c, nil
}

func (c *Cache) ensureSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS cache (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)
	`)
	return err
}

// Set stores a value in the cache with a TTL relative to now.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value for %s: %w", key, err)
	}

	now := time.Now().Unix()
	expiresAt := now + int64(ttl.Seconds())

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO cache (key, value, expires_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at
	`, key, data, expiresAt, now)
	if err != nil {
		return fmt.Errorf("failed to store cache entry %s: %w", key, err)
	}
	return nil
}

// Get retrieves a value from the cache and decodes it into dest.
// Returns sql.ErrNoRows if the key doesn't exist or has expired.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	var data []byte
	var expiresAt int64
	err := c.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM cache WHERE key = ?", key,
	).Scan(&data, &expiresAt)
	if err != nil {
		return err
	}

	// Expired entries read as misses; the maintenance sweep reclaims them
	if time.Now().Unix() >= expiresAt {
		return sql.ErrNoRows
	}

	if err := msgpack.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to decode cache value for %s: %w", key, err)
	}
	return nil
}

// Delete removes a cache entry.
func (c *Cache) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM cache WHERE key = ?", key)
	return err
}

// DeleteByPrefix removes all cache entries matching a prefix.
func (c *Cache) DeleteByPrefix(ctx context.Context, prefix string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM cache WHERE key LIKE ?", prefix+"%")
	return err
}

// PurgeExpired deletes all entries past their expiration timestamp.
// Returns the number of rows removed.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		"DELETE FROM cache WHERE expires_at <= ?", time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired cache entries: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		c.log.Debug().Int64("removed", removed).Msg("Purged expired cache entries")
	}
	return removed, nil
}
