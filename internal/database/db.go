// Package database opens and configures the service's sqlite databases.
//
// Every database runs in WAL mode. Beyond that each file is opened under a
// profile that trades durability for speed where the data is rebuildable.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go sqlite driver
)

// Profile names the pragma set a database is opened with.
type Profile string

const (
	// ProfileCache trades durability for speed. Suitable only for data
	// that can be recomputed, such as forecast suites and covariance
	// matrices.
	ProfileCache Profile = "cache"

	// ProfileStandard is the durable configuration for application state.
	ProfileStandard Profile = "standard"
)

// Config describes one database file.
type Config struct {
	Path    string
	Profile Profile
	Name    string // used in error messages and logs
}

// DB wraps a sqlite connection opened with profile-specific pragmas.
type DB struct {
	conn *sql.DB
	name string
}

// New opens the database, applying the profile's pragmas and sizing the
// connection pool. The parent directory is created when missing.
func New(cfg Config) (*DB, error) {
	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}

	// In-memory databases and explicit URIs skip the filesystem setup.
	if cfg.Path != ":memory:" && !strings.HasPrefix(cfg.Path, "file:") {
		abs, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		cfg.Path = abs
	}

	conn, err := sql.Open("sqlite", cfg.Path+"?"+pragmas(cfg.Profile))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Name, err)
	}

	// The cache database sees short bursts from the forecast and
	// optimization paths; the durable databases carry the steady load.
	if cfg.Profile == ProfileCache {
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(2)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
	}
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	// A plain :memory: path gives every pooled connection its own empty
	// database; one connection keeps the schema visible to all callers.
	if cfg.Path == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Name, err)
	}

	return &DB{conn: conn, name: cfg.Name}, nil
}

// pragmas renders the connection-string options for a profile.
func pragmas(profile Profile) string {
	opts := []string{
		"_pragma=journal_mode(WAL)",
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
		"_pragma=cache_size(-64000)",
		"_pragma=wal_autocheckpoint(1000)",
		"_pragma=temp_store(MEMORY)",
	}

	if profile == ProfileCache {
		// No fsync: losing cached results costs a recomputation, not data.
		opts = append(opts,
			"_pragma=synchronous(OFF)",
			"_pragma=auto_vacuum(FULL)",
		)
	} else {
		opts = append(opts,
			"_pragma=synchronous(NORMAL)",
			"_pragma=auto_vacuum(INCREMENTAL)",
		)
	}

	return strings.Join(opts, "&")
}

// Close closes the underlying connection. Outstanding WAL frames are
// checkpointed by sqlite on the last close.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the raw connection for stores that manage their own schema.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Exec executes a statement without returning rows.
func (db *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.conn.Exec(query, args...)
}

// ExecContext executes a statement without returning rows.
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.conn.ExecContext(ctx, query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.Query(query, args...)
}

// QueryContext executes a query that returns rows.
func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, query, args...)
}

// QueryRow executes a query expected to return at most one row.
func (db *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRow(query, args...)
}

// QueryRowContext executes a query expected to return at most one row.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on error or panic.
func (db *DB) WithTransaction(fn func(*sql.Tx) error) (err error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction on %s: %w", db.name, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
			return
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
			}
			return
		}
		err = tx.Commit()
	}()

	return fn(tx)
}
