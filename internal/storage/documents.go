// Package storage provides the document store and TTL cache used by the
// forecasting engine and the optimization pipeline. Documents live in named
// collections and are msgpack-encoded; the store records created_at and
// updated_at timestamps so callers can implement their own freshness rules.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// DocumentStore persists typed documents keyed by (collection, id).
type DocumentStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDocumentStore creates a document store and ensures its table exists.
func NewDocumentStore(db *sql.DB, log zerolog.Logger) (*DocumentStore, error) {
	s := &DocumentStore{
		db:  db,
		log: log.With().Str("component", "document_store").Logger(),
	}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize document store schema: %w", err)
	}
	return s, nil
}

func (s *DocumentStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			doc        BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (collection, id)
		)
	`)
	return err
}

// Save upserts a document. The first write stamps created_at; every write
// refreshes updated_at.
func (s *DocumentStore) Save(ctx context.Context, collection, id string, doc interface{}) error {
	data, err := msgpack.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s/%s: %w", collection, id, err)
	}

	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, doc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			doc = excluded.doc,
			updated_at = excluded.updated_at
	`, collection, id, data, now, now)
	if err != nil {
		return fmt.Errorf("failed to save document %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get loads a document into dest. Returns sql.ErrNoRows when absent.
func (s *DocumentStore) Get(ctx context.Context, collection, id string, dest interface{}) error {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT doc FROM documents WHERE collection = ? AND id = ?",
		collection, id,
	).Scan(&data)
	if err != nil {
		return err
	}

	if err := msgpack.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to decode document %s/%s: %w", collection, id, err)
	}
	return nil
}

// UpdatedAt returns the updated_at timestamp of a document.
// Returns sql.ErrNoRows when absent.
func (s *DocumentStore) UpdatedAt(ctx context.Context, collection, id string) (time.Time, error) {
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT updated_at FROM documents WHERE collection = ? AND id = ?",
		collection, id,
	).Scan(&updatedAt)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(updatedAt, 0).UTC(), nil
}

// Delete removes a document. Deleting an absent document is not an error.
func (s *DocumentStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ? AND id = ?", collection, id)
	return err
}

// ListIDs returns all document ids in a collection, newest first.
func (s *DocumentStore) ListIDs(ctx context.Context, collection string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM documents WHERE collection = ? ORDER BY updated_at DESC",
		collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents in %s: %w", collection, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListOlderThan returns ids of documents whose updated_at precedes the cutoff.
func (s *DocumentStore) ListOlderThan(ctx context.Context, collection string, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM documents WHERE collection = ? AND updated_at < ? ORDER BY updated_at ASC",
		collection, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale documents in %s: %w", collection, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
