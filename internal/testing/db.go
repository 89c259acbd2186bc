// Package testing provides test fixtures and fakes shared across packages.
package testing

import (
	"database/sql"
	"testing"

	"github.com/aristath/astrolabe/internal/database"
	_ "modernc.org/sqlite"
)

// NewTestDB creates an in-memory database with the standard profile. The
// connection is closed automatically when the test finishes. Schemas are
// applied by whichever store or repository is constructed on top.
func NewTestDB(t *testing.T, name string) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    ":memory:",
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("failed to open test database %q: %v", name, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// NewTestConn opens a raw in-memory SQLite connection for stores that take
// *sql.DB directly.
func NewTestConn(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	// Each pooled connection to :memory: would see its own database.
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	return conn
}
