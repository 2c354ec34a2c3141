// Package testutil holds helpers shared by package tests.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/threadvault/threadvault/internal/db"
)

// OpenTestDB opens a throwaway archive database with the full schema
// applied. It is closed automatically when the test finishes.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "archive.db")
	database, err := db.OpenAt(path)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if _, err := database.Exec(db.Schema()); err != nil {
		database.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}
