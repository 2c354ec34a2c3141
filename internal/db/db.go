package db

import (
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/threadvault/threadvault/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// Init creates the archive database and its tables if needed.
func Init() error {
	dbPath, err := GetPath()
	if err != nil {
		return err
	}
	return InitAt(dbPath)
}

// InitAt creates the archive schema in the database at path.
func InitAt(path string) error {
	database, err := OpenAt(path)
	if err != nil {
		return err
	}
	defer database.Close()

	if _, err := database.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Open opens the archive database in the configured data directory.
func Open() (*sql.DB, error) {
	dbPath, err := GetPath()
	if err != nil {
		return nil, err
	}
	return OpenAt(dbPath)
}

// OpenAt opens the archive database at an explicit path and applies the
// standard pragmas. WAL allows concurrent readers while a writer is active;
// busy_timeout reduces SQLITE_BUSY errors under contention.
func OpenAt(path string) (*sql.DB, error) {
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := database.Exec(pragma); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return database, nil
}

// GetPath returns the path to the archive database file.
func GetPath() (string, error) {
	dataDir, err := config.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "threadvault.db"), nil
}

// Schema returns the embedded schema SQL. Exposed for test databases.
func Schema() string {
	return schemaSQL
}
