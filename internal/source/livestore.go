package source

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

// LiveStore reads the platform's local message database directly.
type LiveStore struct {
	path string
	db   *sql.DB
	ex   *extractor
}

// OpenLiveStore opens the local store read-only. A missing or unopenable
// store is ErrUnavailable: surfaced to the caller, never a partial run.
func OpenLiveStore(path string) (*LiveStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	return &LiveStore{path: path, db: db, ex: &extractor{db: db}}, nil
}

func (s *LiveStore) Name() string { return "live" }

func (s *LiveStore) SchemaInfo(ctx context.Context) (SchemaInfo, error) {
	return s.ex.schemaInfo(ctx)
}

func (s *LiveStore) Count(ctx context.Context, opts ExtractOptions) (int64, error) {
	return s.ex.count(ctx, opts)
}

func (s *LiveStore) Extract(ctx context.Context, opts ExtractOptions, emit func(RawRecord) error) error {
	return s.ex.extract(ctx, opts, emit)
}

func (s *LiveStore) Close() error { return s.db.Close() }
