package source

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// messageStoreRelativePath is where the platform keeps the message
// database inside a device backup, relative to the home domain.
const messageStoreRelativePath = "Library/SMS/sms.db"

// BackupArchive reads message history out of a decrypted, extracted
// device backup: a root directory of content files named by file ID
// (sharded into two-character subdirectories) plus a Manifest.db mapping
// file IDs to logical paths.
type BackupArchive struct {
	root     string
	manifest *sql.DB
	store    *sql.DB
	ex       *extractor
}

// OpenBackupArchive opens the backup rooted at root. The manifest and
// the message store it points to must both be present and readable.
func OpenBackupArchive(root string) (*BackupArchive, error) {
	manifestPath := filepath.Join(root, "Manifest.db")
	if _, err := os.Stat(manifestPath); err != nil {
		return nil, fmt.Errorf("%w: backup manifest: %v", ErrUnavailable, err)
	}
	manifest, err := sql.Open("sqlite", "file:"+manifestPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("%w: open manifest: %v", ErrUnavailable, err)
	}

	b := &BackupArchive{root: root, manifest: manifest}
	storePath, ok, err := b.locate(messageStoreRelativePath)
	if err != nil {
		manifest.Close()
		return nil, err
	}
	if !ok {
		manifest.Close()
		return nil, fmt.Errorf("%w: backup has no %s entry", ErrUnavailable, messageStoreRelativePath)
	}

	store, err := sql.Open("sqlite", "file:"+storePath+"?mode=ro")
	if err != nil {
		manifest.Close()
		return nil, fmt.Errorf("%w: open backup message store: %v", ErrUnavailable, err)
	}
	if err := store.Ping(); err != nil {
		store.Close()
		manifest.Close()
		return nil, fmt.Errorf("%w: open backup message store: %v", ErrUnavailable, err)
	}

	b.store = store
	b.ex = &extractor{db: store}
	return b, nil
}

func (b *BackupArchive) Name() string { return "backup" }

func (b *BackupArchive) SchemaInfo(ctx context.Context) (SchemaInfo, error) {
	return b.ex.schemaInfo(ctx)
}

func (b *BackupArchive) Count(ctx context.Context, opts ExtractOptions) (int64, error) {
	return b.ex.count(ctx, opts)
}

func (b *BackupArchive) Extract(ctx context.Context, opts ExtractOptions, emit func(RawRecord) error) error {
	return b.ex.extract(ctx, opts, emit)
}

func (b *BackupArchive) Close() error {
	err := b.store.Close()
	if merr := b.manifest.Close(); err == nil {
		err = merr
	}
	return err
}

// Locate resolves a store transfer path (for example
// "~/Library/SMS/Attachments/ab/11/GUID/img.jpeg") to the content file
// inside the backup. The second return is false when the manifest has no
// entry, which for offloaded attachments is the normal case.
func (b *BackupArchive) Locate(transferPath string) (string, bool, error) {
	rel := strings.TrimPrefix(transferPath, "~/")
	rel = strings.TrimPrefix(rel, "/")
	return b.locate(rel)
}

func (b *BackupArchive) locate(relativePath string) (string, bool, error) {
	var fileID string
	err := b.manifest.QueryRow(
		`SELECT fileID FROM Files WHERE relativePath = ? ORDER BY domain LIMIT 1`,
		relativePath,
	).Scan(&fileID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: manifest lookup %s: %v", ErrUnavailable, relativePath, err)
	}
	if len(fileID) < 2 {
		return "", false, nil
	}
	return filepath.Join(b.root, fileID[:2], fileID), true, nil
}
