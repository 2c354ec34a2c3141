package source

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// createBackup lays out an extracted device backup: a manifest plus
// content files sharded by the first two characters of their file ID.
func createBackup(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()

	manifest, err := sql.Open("sqlite", filepath.Join(root, "Manifest.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer manifest.Close()
	if _, err := manifest.Exec(`CREATE TABLE Files (fileID TEXT PRIMARY KEY, domain TEXT, relativePath TEXT, flags INTEGER, file BLOB)`); err != nil {
		t.Fatal(err)
	}

	for relativePath, fileID := range files {
		if _, err := manifest.Exec(
			`INSERT INTO Files (fileID, domain, relativePath, flags) VALUES (?, 'HomeDomain', ?, 1)`,
			fileID, relativePath,
		); err != nil {
			t.Fatal(err)
		}
		if err := os.MkdirAll(filepath.Join(root, fileID[:2]), 0755); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func contentPath(root, fileID string) string {
	return filepath.Join(root, fileID[:2], fileID)
}

// seedBackupStore builds a backup whose sms.db holds the standard seed
// history and returns the backup root.
func seedBackupStore(t *testing.T) string {
	t.Helper()
	const storeID = "3d0d7e5fb2ce288813306e4d4636395e047a3d28"
	root := createBackup(t, map[string]string{
		"Library/SMS/sms.db": storeID,
		"Library/SMS/Attachments/ab/11/att1/IMG_0001.heic": "ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12",
	})

	db, err := sql.Open("sqlite", contentPath(root, storeID))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(chatStoreSchemaV2); err != nil {
		t.Fatal(err)
	}
	seedStore(t, db, true)

	if err := os.WriteFile(contentPath(root, "ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12"), []byte("heic bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestOpenBackupArchive(t *testing.T) {
	root := seedBackupStore(t)

	backup, err := OpenBackupArchive(root)
	if err != nil {
		t.Fatal(err)
	}
	defer backup.Close()

	info, err := backup.SchemaInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.Version != "v2" {
		t.Fatalf("version = %q", info.Version)
	}
}

func TestOpenBackupMissingManifest(t *testing.T) {
	_, err := OpenBackupArchive(t.TempDir())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestOpenBackupMissingStore(t *testing.T) {
	root := createBackup(t, map[string]string{"Library/Notes/notes.db": "ffeeddccbbaa99887766554433221100ffeedd00"})

	_, err := OpenBackupArchive(root)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestBackupLocateAttachment(t *testing.T) {
	root := seedBackupStore(t)

	backup, err := OpenBackupArchive(root)
	if err != nil {
		t.Fatal(err)
	}
	defer backup.Close()

	path, ok, err := backup.Locate("~/Library/SMS/Attachments/ab/11/att1/IMG_0001.heic")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("attachment not located")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "heic bytes" {
		t.Fatalf("content = %q", data)
	}

	// Offloaded attachments have no manifest entry; that is a normal
	// absence, not an error.
	_, ok, err = backup.Locate("~/Library/SMS/Attachments/cd/22/att9/movie.mov")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("unexpected hit for offloaded attachment")
	}
}

// TestAdapterParity runs both adapters over identical store content and
// requires byte-for-byte identical record streams.
func TestAdapterParity(t *testing.T) {
	livePath, liveDB := createChatStore(t, chatStoreSchemaV2)
	seedStore(t, liveDB, true)
	backupRoot := seedBackupStore(t)

	live, err := OpenLiveStore(livePath)
	if err != nil {
		t.Fatal(err)
	}
	defer live.Close()
	backup, err := OpenBackupArchive(backupRoot)
	if err != nil {
		t.Fatal(err)
	}
	defer backup.Close()

	opts := ExtractOptions{Account: "acct"}

	liveCount, err := live.Count(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	backupCount, err := backup.Count(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if liveCount != backupCount {
		t.Fatalf("counts differ: live %d, backup %d", liveCount, backupCount)
	}

	liveMsgs, liveAtts, liveHandles := collect(t, live, opts)
	backupMsgs, backupAtts, backupHandles := collect(t, backup, opts)

	if !reflect.DeepEqual(liveMsgs, backupMsgs) {
		t.Fatalf("message streams differ:\nlive:   %+v\nbackup: %+v", liveMsgs, backupMsgs)
	}
	if !reflect.DeepEqual(liveAtts, backupAtts) {
		t.Fatalf("attachment streams differ:\nlive:   %+v\nbackup: %+v", liveAtts, backupAtts)
	}
	if !reflect.DeepEqual(liveHandles, backupHandles) {
		t.Fatalf("handle streams differ")
	}
}
