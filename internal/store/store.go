// Package store writes decoded batches into the archive database.
//
// All writes for one batch happen in a single transaction, including the
// checkpoint advance, so a crash mid-run can never leave the checkpoint
// ahead of the committed rows. Upserts key on the source's stable
// identifiers; downstream annotation columns are deliberately absent
// from every conflict-update list so re-imports never clobber them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/threadvault/threadvault/internal/thread"
)

// ErrCommitConflict: the batch transaction failed twice on lock
// contention. The caller should treat the run as failed; nothing from
// the batch was committed.
var ErrCommitConflict = errors.New("commit conflict")

// MessageRow is one canonical message ready to persist.
type MessageRow struct {
	GUID             string
	ThreadExternalID string
	SenderKey        string
	Direction        thread.Direction
	SentAt           time.Time
	SentAtSuspect    bool
	// Body nil means undecodable, which the schema keeps distinct from
	// an empty string.
	Body           *string
	BodyStatus     string
	HasAttachments bool
}

// AttachmentRow is one resolved attachment ready to persist.
type AttachmentRow struct {
	GUID          string
	MessageGUID   string
	MimeType      string
	Filename      string
	TotalBytes    int64
	Status        string
	FailureReason string
	StoragePath   *string
	ContentHash   string
}

// Batch is everything one pipeline chunk commits atomically.
type Batch struct {
	Account     string
	Threads     []*thread.Thread
	Messages    []MessageRow
	Attachments []AttachmentRow
	// Watermark is the newest raw source date seen in the batch, in the
	// source's own clock. Zero means leave the checkpoint alone.
	Watermark int64
	// SchemaFingerprint and CutoffMonths are recorded alongside the
	// checkpoint so the next run can detect when incremental state is
	// no longer trustworthy.
	SchemaFingerprint string
	CutoffMonths      int
}

// Checkpoint is the persisted incremental state for one account.
type Checkpoint struct {
	Watermark         int64
	CutoffMonths      int
	SchemaFingerprint string
}

// Store persists batches into an archive database.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// LoadCheckpoint returns the account's checkpoint, zero-valued if the
// account has never completed a commit.
func (s *Store) LoadCheckpoint(ctx context.Context, account string) (Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT last_committed_at, cutoff_months, schema_fingerprint
		FROM import_checkpoints WHERE account = ?
	`, account).Scan(&cp.Watermark, &cp.CutoffMonths, &cp.SchemaFingerprint)
	if err == sql.ErrNoRows {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// ResetCheckpoint clears incremental state, forcing the next run to
// re-extract from the cutoff window.
func (s *Store) ResetCheckpoint(ctx context.Context, account string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM import_checkpoints WHERE account = ?`, account); err != nil {
		return fmt.Errorf("failed to reset checkpoint: %w", err)
	}
	return nil
}

// CommitBatch writes the batch in one transaction, retrying once on
// lock contention before giving up with ErrCommitConflict.
func (s *Store) CommitBatch(ctx context.Context, b *Batch) error {
	err := s.commit(ctx, b)
	if err == nil || !isBusy(err) {
		return err
	}
	if err := s.commit(ctx, b); err != nil {
		if isBusy(err) {
			return fmt.Errorf("%w: %v", ErrCommitConflict, err)
		}
		return err
	}
	return nil
}

func (s *Store) commit(ctx context.Context, b *Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	threadIDs := make(map[string]int64, len(b.Threads))
	for _, t := range b.Threads {
		id, err := upsertThread(ctx, tx, b.Account, t, now)
		if err != nil {
			return err
		}
		threadIDs[t.ExternalID] = id
	}

	messageIDs := make(map[string]int64, len(b.Messages))
	for i := range b.Messages {
		m := &b.Messages[i]
		threadID, ok := threadIDs[m.ThreadExternalID]
		if !ok {
			// Thread rows for every referenced external id are part of
			// the batch contract.
			return fmt.Errorf("message %s references unknown thread %s", m.GUID, m.ThreadExternalID)
		}
		id, err := upsertMessage(ctx, tx, b.Account, m, threadID, now)
		if err != nil {
			return err
		}
		messageIDs[m.GUID] = id
	}

	for i := range b.Attachments {
		a := &b.Attachments[i]
		messageID, ok := messageIDs[a.MessageGUID]
		if !ok {
			// The owning message may have been committed by an earlier
			// batch; look it up rather than failing.
			err := tx.QueryRowContext(ctx, `
				SELECT id FROM messages WHERE account = ? AND guid = ?
			`, b.Account, a.MessageGUID).Scan(&messageID)
			if err == sql.ErrNoRows {
				log.Printf("store: skipping attachment %s: message %s not in archive", a.GUID, a.MessageGUID)
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to find message for attachment %s: %w", a.GUID, err)
			}
		}
		if err := upsertAttachment(ctx, tx, b.Account, a, messageID, now); err != nil {
			return err
		}
	}

	if b.Watermark != 0 {
		if err := advanceCheckpoint(ctx, tx, b, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func upsertThread(ctx context.Context, tx *sql.Tx, account string, t *thread.Thread, now int64) (int64, error) {
	var first, last interface{}
	if !t.FirstMessage.IsZero() {
		first = t.FirstMessage.Unix()
	}
	if !t.LastMessage.IsZero() {
		last = t.LastMessage.Unix()
	}

	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO threads (account, external_id, kind, display_label, participants, service,
			first_message_at, last_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account, external_id) DO UPDATE SET
			kind = CASE WHEN threads.kind = 'group' THEN threads.kind ELSE excluded.kind END,
			display_label = excluded.display_label,
			participants = excluded.participants,
			service = excluded.service,
			first_message_at = MIN(COALESCE(threads.first_message_at, excluded.first_message_at), excluded.first_message_at),
			last_message_at = MAX(COALESCE(threads.last_message_at, 0), COALESCE(excluded.last_message_at, 0)),
			updated_at = excluded.updated_at
		RETURNING id
	`, account, t.ExternalID, string(t.Kind), t.DisplayLabel, t.ParticipantsKey(), t.Service,
		first, last, now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert thread %s: %w", t.ExternalID, err)
	}
	return id, nil
}

func upsertMessage(ctx context.Context, tx *sql.Tx, account string, m *MessageRow, threadID int64, now int64) (int64, error) {
	suspect := 0
	if m.SentAtSuspect {
		suspect = 1
	}
	hasAttach := 0
	if m.HasAttachments {
		hasAttach = 1
	}

	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO messages (account, guid, thread_id, sender_key, direction,
			sent_at, sent_at_suspect, body, body_status, has_attachments,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account, guid) DO UPDATE SET
			thread_id = excluded.thread_id,
			sender_key = excluded.sender_key,
			direction = excluded.direction,
			sent_at = excluded.sent_at,
			sent_at_suspect = excluded.sent_at_suspect,
			body = excluded.body,
			body_status = excluded.body_status,
			has_attachments = excluded.has_attachments,
			updated_at = excluded.updated_at
		RETURNING id
	`, account, m.GUID, threadID, m.SenderKey, string(m.Direction),
		m.SentAt.Unix(), suspect, m.Body, m.BodyStatus, hasAttach, now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert message %s: %w", m.GUID, err)
	}
	return id, nil
}

func upsertAttachment(ctx context.Context, tx *sql.Tx, account string, a *AttachmentRow, messageID int64, now int64) error {
	// Same content already attached to the same message under another
	// guid (stores duplicate rows when a message is edited or re-sent).
	if a.ContentHash != "" {
		var existing int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM attachments
			WHERE message_id = ? AND content_hash = ? AND guid != ?
		`, messageID, a.ContentHash, a.GUID).Scan(&existing)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("failed to check attachment dedup for %s: %w", a.GUID, err)
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO attachments (account, guid, message_id, mime_type, filename,
			total_bytes, status, failure_reason, storage_path, content_hash,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account, guid) DO UPDATE SET
			message_id = excluded.message_id,
			mime_type = excluded.mime_type,
			filename = excluded.filename,
			total_bytes = excluded.total_bytes,
			status = excluded.status,
			failure_reason = excluded.failure_reason,
			storage_path = excluded.storage_path,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at
	`, account, a.GUID, messageID, a.MimeType, a.Filename,
		a.TotalBytes, a.Status, a.FailureReason, a.StoragePath, a.ContentHash, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert attachment %s: %w", a.GUID, err)
	}
	return nil
}

// advanceCheckpoint moves the watermark forward only; a re-run over old
// rows must not rewind incremental state.
func advanceCheckpoint(ctx context.Context, tx *sql.Tx, b *Batch, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO import_checkpoints (account, last_committed_at, cutoff_months, schema_fingerprint, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			last_committed_at = MAX(import_checkpoints.last_committed_at, excluded.last_committed_at),
			cutoff_months = excluded.cutoff_months,
			schema_fingerprint = excluded.schema_fingerprint,
			updated_at = excluded.updated_at
	`, b.Account, b.Watermark, b.CutoffMonths, b.SchemaFingerprint, now)
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
