package source

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/threadvault/threadvault/internal/epoch"
)

// extractor holds the row-reading logic shared by both adapters. The live
// store and a backup's message database have the same table layout, so
// parity between adapters is a property of construction rather than of
// two codepaths kept in sync by hand.
type extractor struct {
	db     *sql.DB
	schema *SchemaInfo
}

// Tables an extraction cannot work without. A store missing any of these
// is either corrupt or a schema newer than we understand.
var requiredTables = []string{
	"message", "chat", "handle",
	"chat_message_join", "chat_handle_join",
	"attachment", "message_attachment_join",
}

func (e *extractor) schemaInfo(ctx context.Context) (SchemaInfo, error) {
	if e.schema != nil {
		return *e.schema, nil
	}

	present := map[string]bool{}
	rows, err := e.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return SchemaInfo{}, fmt.Errorf("%w: reading table list: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return SchemaInfo{}, err
		}
		present[name] = true
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return SchemaInfo{}, err
	}

	var missing []string
	for _, t := range requiredTables {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return SchemaInfo{}, fmt.Errorf("%w: missing tables %s", ErrUnsupportedSchema, strings.Join(missing, ", "))
	}

	cols, err := tableColumns(ctx, e.db, "message")
	if err != nil {
		return SchemaInfo{}, err
	}
	for _, required := range []string{"guid", "date", "handle_id", "is_from_me", "text"} {
		if !cols[required] {
			return SchemaInfo{}, fmt.Errorf("%w: message table lacks column %q", ErrUnsupportedSchema, required)
		}
	}

	// The attributedBody column arrived with the schema generation that
	// also switched date columns from seconds to nanoseconds.
	info := SchemaInfo{Version: "v1"}
	if cols["attributedBody"] {
		info.Version = "v2"
		info.NanosecondTimestamps = true
	}

	sort.Strings(names)
	sum := sha256.Sum256([]byte(info.Version + "|" + strings.Join(names, ",")))
	info.Fingerprint = hex.EncodeToString(sum[:8])

	e.schema = &info
	return info, nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s columns: %v", ErrUnavailable, table, err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, typ string
		var notNull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// rawBound converts the options' lower bound into the store's native
// timestamp scale so filtering happens inside the query.
func (e *extractor) rawBound(ctx context.Context, opts ExtractOptions) (int64, error) {
	info, err := e.schemaInfo(ctx)
	if err != nil {
		return 0, err
	}
	bound := opts.LowerBound(time.Now().UTC())
	if bound.IsZero() {
		// All history: anything after the platform epoch start.
		return -1 << 62, nil
	}
	return epoch.FromUTC(bound, info.NanosecondTimestamps), nil
}

func (e *extractor) count(ctx context.Context, opts ExtractOptions) (int64, error) {
	bound, err := e.rawBound(ctx, opts)
	if err != nil {
		return 0, err
	}
	var n int64
	// Identical predicate to the data query below.
	err = e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message m WHERE m.date > ?`, bound).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (e *extractor) extract(ctx context.Context, opts ExtractOptions, emit func(RawRecord) error) error {
	info, err := e.schemaInfo(ctx)
	if err != nil {
		return err
	}
	bound, err := e.rawBound(ctx, opts)
	if err != nil {
		return err
	}

	if err := e.emitHandles(ctx, emit); err != nil {
		return err
	}

	members, err := e.chatMembers(ctx)
	if err != nil {
		return err
	}

	if err := e.emitMessages(ctx, info, bound, members, emit); err != nil {
		return err
	}

	return e.emitAttachments(ctx, bound, emit)
}

func (e *extractor) emitHandles(ctx context.Context, emit func(RawRecord) error) error {
	rows, err := e.db.QueryContext(ctx, `SELECT id, COALESCE(service, '') FROM handle ORDER BY ROWID`)
	if err != nil {
		return fmt.Errorf("query handles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h RawHandle
		if err := rows.Scan(&h.Identifier, &h.Service); err != nil {
			log.Printf("source: skipping malformed handle row: %v", err)
			continue
		}
		if err := emit(RawRecord{Handle: &h}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// chatMembers maps every chat to the raw handles of all its members.
// Membership is chat-level state, not message-level, so it is not date
// filtered.
func (e *extractor) chatMembers(ctx context.Context) (map[string][]string, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT c.guid, h.id
		FROM chat c
		JOIN chat_handle_join chj ON chj.chat_id = c.ROWID
		JOIN handle h ON h.ROWID = chj.handle_id
		ORDER BY c.ROWID, h.ROWID
	`)
	if err != nil {
		return nil, fmt.Errorf("query chat membership: %w", err)
	}
	defer rows.Close()

	members := map[string][]string{}
	for rows.Next() {
		var chatGUID, handleID string
		if err := rows.Scan(&chatGUID, &handleID); err != nil {
			log.Printf("source: skipping malformed membership row: %v", err)
			continue
		}
		members[chatGUID] = append(members[chatGUID], handleID)
	}
	return members, rows.Err()
}

func (e *extractor) emitMessages(ctx context.Context, info SchemaInfo, bound int64, members map[string][]string, emit func(RawRecord) error) error {
	bodyExpr := "NULL"
	if info.Version == "v2" {
		bodyExpr = "m.attributedBody"
	}

	// The WHERE clause must stay byte-identical with count(): a drifting
	// predicate makes progress totals disagree with processed counts.
	q := fmt.Sprintf(`
		SELECT m.guid, m.date, m.is_from_me,
		       COALESCE(m.text, ''), %s,
		       COALESCE(m.item_type, 0), COALESCE(m.cache_has_attachments, 0),
		       COALESCE(h.id, ''),
		       COALESCE(c.guid, ''), COALESCE(c.display_name, ''), COALESCE(c.service_name, '')
		FROM message m
		LEFT JOIN handle h ON h.ROWID = m.handle_id
		LEFT JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
		LEFT JOIN chat c ON c.ROWID = cmj.chat_id
		WHERE m.date > ?
		ORDER BY m.ROWID
	`, bodyExpr)

	rows, err := e.db.QueryContext(ctx, q, bound)
	if err != nil {
		return fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m RawMessage
		var isFromMe, hasAttach int
		var blob []byte
		if err := rows.Scan(
			&m.GUID, &m.RawDate, &isFromMe,
			&m.PlainText, &blob,
			&m.ItemKind, &hasAttach,
			&m.SenderHandle,
			&m.ChatGUID, &m.ChatName, &m.Service,
		); err != nil {
			log.Printf("source: skipping malformed message row: %v", err)
			continue
		}
		m.IsFromMe = isFromMe != 0
		m.HasAttach = hasAttach != 0
		m.BodyBlob = blob
		m.ChatMembers = members[m.ChatGUID]

		if err := emit(RawRecord{Message: &m}); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (e *extractor) emitAttachments(ctx context.Context, bound int64, emit func(RawRecord) error) error {
	// Same m.date predicate as the message and count queries.
	rows, err := e.db.QueryContext(ctx, `
		SELECT a.guid, m.guid,
		       COALESCE(a.transfer_name, ''), COALESCE(a.filename, ''),
		       COALESCE(a.mime_type, ''), COALESCE(a.total_bytes, 0),
		       COALESCE(a.transfer_state, 0), m.date
		FROM attachment a
		JOIN message_attachment_join maj ON maj.attachment_id = a.ROWID
		JOIN message m ON m.ROWID = maj.message_id
		WHERE m.date > ?
		ORDER BY a.ROWID
	`, bound)
	if err != nil {
		return fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a RawAttachmentRef
		var transferState int
		if err := rows.Scan(
			&a.GUID, &a.MessageGUID,
			&a.Filename, &a.TransferPath,
			&a.MimeType, &a.TotalBytes,
			&transferState, &a.RawDate,
		); err != nil {
			log.Printf("source: skipping malformed attachment row: %v", err)
			continue
		}
		// transfer_state 5 means the transfer finished and the bytes are
		// local; anything else never completed a local download.
		a.Undownloaded = transferState != 5
		if err := emit(RawRecord{Attachment: &a}); err != nil {
			return err
		}
	}
	return rows.Err()
}
