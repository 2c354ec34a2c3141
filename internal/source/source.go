// Package source extracts raw message, handle, and attachment rows from
// the platform's native message store.
//
// Two adapters implement one contract: LiveStore reads the local store
// directly, BackupArchive reads the equivalent tables out of an extracted
// device backup. Everything downstream sees the same RawRecord shape from
// both — a single adapter deviating (for example by populating only the
// sender's handle instead of the full chat membership) breaks group
// thread matching, so the row-reading logic is shared.
package source

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable: the store or backup cannot be opened at all. Fatal for
// the run; the checkpoint is not advanced.
var ErrUnavailable = errors.New("source unavailable")

// ErrUnsupportedSchema: the store opened but its layout is not one we
// know how to read. Failing fast beats partially parsing a newer schema.
var ErrUnsupportedSchema = errors.New("unsupported source schema")

// SchemaInfo describes the detected layout of a message store.
type SchemaInfo struct {
	// Version is a human-readable schema label ("v1", "v2").
	Version string
	// Fingerprint is stable across runs for an unchanged schema and is
	// stored in the import checkpoint; a change forces a full re-import.
	Fingerprint string
	// NanosecondTimestamps reports the scale of the store's date columns.
	NanosecondTimestamps bool
}

// ExtractOptions selects the extraction window. The same predicate is
// pushed into the count query, the data query, and the attachment join,
// so progress totals always agree with processed counts.
type ExtractOptions struct {
	Account      string
	Since        time.Time // zero means no incremental lower bound
	CutoffMonths int       // 0 means no cutoff window
}

// LowerBound resolves the effective filter instant: the later of the
// incremental watermark and the cutoff window start.
func (o ExtractOptions) LowerBound(now time.Time) time.Time {
	bound := o.Since
	if o.CutoffMonths > 0 {
		cutoff := now.AddDate(0, -o.CutoffMonths, 0)
		if cutoff.After(bound) {
			bound = cutoff
		}
	}
	return bound
}

// RawMessage is one message row as stored, before decoding.
type RawMessage struct {
	GUID         string
	ChatGUID     string
	ChatName     string
	Service      string
	SenderHandle string // raw identifier; empty for outgoing messages
	IsFromMe     bool
	RawDate      int64
	PlainText    string
	BodyBlob     []byte
	ItemKind     int // 0 is a text message; anything else has no text body
	HasAttach    bool
	// ChatMembers holds the raw handle of every member of the chat, not
	// only the sender. Both adapters must populate this identically.
	ChatMembers []string
}

// RawAttachmentRef is attachment metadata; content is resolved later.
type RawAttachmentRef struct {
	GUID          string
	MessageGUID   string
	Filename      string // declared name
	TransferPath  string // on-disk (or in-archive) location, may be empty
	MimeType      string
	TotalBytes    int64
	Undownloaded  bool  // content was never transferred locally
	RawDate       int64 // owning message's date; same filter column
}

// RawHandle is one participant identifier row.
type RawHandle struct {
	Identifier string
	Service    string
}

// RawRecord is the union emitted by Extract. Exactly one field is set.
type RawRecord struct {
	Message    *RawMessage
	Attachment *RawAttachmentRef
	Handle     *RawHandle
}

// Adapter is the contract both source implementations satisfy.
type Adapter interface {
	Name() string

	// SchemaInfo detects the store layout, failing fast with
	// ErrUnsupportedSchema for layouts we cannot read.
	SchemaInfo(ctx context.Context) (SchemaInfo, error)

	// Count returns the number of messages the same options would
	// extract; used for progress totals.
	Count(ctx context.Context, opts ExtractOptions) (int64, error)

	// Extract streams records lazily: handles first, then messages,
	// then attachment refs. Returning an error from emit stops the
	// stream. Malformed rows are logged and skipped, never fatal.
	Extract(ctx context.Context, opts ExtractOptions, emit func(RawRecord) error) error

	Close() error
}
