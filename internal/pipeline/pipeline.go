// Package pipeline drives an import run: extract raw rows from a source
// adapter, decode and classify them in parallel, resolve attachments,
// and commit chunks through a single writer.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threadvault/threadvault/internal/attachment"
	"github.com/threadvault/threadvault/internal/epoch"
	"github.com/threadvault/threadvault/internal/handle"
	"github.com/threadvault/threadvault/internal/source"
	"github.com/threadvault/threadvault/internal/store"
	"github.com/threadvault/threadvault/internal/textcodec"
	"github.com/threadvault/threadvault/internal/thread"
)

// ErrAlreadyRunning: another import for the same account holds the slot.
var ErrAlreadyRunning = errors.New("import already running for this account")

const (
	PhaseExtract = "extract"
	PhaseDecode  = "decode"
	PhaseAttach  = "attach"
	PhaseCommit  = "commit"
)

// Progress is one progress event. Current is monotonic within a run.
type Progress struct {
	Phase              string
	Current            int64
	Total              int64
	EstimatedRemaining time.Duration
}

// Options configures one import run.
type Options struct {
	Account            string
	Full               bool
	CutoffMonths       int
	ChunkSize          int
	DecodeWorkers      int
	SelfIdentifiers    []string
	// DefaultCountryCode is prepended to bare 10-digit numbers when
	// normalizing handles; empty means NANP ("1").
	DefaultCountryCode string
	MaxAttachmentBytes int64
	AttachmentRoot     string
	// Locator resolves attachment transfer paths; when nil, attachment
	// content is not extracted and refs are classified by metadata only.
	Locator attachment.Locator
	// OnProgress receives throttled progress events, at most roughly a
	// hundred per run regardless of volume. May be nil.
	OnProgress func(Progress)
}

// Result summarizes a completed run.
type Result struct {
	Account           string        `json:"account"`
	RunID             string        `json:"run_id"`
	Full              bool          `json:"full"`
	Messages          int64         `json:"messages"`
	Threads           int           `json:"threads"`
	AttachmentsLocal  int64         `json:"attachments_local"`
	AttachmentsRemote int64         `json:"attachments_remote"`
	AttachmentsFailed int64         `json:"attachments_failed"`
	UndecodableBodies int64         `json:"undecodable_bodies"`
	Duration          time.Duration `json:"-"`
	DurationText      string        `json:"duration"`
}

// Runner serializes imports per account and owns the archive handle.
type Runner struct {
	db    *sql.DB
	store *store.Store

	mu      sync.Mutex
	running map[string]bool
}

func NewRunner(database *sql.DB) *Runner {
	return &Runner{
		db:      database,
		store:   store.New(database),
		running: make(map[string]bool),
	}
}

func (r *Runner) acquire(account string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[account] {
		return false
	}
	r.running[account] = true
	return true
}

func (r *Runner) release(account string) {
	r.mu.Lock()
	delete(r.running, account)
	r.mu.Unlock()
}

// Run imports one account from the given adapter. Concurrent runs for
// different accounts are fine; a second run for the same account fails
// immediately with ErrAlreadyRunning.
func (r *Runner) Run(ctx context.Context, adapter source.Adapter, opts Options) (*Result, error) {
	if !r.acquire(opts.Account) {
		return nil, ErrAlreadyRunning
	}
	defer r.release(opts.Account)

	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 200
	}
	if opts.DecodeWorkers <= 0 {
		opts.DecodeWorkers = 4
	}

	runID := uuid.NewString()
	if err := startJob(r.db, opts.Account, runID); err != nil {
		return nil, err
	}

	res, err := r.run(ctx, adapter, opts, runID)
	if err != nil {
		msg := err.Error()
		if jobErr := finishJob(r.db, opts.Account, "error", &msg); jobErr != nil {
			log.Printf("pipeline: failed to record job error: %v", jobErr)
		}
		return nil, err
	}
	if err := finishJob(r.db, opts.Account, "success", nil); err != nil {
		log.Printf("pipeline: failed to record job success: %v", err)
	}
	return res, nil
}

func (r *Runner) run(ctx context.Context, adapter source.Adapter, opts Options, runID string) (*Result, error) {
	started := time.Now()

	schema, err := adapter.SchemaInfo(ctx)
	if err != nil {
		return nil, err
	}

	cp, err := r.store.LoadCheckpoint(ctx, opts.Account)
	if err != nil {
		return nil, err
	}

	// Incremental state is only trustworthy when the store schema is
	// unchanged and the cutoff window has not widened past what the
	// previous run covered.
	full := opts.Full
	switch {
	case full:
	case cp.Watermark == 0:
		full = true
	case cp.SchemaFingerprint != "" && cp.SchemaFingerprint != schema.Fingerprint:
		log.Printf("pipeline: schema fingerprint changed for %s, forcing full import", opts.Account)
		full = true
	case cutoffWidened(cp.CutoffMonths, opts.CutoffMonths):
		log.Printf("pipeline: cutoff window widened for %s, forcing full import", opts.Account)
		full = true
	}

	extractOpts := source.ExtractOptions{
		Account:      opts.Account,
		CutoffMonths: opts.CutoffMonths,
	}
	if !full {
		wm, _ := epoch.ToUTC(cp.Watermark)
		extractOpts.Since = wm
	}

	total, err := adapter.Count(ctx, extractOpts)
	if err != nil {
		return nil, err
	}

	res := &Result{Account: opts.Account, RunID: runID, Full: full}
	prog := newProgressEmitter(r.db, opts.Account, opts.OnProgress, total, started)

	classifier := thread.NewClassifier(opts.SelfIdentifiers, handle.Normalizer{CountryCode: opts.DefaultCountryCode})
	var resolver *attachment.Resolver
	if opts.Locator != nil {
		resolver = &attachment.Resolver{
			Root:     opts.AttachmentRoot,
			MaxBytes: opts.MaxAttachmentBytes,
			Locator:  opts.Locator,
		}
	}

	chunk := make([]*source.RawMessage, 0, opts.ChunkSize)
	var attachRefs []*source.RawAttachmentRef
	var watermark int64

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		// Cancellation lands on chunk boundaries so a partial chunk is
		// never committed.
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.commitMessageChunk(ctx, chunk, classifier, opts, res, prog, &watermark); err != nil {
			return err
		}
		chunk = chunk[:0]
		return nil
	}

	err = adapter.Extract(ctx, extractOpts, func(rec source.RawRecord) error {
		switch {
		case rec.Message != nil:
			chunk = append(chunk, rec.Message)
			if len(chunk) >= opts.ChunkSize {
				return flush()
			}
		case rec.Attachment != nil:
			attachRefs = append(attachRefs, rec.Attachment)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if err := r.commitAttachments(ctx, attachRefs, resolver, opts, res, prog); err != nil {
		return nil, err
	}

	// The watermark only moves once every attachment batch in the window
	// has committed. Attachments are filtered by the same date predicate
	// as messages, so advancing it earlier would let an interrupted run
	// skip their refs forever on the next incremental pass. A run that
	// dies before this point re-extracts; the upserts make that cheap.
	if watermark != 0 {
		err := r.store.CommitBatch(ctx, &store.Batch{
			Account:           opts.Account,
			Watermark:         watermark,
			SchemaFingerprint: schema.Fingerprint,
			CutoffMonths:      opts.CutoffMonths,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to advance checkpoint: %w", err)
		}
	}

	prog.phase(PhaseCommit)

	res.Threads = len(classifier.Threads())
	res.Duration = time.Since(started)
	res.DurationText = res.Duration.Round(time.Millisecond).String()
	return res, nil
}

// commitMessageChunk decodes a chunk with a worker pool, classifies the
// results, and commits them in one transaction. Only this goroutine
// touches the archive database.
func (r *Runner) commitMessageChunk(ctx context.Context, chunk []*source.RawMessage,
	classifier *thread.Classifier, opts Options,
	res *Result, prog *progressEmitter, watermark *int64) error {

	prog.phase(PhaseDecode)

	decoded := decodeChunk(chunk, opts.DecodeWorkers)

	// No Watermark here: the run-level checkpoint advance waits for the
	// attachment phase.
	batch := &store.Batch{Account: opts.Account}
	threadSeen := make(map[string]bool)

	for i, raw := range chunk {
		sentAt, suspect := epoch.ToUTC(raw.RawDate)

		th := classifier.Observe(raw, sentAt)
		if !threadSeen[th.ExternalID] {
			threadSeen[th.ExternalID] = true
			batch.Threads = append(batch.Threads, th)
		}

		body := decoded[i]
		if body.Status == textcodec.StatusUndecodable {
			res.UndecodableBodies++
		}

		batch.Messages = append(batch.Messages, store.MessageRow{
			GUID:             raw.GUID,
			ThreadExternalID: th.ExternalID,
			SenderKey:        classifier.SenderKey(raw),
			Direction:        classifier.Direction(raw),
			SentAt:           sentAt,
			SentAtSuspect:    suspect,
			Body:             body.Text,
			BodyStatus:       string(body.Status),
			HasAttachments:   raw.HasAttach,
		})
		if raw.RawDate > *watermark {
			*watermark = raw.RawDate
		}
	}

	if err := r.store.CommitBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to commit chunk: %w", err)
	}

	res.Messages += int64(len(chunk))
	prog.advance(int64(len(chunk)), PhaseDecode)
	return nil
}

// decodeChunk runs body decoding across workers. Results come back
// indexed by position, so output order never depends on scheduling.
func decodeChunk(chunk []*source.RawMessage, workers int) []textcodec.Result {
	out := make([]textcodec.Result, len(chunk))
	if workers > len(chunk) {
		workers = len(chunk)
	}

	var wg sync.WaitGroup
	indexes := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				raw := chunk[i]
				if raw.ItemKind != 0 {
					out[i] = textcodec.Unsupported()
					continue
				}
				out[i] = textcodec.Decode(raw.PlainText, raw.BodyBlob)
			}
		}()
	}
	for i := range chunk {
		indexes <- i
	}
	close(indexes)
	wg.Wait()
	return out
}

func (r *Runner) commitAttachments(ctx context.Context, refs []*source.RawAttachmentRef,
	resolver *attachment.Resolver, opts Options, res *Result, prog *progressEmitter) error {

	for start := 0; start < len(refs); start += opts.ChunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + opts.ChunkSize
		if end > len(refs) {
			end = len(refs)
		}

		prog.phase(PhaseAttach)
		batch := &store.Batch{Account: opts.Account}
		for _, ref := range refs[start:end] {
			row := store.AttachmentRow{
				GUID:        ref.GUID,
				MessageGUID: ref.MessageGUID,
				Filename:    ref.Filename,
				MimeType:    ref.MimeType,
				TotalBytes:  ref.TotalBytes,
			}
			if resolver != nil {
				resolved := resolver.Resolve(ref)
				row.MimeType = resolved.MimeType
				row.TotalBytes = resolved.TotalBytes
				row.Status = string(resolved.Status)
				row.FailureReason = resolved.FailureReason
				row.ContentHash = resolved.ContentHash
				if resolved.Status == attachment.StatusLocal {
					path := resolved.StoragePath
					row.StoragePath = &path
				}
			} else if ref.Undownloaded || ref.TransferPath == "" {
				row.Status = string(attachment.StatusRemoteUnavailable)
			} else {
				row.Status = string(attachment.StatusExtractionFailed)
				row.FailureReason = attachment.ReasonMissing
			}

			switch attachment.Status(row.Status) {
			case attachment.StatusLocal:
				res.AttachmentsLocal++
			case attachment.StatusRemoteUnavailable:
				res.AttachmentsRemote++
			default:
				res.AttachmentsFailed++
			}
			batch.Attachments = append(batch.Attachments, row)
		}

		if err := r.store.CommitBatch(ctx, batch); err != nil {
			return fmt.Errorf("failed to commit attachment chunk: %w", err)
		}
	}
	return nil
}

// cutoffWidened reports whether the new window reaches further back than
// the one the checkpoint was built under. Zero means unbounded.
func cutoffWidened(previous, next int) bool {
	if previous == next {
		return false
	}
	if next == 0 {
		return true
	}
	if previous == 0 {
		return false
	}
	return next > previous
}

// progressEmitter throttles progress to roughly a hundred events per run
// and mirrors them into the import_jobs row.
type progressEmitter struct {
	db        *sql.DB
	account   string
	fn        func(Progress)
	total     int64
	step      int64
	current   int64
	lastSent  int64
	lastPhase string
	started   time.Time
}

func newProgressEmitter(db *sql.DB, account string, fn func(Progress), total int64, started time.Time) *progressEmitter {
	step := total / 100
	if step < 1 {
		step = 1
	}
	p := &progressEmitter{
		db: db, account: account, fn: fn,
		total: total, step: step, lastSent: -1, started: started,
	}
	p.send(PhaseExtract)
	return p
}

// phase emits only on a phase transition.
func (p *progressEmitter) phase(phase string) {
	if phase != p.lastPhase {
		p.send(phase)
	}
}

// advance adds completed units and emits if a step boundary was crossed.
func (p *progressEmitter) advance(n int64, phase string) {
	p.current += n
	if p.current-p.lastSent >= p.step || p.current >= p.total {
		p.send(phase)
	}
}

func (p *progressEmitter) send(phase string) {
	p.lastSent = p.current
	p.lastPhase = phase

	var remaining time.Duration
	if p.current > 0 && p.total > p.current {
		elapsed := time.Since(p.started)
		remaining = time.Duration(float64(elapsed) / float64(p.current) * float64(p.total-p.current))
	}

	if p.fn != nil {
		p.fn(Progress{Phase: phase, Current: p.current, Total: p.total, EstimatedRemaining: remaining})
	}
	if err := updateJob(p.db, p.account, phase, p.current, p.total); err != nil {
		log.Printf("pipeline: %v", err)
	}
}
