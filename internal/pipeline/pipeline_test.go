package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/threadvault/threadvault/internal/epoch"
	"github.com/threadvault/threadvault/internal/source"
	"github.com/threadvault/threadvault/internal/testutil"
)

// fakeAdapter replays canned rows, honoring the extraction window the
// same way the real adapters push it into their queries.
type fakeAdapter struct {
	schema      source.SchemaInfo
	messages    []*source.RawMessage
	attachments []*source.RawAttachmentRef

	// cancelAfter, when set, cancels the given context after that many
	// message emits.
	cancelAfter int
	cancel      context.CancelFunc
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) SchemaInfo(ctx context.Context) (source.SchemaInfo, error) {
	if f.schema.Fingerprint == "" {
		return source.SchemaInfo{Version: "v2", Fingerprint: "fp-1", NanosecondTimestamps: false}, nil
	}
	return f.schema, nil
}

func (f *fakeAdapter) bound(opts source.ExtractOptions) int64 {
	lb := opts.LowerBound(time.Now())
	if lb.IsZero() {
		return -1 << 62
	}
	return epoch.FromUTC(lb, false)
}

func (f *fakeAdapter) Count(ctx context.Context, opts source.ExtractOptions) (int64, error) {
	bound := f.bound(opts)
	var n int64
	for _, m := range f.messages {
		if m.RawDate > bound {
			n++
		}
	}
	return n, nil
}

func (f *fakeAdapter) Extract(ctx context.Context, opts source.ExtractOptions, emit func(source.RawRecord) error) error {
	bound := f.bound(opts)
	emitted := 0
	for _, m := range f.messages {
		if m.RawDate <= bound {
			continue
		}
		if err := emit(source.RawRecord{Message: m}); err != nil {
			return err
		}
		emitted++
		if f.cancelAfter > 0 && emitted == f.cancelAfter {
			f.cancel()
		}
	}
	for _, a := range f.attachments {
		if a.RawDate <= bound {
			continue
		}
		if err := emit(source.RawRecord{Attachment: a}); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeAdapter) Close() error { return nil }

func rawAt(guid string, at time.Time, text string) *source.RawMessage {
	return &source.RawMessage{
		GUID:         guid,
		ChatGUID:     "chat-1",
		Service:      "iMessage",
		SenderHandle: "+17072874936",
		ChatMembers:  []string{"+17072874936"},
		RawDate:      epoch.FromUTC(at, false),
		PlainText:    text,
	}
}

func TestRunImportsOneToOneThread(t *testing.T) {
	database := testutil.OpenTestDB(t)
	r := NewRunner(database)

	fake := &fakeAdapter{}
	base := time.Now().Add(-24 * time.Hour).Truncate(time.Second)
	for i := 0; i < 50; i++ {
		fake.messages = append(fake.messages,
			rawAt(fmt.Sprintf("msg-%d", i), base.Add(time.Duration(i)*time.Minute), fmt.Sprintf("text %d", i)))
	}
	fake.messages[49].HasAttach = true
	fake.attachments = []*source.RawAttachmentRef{{
		GUID:         "att-1",
		MessageGUID:  "msg-49",
		Filename:     "IMG_0001.heic",
		Undownloaded: true,
		RawDate:      fake.messages[49].RawDate,
	}}

	res, err := r.Run(context.Background(), fake, Options{
		Account:      "acct",
		CutoffMonths: 6,
		ChunkSize:    10,
	})
	if err != nil {
		t.Fatal(err)
	}

	if res.Messages != 50 {
		t.Fatalf("messages = %d", res.Messages)
	}
	if res.Threads != 1 {
		t.Fatalf("threads = %d", res.Threads)
	}
	if res.AttachmentsRemote != 1 || res.AttachmentsLocal != 0 {
		t.Fatalf("attachments local=%d remote=%d", res.AttachmentsLocal, res.AttachmentsRemote)
	}

	var kind, participants string
	err = database.QueryRow(`SELECT kind, participants FROM threads WHERE account = 'acct'`).
		Scan(&kind, &participants)
	if err != nil {
		t.Fatal(err)
	}
	if kind != "one-to-one" || participants != "17072874936" {
		t.Fatalf("thread kind=%q participants=%q", kind, participants)
	}

	var status string
	var storagePath *string
	err = database.QueryRow(`SELECT status, storage_path FROM attachments WHERE guid = 'att-1'`).
		Scan(&status, &storagePath)
	if err != nil {
		t.Fatal(err)
	}
	if status != "remote-unavailable" || storagePath != nil {
		t.Fatalf("attachment status=%q path=%v", status, storagePath)
	}

	jobs, err := ListJobs(database)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Status != "success" {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestIncrementalRunSkipsCommittedRows(t *testing.T) {
	database := testutil.OpenTestDB(t)
	r := NewRunner(database)

	fake := &fakeAdapter{}
	base := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	for i := 0; i < 5; i++ {
		fake.messages = append(fake.messages,
			rawAt(fmt.Sprintf("msg-%d", i), base.Add(time.Duration(i)*time.Hour), "hi"))
	}

	opts := Options{Account: "acct", CutoffMonths: 6, ChunkSize: 3}
	if _, err := r.Run(context.Background(), fake, opts); err != nil {
		t.Fatal(err)
	}

	res, err := r.Run(context.Background(), fake, opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Full {
		t.Fatal("second run should be incremental")
	}
	if res.Messages != 0 {
		t.Fatalf("second run imported %d messages, want 0", res.Messages)
	}

	// A new message after the watermark comes through alone.
	fake.messages = append(fake.messages, rawAt("msg-new", base.Add(10*time.Hour), "new"))
	res, err = r.Run(context.Background(), fake, opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Messages != 1 {
		t.Fatalf("third run imported %d messages, want 1", res.Messages)
	}
}

func TestCutoffWideningReimportsOlderMessages(t *testing.T) {
	database := testutil.OpenTestDB(t)
	r := NewRunner(database)

	fake := &fakeAdapter{}
	now := time.Now()
	// 10 messages around eight months old, 5 recent.
	for i := 0; i < 10; i++ {
		at := now.AddDate(0, -8, 0).Add(time.Duration(i) * time.Hour)
		fake.messages = append(fake.messages, rawAt(fmt.Sprintf("old-%d", i), at, "old"))
	}
	for i := 0; i < 5; i++ {
		at := now.Add(-time.Duration(i+1) * time.Hour)
		fake.messages = append(fake.messages, rawAt(fmt.Sprintf("new-%d", i), at, "new"))
	}

	res, err := r.Run(context.Background(), fake, Options{Account: "acct", CutoffMonths: 6, ChunkSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	if res.Messages != 5 {
		t.Fatalf("first run imported %d, want 5 inside the window", res.Messages)
	}

	res, err = r.Run(context.Background(), fake, Options{Account: "acct", CutoffMonths: 12, ChunkSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Full {
		t.Fatal("widened cutoff should force a full run")
	}
	if res.Messages != 15 {
		t.Fatalf("widened run processed %d, want 15", res.Messages)
	}

	var count int
	database.QueryRow(`SELECT COUNT(*) FROM messages WHERE account = 'acct'`).Scan(&count)
	if count != 15 {
		t.Fatalf("archive holds %d messages, want exactly 15", count)
	}
}

func TestSchemaChangeForcesFullRun(t *testing.T) {
	database := testutil.OpenTestDB(t)
	r := NewRunner(database)

	fake := &fakeAdapter{schema: source.SchemaInfo{Version: "v1", Fingerprint: "fp-a"}}
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	fake.messages = append(fake.messages, rawAt("m1", base, "hi"))

	opts := Options{Account: "acct", ChunkSize: 10}
	if _, err := r.Run(context.Background(), fake, opts); err != nil {
		t.Fatal(err)
	}

	fake.schema.Fingerprint = "fp-b"
	res, err := r.Run(context.Background(), fake, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Full {
		t.Fatal("fingerprint change should force a full run")
	}
}

func TestSameAccountRunIsExclusive(t *testing.T) {
	database := testutil.OpenTestDB(t)
	r := NewRunner(database)

	if !r.acquire("acct") {
		t.Fatal("first acquire failed")
	}
	defer r.release("acct")

	_, err := r.Run(context.Background(), &fakeAdapter{}, Options{Account: "acct"})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}

	// A different account is not blocked.
	if _, err := r.Run(context.Background(), &fakeAdapter{}, Options{Account: "other"}); err != nil {
		t.Fatalf("other account blocked: %v", err)
	}
}

func TestCancellationStopsAtChunkBoundary(t *testing.T) {
	database := testutil.OpenTestDB(t)
	r := NewRunner(database)

	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeAdapter{cancelAfter: 25, cancel: cancel}
	base := time.Now().Add(-24 * time.Hour).Truncate(time.Second)
	for i := 0; i < 100; i++ {
		fake.messages = append(fake.messages,
			rawAt(fmt.Sprintf("msg-%d", i), base.Add(time.Duration(i)*time.Minute), "hi"))
	}

	_, err := r.Run(ctx, fake, Options{Account: "acct", ChunkSize: 10})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// Whatever was committed is whole chunks only.
	var count int
	database.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	if count%10 != 0 {
		t.Fatalf("committed %d messages, not a chunk multiple", count)
	}

	jobs, err := ListJobs(database)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Status != "error" {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestInterruptedAttachPhaseDoesNotAdvanceWatermark(t *testing.T) {
	database := testutil.OpenTestDB(t)
	r := NewRunner(database)

	fake := &fakeAdapter{}
	base := time.Now().Add(-24 * time.Hour).Truncate(time.Second)
	for i := 0; i < 10; i++ {
		fake.messages = append(fake.messages,
			rawAt(fmt.Sprintf("msg-%d", i), base.Add(time.Duration(i)*time.Minute), "hi"))
	}
	fake.messages[9].HasAttach = true
	fake.attachments = []*source.RawAttachmentRef{{
		GUID:         "att-1",
		MessageGUID:  "msg-9",
		Filename:     "IMG_0001.heic",
		Undownloaded: true,
		RawDate:      fake.messages[9].RawDate,
	}}

	// Kill the run once every message chunk has committed, before the
	// attachment batches go in.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := r.Run(ctx, fake, Options{
		Account:   "acct",
		ChunkSize: 5,
		OnProgress: func(p Progress) {
			if p.Total > 0 && p.Current == p.Total {
				cancel()
			}
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	var messages, checkpoints int
	database.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&messages)
	database.QueryRow(`SELECT COUNT(*) FROM import_checkpoints WHERE account = 'acct'`).Scan(&checkpoints)
	if messages != 10 {
		t.Fatalf("interrupted run committed %d messages, want 10", messages)
	}
	// Attachments in the window never committed, so the watermark must
	// not have moved: the next run has to see these rows again.
	if checkpoints != 0 {
		t.Fatalf("checkpoint advanced past an uncommitted attachment batch")
	}

	res, err := r.Run(context.Background(), fake, Options{Account: "acct", ChunkSize: 5})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Full {
		t.Fatal("retry after an interrupted run should be a full run")
	}
	if res.AttachmentsRemote != 1 {
		t.Fatalf("retry recovered %d remote attachments, want 1", res.AttachmentsRemote)
	}

	var attachments int
	database.QueryRow(`SELECT COUNT(*) FROM attachments`).Scan(&attachments)
	if attachments != 1 {
		t.Fatalf("archive holds %d attachment rows, want 1", attachments)
	}
}

func TestProgressIsMonotonicAndThrottled(t *testing.T) {
	database := testutil.OpenTestDB(t)
	r := NewRunner(database)

	fake := &fakeAdapter{}
	base := time.Now().Add(-24 * time.Hour).Truncate(time.Second)
	for i := 0; i < 1000; i++ {
		fake.messages = append(fake.messages,
			rawAt(fmt.Sprintf("msg-%d", i), base.Add(time.Duration(i)*time.Second), "hi"))
	}

	var events []Progress
	_, err := r.Run(context.Background(), fake, Options{
		Account:    "acct",
		ChunkSize:  10,
		OnProgress: func(p Progress) { events = append(events, p) },
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(events) == 0 {
		t.Fatal("no progress events")
	}
	if len(events) > 150 {
		t.Fatalf("%d progress events for 1000 messages, want roughly 100", len(events))
	}
	var last int64 = -1
	for _, e := range events {
		if e.Current < last {
			t.Fatalf("progress went backwards: %d after %d", e.Current, last)
		}
		last = e.Current
		if e.Total != 1000 {
			t.Fatalf("total = %d", e.Total)
		}
	}
	final := events[len(events)-1]
	if final.Current != 1000 {
		t.Fatalf("final current = %d", final.Current)
	}
}

func TestUndecodableBodyLandsAsNull(t *testing.T) {
	database := testutil.OpenTestDB(t)
	r := NewRunner(database)

	m := rawAt("msg-bin", time.Now().Add(-time.Hour), "")
	m.PlainText = ""
	m.BodyBlob = []byte{0x00, 0xff, 0xfe, 0x01, 0x02, 0x03, 0x9c, 0x80}
	fake := &fakeAdapter{messages: []*source.RawMessage{m}}

	res, err := r.Run(context.Background(), fake, Options{Account: "acct", ChunkSize: 5})
	if err != nil {
		t.Fatal(err)
	}
	if res.UndecodableBodies != 1 {
		t.Fatalf("undecodable = %d", res.UndecodableBodies)
	}

	var body *string
	var bodyStatus string
	err = database.QueryRow(`SELECT body, body_status FROM messages WHERE guid = 'msg-bin'`).
		Scan(&body, &bodyStatus)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		t.Fatalf("body = %q, want NULL", *body)
	}
	if bodyStatus != "undecodable" {
		t.Fatalf("body_status = %q", bodyStatus)
	}
}
