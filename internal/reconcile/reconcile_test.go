package reconcile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"signalbot/internal/storage"
	"signalbot/internal/workitem"
	logx "signalbot/pkg/logx"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func record(id string, at time.Time) workitem.DeliveryFailure {
	return workitem.DeliveryFailure{
		ItemID:             id,
		Kind:               workitem.KindSignal,
		Category:           workitem.CategoryPremium,
		Destination:        "tg:-100/0",
		TransportMessageID: 77,
		Reason:             workitem.ReasonCommitExhausted,
		Error:              "store unavailable",
		ItemSnapshot:       `{"id":"` + id + `"}`,
		RecordedAt:         at,
	}
}

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "nested", "failures.jsonl"))
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	return j
}

type brokenFailures struct{ storage.Failures }

func (brokenFailures) AppendFailure(context.Context, workitem.DeliveryFailure) error {
	return errors.New("db down")
}
func (brokenFailures) ListFailures(context.Context, time.Time, int) ([]workitem.DeliveryFailure, error) {
	return nil, errors.New("db down")
}
func (brokenFailures) HasFailure(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("db down")
}

func TestRecordWritesBothSinks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	j := openJournal(t)
	r := New(store, j, logx.Nop())

	if err := r.Record(ctx, record("a", t0)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	fromStore, _ := store.ListFailures(ctx, time.Time{}, 0)
	fromJournal, err := j.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(fromStore) != 1 || len(fromJournal) != 1 {
		t.Fatalf("store=%d journal=%d, want 1 each", len(fromStore), len(fromJournal))
	}

	// Merged view de-duplicates the same record.
	list, err := r.List(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].TransportMessageID != 77 {
		t.Fatalf("List = %+v, want one record with message 77", list)
	}
}

func TestRecordSurvivesStoreOutage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openJournal(t)
	r := New(brokenFailures{}, j, logx.Nop())

	if err := r.Record(ctx, record("b", t0)); err != nil {
		t.Fatalf("Record with journal fallback: %v", err)
	}
	ok, err := r.Has(ctx, "b", time.Time{})
	if err != nil || !ok {
		t.Fatalf("Has(b) = %v, %v; want true", ok, err)
	}
	if _, err := r.Has(ctx, "missing", time.Time{}); err == nil {
		t.Fatal("Has(missing) should surface the store error")
	}
}

func TestRecordFailsWhenNoSinkAccepts(t *testing.T) {
	t.Parallel()
	r := New(brokenFailures{}, nil, logx.Nop())
	if err := r.Record(context.Background(), record("c", t0)); err == nil {
		t.Fatal("Record should fail when every sink fails")
	}
	if err := New(nil, nil, logx.Nop()).Record(context.Background(), record("c", t0)); !errors.Is(err, ErrNoSink) {
		t.Fatalf("Record err = %v, want ErrNoSink", err)
	}
}

func TestListMergesNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	j := openJournal(t)

	_ = store.AppendFailure(ctx, record("old", t0))
	_ = j.Append(ctx, record("mid", t0.Add(time.Minute)))
	_ = store.AppendFailure(ctx, record("new", t0.Add(2*time.Minute)))
	_ = j.Append(ctx, record("new", t0.Add(2*time.Minute)))

	r := NewReader(store, j)
	list, err := r.List(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var ids []string
	for _, rec := range list {
		ids = append(ids, rec.ItemID)
	}
	if got := strings.Join(ids, ","); got != "new,mid,old" {
		t.Fatalf("List order = %s, want new,mid,old", got)
	}

	since, _ := r.List(ctx, t0.Add(30*time.Second), 0)
	if len(since) != 2 {
		t.Fatalf("List(since) = %d records, want 2", len(since))
	}
	limited, _ := r.List(ctx, time.Time{}, 1)
	if len(limited) != 1 || limited[0].ItemID != "new" {
		t.Fatalf("List(limit 1) = %+v", limited)
	}
}

func TestJournalSkipsTornLines(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openJournal(t)
	_ = j.Append(ctx, record("ok", t0))

	f, err := os.OpenFile(j.Path(), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString(`{"item_id":"torn","reas`)
	_ = f.Close()

	recs, err := j.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 1 || recs[0].ItemID != "ok" {
		t.Fatalf("ReadAll = %+v, want only the intact record", recs)
	}
}

func TestAppendAfterTornLineStaysReadable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openJournal(t)
	_ = j.Append(ctx, record("ok", t0))

	f, err := os.OpenFile(j.Path(), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString(`{"item_id":"torn","reas`)
	_ = f.Close()

	if err := j.Append(ctx, record("after", t0.Add(time.Minute))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	recs, err := j.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 2 || recs[0].ItemID != "ok" || recs[1].ItemID != "after" {
		t.Fatalf("ReadAll = %+v, want ok and after", recs)
	}
	if at, ok, err := j.Latest(ctx, "after"); err != nil || !ok || !at.Equal(t0.Add(time.Minute)) {
		t.Fatalf("Latest(after) = %v, %v, %v", at, ok, err)
	}
}

func TestJournalLatestFollowsAppends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "failures.jsonl")
	reader, _ := OpenJournal(path)
	writer, _ := OpenJournal(path)

	if _, ok, err := reader.Latest(ctx, "a"); err != nil || ok {
		t.Fatalf("Latest on empty journal = %v, %v", ok, err)
	}
	_ = writer.Append(ctx, record("a", t0))
	if at, ok, _ := reader.Latest(ctx, "a"); !ok || !at.Equal(t0) {
		t.Fatalf("Latest(a) = %v, %v; want %v", at, ok, t0)
	}
	_ = writer.Append(ctx, record("a", t0.Add(time.Hour)))
	_ = writer.Append(ctx, record("b", t0))
	if at, _, _ := reader.Latest(ctx, "a"); !at.Equal(t0.Add(time.Hour)) {
		t.Fatalf("Latest(a) = %v, want %v", at, t0.Add(time.Hour))
	}
	if _, ok, _ := reader.Latest(ctx, "b"); !ok {
		t.Fatal("Latest(b) missed a record appended by another handle")
	}

	// A rotated journal is indexed from scratch.
	if err := os.Truncate(path, 0); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, ok, _ := reader.Latest(ctx, "a"); ok {
		t.Fatal("Latest(a) still set after the journal was truncated")
	}
}

func TestHasHonoursSince(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New(storage.NewMemory(), openJournal(t), logx.Nop())
	if err := r.Record(ctx, record("a", t0)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	cases := []struct {
		since time.Time
		want  bool
	}{
		{time.Time{}, true},
		{t0, true},
		{t0.Add(time.Millisecond), false},
	}
	for _, tc := range cases {
		got, err := r.Has(ctx, "a", tc.since)
		if err != nil {
			t.Fatalf("Has: %v", err)
		}
		if got != tc.want {
			t.Fatalf("Has(since=%v) = %v, want %v", tc.since, got, tc.want)
		}
	}

	// Journal alone answers the same way.
	jr := NewReader(nil, r.journal)
	if ok, _ := jr.Has(ctx, "a", t0.Add(time.Second)); ok {
		t.Fatal("journal Has counted a record older than since")
	}
	if ok, _ := jr.Has(ctx, "a", t0); !ok {
		t.Fatal("journal Has missed the record")
	}
}

func TestJournalConcurrentAppends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.jsonl")
	a, _ := OpenJournal(path)
	b, _ := OpenJournal(path)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		j := a
		if i%2 == 1 {
			j = b
		}
		go func(j *Journal, i int) {
			defer wg.Done()
			if err := j.Append(ctx, record("x", t0.Add(time.Duration(i)*time.Second))); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(j, i)
	}
	wg.Wait()

	recs, err := a.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 20 {
		t.Fatalf("ReadAll = %d records, want 20", len(recs))
	}
}

type fakePutter struct {
	bucket, key, contentType string
	body                     []byte
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.bucket, f.key, f.contentType = *in.Bucket, *in.Key, *in.ContentType
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Export(t *testing.T) {
	t.Parallel()
	put := &fakePutter{}
	e := newS3Exporter(put, "ops-bucket", "")
	e.now = func() time.Time { return t0 }

	key, err := e.Export(context.Background(), []workitem.DeliveryFailure{record("a", t0), record("b", t0)})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if key != "failures/delivery_failures-20240501T090000Z.jsonl" || put.key != key {
		t.Fatalf("key = %q (put %q)", key, put.key)
	}
	if put.bucket != "ops-bucket" || put.contentType != "application/x-ndjson" {
		t.Fatalf("put = %+v", put)
	}
	if n := bytes.Count(put.body, []byte("\n")); n != 2 {
		t.Fatalf("body has %d lines, want 2", n)
	}
}
