package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"signalbot/internal/cadence"
	"signalbot/internal/eventbus"
	"signalbot/internal/format"
	"signalbot/internal/producer"
	"signalbot/internal/reconcile"
	"signalbot/internal/storage"
	"signalbot/internal/transport"
	"signalbot/internal/workitem"
	logx "signalbot/pkg/logx"
)

var t0 = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu    sync.Mutex
	sends []transport.Destination
	texts []string
	next  atomic.Int64
	calls atomic.Int32

	err   error
	block bool
	delay time.Duration
}

func (f *fakeSender) Send(ctx context.Context, to transport.Destination, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.block {
		<-ctx.Done()
		return transport.MessageRef{}, ctx.Err()
	}
	if f.err != nil {
		return transport.MessageRef{}, f.err
	}
	f.mu.Lock()
	f.sends = append(f.sends, to)
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: int(1000 + f.next.Add(1))}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// failingCommit rejects every delivery commit.
type failingCommit struct {
	*storage.Memory
	calls atomic.Int32
}

func (f *failingCommit) MarkDelivered(context.Context, string, storage.Delivery) (bool, error) {
	f.calls.Add(1)
	return false, errors.New("write conflict: primary unavailable")
}

type harness struct {
	store  *storage.Memory
	ledger *cadence.Ledger
	recon  *reconcile.Reconciler
	sender *fakeSender
	c      *Consumer
	clock  time.Time
	sleeps []time.Duration
}

var testDestinations = map[workitem.Category]transport.Destination{
	workitem.CategoryPremium: {ChatID: -1001, ThreadID: 0},
	workitem.CategoryFree:    {ChatID: -1002, ThreadID: 0},
	workitem.CategoryNews:    {ChatID: -1003, ThreadID: 5},
}

func newHarness(t *testing.T, items storage.Items, store *storage.Memory, sender *fakeSender) *harness {
	t.Helper()
	h := &harness{store: store, sender: sender, clock: t0}
	h.ledger = cadence.New(store, nil)
	h.recon = reconcile.New(store, nil, logx.Nop())
	c, err := New(Config{WorkerID: "w1", Destinations: testDestinations}, Deps{
		Items:      items,
		Cadence:    h.ledger,
		Reconciler: h.recon,
		Sender:     sender,
		Formatter:  format.Formatter{},
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.now = func() time.Time { return h.clock }
	c.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	h.c = c
	return h
}

func newMemoryHarness(t *testing.T) *harness {
	store := storage.NewMemory()
	return newHarness(t, store, store, &fakeSender{})
}

func signal(cat workitem.Category, created time.Time) workitem.Item {
	return workitem.Item{
		Kind:     workitem.KindSignal,
		Category: cat,
		Signal: &workitem.Signal{
			Pair: "EURUSD", Direction: "buy", Entry: 1.085, StopLoss: 1.08, TakeProfit: 1.095,
		},
		CreatedAt: created,
	}
}

func news(created time.Time) workitem.Item {
	return workitem.Item{
		Kind:      workitem.KindNews,
		Category:  workitem.CategoryNews,
		News:      &workitem.News{Title: "CPI beats", Summary: "<p>Hot print.</p>"},
		CreatedAt: created,
	}
}

func insert(t *testing.T, s storage.Items, it workitem.Item) workitem.Item {
	t.Helper()
	got, err := s.Insert(context.Background(), it)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return got
}

func status(t *testing.T, s storage.Items, id string) workitem.Item {
	t.Helper()
	it, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return it
}

func outcomeOf(rep Report, id string) ItemResult {
	for _, r := range rep.Items {
		if r.ItemID == id {
			return r
		}
	}
	return ItemResult{}
}

func TestPublishThenDeferSameCategory(t *testing.T) {
	t.Parallel()
	h := newMemoryHarness(t)
	first := insert(t, h.store, signal(workitem.CategoryPremium, t0.Add(-2*time.Minute)))
	second := insert(t, h.store, signal(workitem.CategoryPremium, t0.Add(-time.Minute)))

	rep := h.c.Tick(context.Background())
	if rep.Error != "" {
		t.Fatalf("tick error: %s", rep.Error)
	}

	a := status(t, h.store, first.ID)
	if a.Status != workitem.StatusActive {
		t.Fatalf("first status = %s, want active", a.Status)
	}
	if a.LastTransportMessageID == 0 || !a.SentAt.Equal(t0) {
		t.Fatalf("first delivery = msg %d at %v", a.LastTransportMessageID, a.SentAt)
	}
	if !a.HasChannel(testDestinations[workitem.CategoryPremium].String()) {
		t.Fatalf("sent_channels = %v", a.SentChannels)
	}
	last, ok, _ := h.store.LastPublished(context.Background(), workitem.CategoryPremium)
	if !ok || !last.Equal(t0) {
		t.Fatalf("ledger = %v (ok=%v), want %v", last, ok, t0)
	}

	if b := status(t, h.store, second.ID); b.Status != workitem.StatusDeferred {
		t.Fatalf("second status = %s, want deferred", b.Status)
	}
	if got := outcomeOf(rep, second.ID).Outcome; got != OutcomeDeferred {
		t.Fatalf("second outcome = %s, want deferred", got)
	}
	if h.sender.count() != 1 {
		t.Fatalf("sends = %d, want 1", h.sender.count())
	}
}

func TestCadenceWindowAcrossTicks(t *testing.T) {
	t.Parallel()
	h := newMemoryHarness(t)
	insert(t, h.store, signal(workitem.CategoryFree, t0.Add(-time.Minute)))
	h.c.Tick(context.Background())

	h.clock = t0.Add(6 * 24 * time.Hour)
	late := insert(t, h.store, signal(workitem.CategoryFree, h.clock))
	h.c.Tick(context.Background())
	if st := status(t, h.store, late.ID).Status; st != workitem.StatusDeferred {
		t.Fatalf("inside the 7d window status = %s, want deferred", st)
	}

	h.clock = t0.Add(7 * 24 * time.Hour)
	later := insert(t, h.store, signal(workitem.CategoryFree, h.clock))
	h.c.Tick(context.Background())
	if st := status(t, h.store, later.ID).Status; st != workitem.StatusActive {
		t.Fatalf("after the window status = %s, want active", st)
	}
	if h.sender.count() != 2 {
		t.Fatalf("sends = %d, want 2", h.sender.count())
	}
}

func TestExpiredItemUntouched(t *testing.T) {
	t.Parallel()
	h := newMemoryHarness(t)
	it := signal(workitem.CategoryPremium, t0.Add(-time.Hour))
	it.ExpiresAt = t0.Add(-time.Second)
	it = insert(t, h.store, it)

	rep := h.c.Tick(context.Background())
	if len(rep.Items) != 0 {
		t.Fatalf("report items = %+v, want none", rep.Items)
	}
	got := status(t, h.store, it.ID)
	if got.Status != workitem.StatusPending || !got.ClaimedAt.IsZero() {
		t.Fatalf("expired item = %s claimed_at=%v, want untouched", got.Status, got.ClaimedAt)
	}
	if h.sender.count() != 0 {
		t.Fatal("expired item was sent")
	}
}

func TestConcurrentConsumersSendOnce(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	sender := &fakeSender{delay: 20 * time.Millisecond}
	it := insert(t, store, signal(workitem.CategoryPremium, t0.Add(-time.Minute)))

	var consumers []*Consumer
	for i := 0; i < 2; i++ {
		h := newHarness(t, store, store, sender)
		consumers = append(consumers, h.c)
	}

	var wg sync.WaitGroup
	reports := make([]Report, len(consumers))
	for i, c := range consumers {
		wg.Add(1)
		go func(i int, c *Consumer) {
			defer wg.Done()
			reports[i] = c.Tick(context.Background())
		}(i, c)
	}
	wg.Wait()

	if sender.count() != 1 {
		t.Fatalf("sends = %d, want exactly 1", sender.count())
	}
	if st := status(t, store, it.ID).Status; st != workitem.StatusActive {
		t.Fatalf("status = %s, want active", st)
	}
	sent := reports[0].Count(OutcomeSent) + reports[1].Count(OutcomeSent)
	if sent != 1 {
		t.Fatalf("sent outcomes = %d, want 1", sent)
	}
}

func TestCommitExhaustedRecordsFailure(t *testing.T) {
	t.Parallel()
	store := &failingCommit{Memory: storage.NewMemory()}
	h := newHarness(t, store, store.Memory, &fakeSender{})
	it := insert(t, store, signal(workitem.CategoryPremium, t0.Add(-time.Minute)))

	rep := h.c.Tick(context.Background())
	res := outcomeOf(rep, it.ID)
	if res.Outcome != OutcomeSent || res.Reason != ReasonCommitExhausted {
		t.Fatalf("outcome = %+v, want sent/commit_exhausted", res)
	}
	if got := store.calls.Load(); got != 3 {
		t.Fatalf("commit attempts = %d, want 3", got)
	}
	if len(h.sleeps) != 2 || h.sleeps[0] != time.Second || h.sleeps[1] != 2*time.Second {
		t.Fatalf("backoff = %v, want [1s 2s]", h.sleeps)
	}

	recs, err := h.recon.List(context.Background(), time.Time{}, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("failure records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.ItemID != it.ID || rec.TransportMessageID != res.MessageID || rec.TransportMessageID == 0 {
		t.Fatalf("record = %+v, want item %s message %d", rec, it.ID, res.MessageID)
	}
	if rec.Reason != workitem.ReasonCommitExhausted || rec.ItemSnapshot == "" || rec.Error == "" {
		t.Fatalf("record = %+v", rec)
	}
	if st := status(t, store, it.ID).Status; st != workitem.StatusSending {
		t.Fatalf("status = %s, want sending (not reverted)", st)
	}
}

func TestRecordedItemIsNotResent(t *testing.T) {
	t.Parallel()
	h := newMemoryHarness(t)
	it := insert(t, h.store, signal(workitem.CategoryPremium, t0.Add(-time.Minute)))
	// Recorded after the item was inserted.
	_ = h.recon.Record(context.Background(), workitem.DeliveryFailure{ItemID: it.ID, Reason: workitem.ReasonCommitExhausted})

	rep := h.c.Tick(context.Background())
	res := outcomeOf(rep, it.ID)
	if res.Outcome != OutcomeSkipped || res.Reason != ReasonReconciliationPending {
		t.Fatalf("outcome = %+v, want skipped/reconciliation_pending", res)
	}
	if h.sender.count() != 0 {
		t.Fatal("item with a failure record was sent")
	}
	if st := status(t, h.store, it.ID).Status; st != workitem.StatusSending {
		t.Fatalf("status = %s, want sending", st)
	}
}

func TestRequeueAfterReconciliationSendsAgain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	sender := &fakeSender{block: true}
	h := newHarness(t, store, store, sender)
	cfg := h.c.Config()
	cfg.SendTimeout = 30 * time.Millisecond
	h.c.Apply(cfg)
	it := insert(t, store, signal(workitem.CategoryPremium, t0.Add(-time.Minute)))

	if res := outcomeOf(h.c.Tick(ctx), it.ID); res.Outcome != OutcomeUnconfirmed {
		t.Fatalf("first outcome = %+v, want unconfirmed", res)
	}
	if _, err := producer.New(store, logx.Nop()).Requeue(ctx, it.ID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	sender.block = false
	h.clock = t0.Add(8 * 24 * time.Hour)
	res := outcomeOf(h.c.Tick(ctx), it.ID)
	if res.Outcome != OutcomeSent {
		t.Fatalf("outcome after requeue = %+v, want sent", res)
	}
	if sender.count() != 1 {
		t.Fatalf("sends = %d, want 1", sender.count())
	}
}

func TestPartialSendIsNotResent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	sender := &fakeSender{err: &transport.PartialSendError{
		First:     transport.MessageRef{ChatID: -1001, MessageID: 501},
		Delivered: 1,
		Parts:     3,
		Err:       errors.New("telegram: retry after 30"),
	}}
	h := newHarness(t, store, store, sender)
	it := insert(t, store, signal(workitem.CategoryPremium, t0.Add(-time.Minute)))

	res := outcomeOf(h.c.Tick(ctx), it.ID)
	if res.Outcome != OutcomeUnconfirmed || res.Reason != string(workitem.ReasonSendPartial) || res.MessageID != 501 {
		t.Fatalf("outcome = %+v, want unconfirmed/send_partial with message 501", res)
	}
	got := status(t, store, it.ID)
	if got.Status != workitem.StatusSending || got.SendAttempts != 0 {
		t.Fatalf("item = %s attempts %d, want sending with no attempt counted", got.Status, got.SendAttempts)
	}
	recs, _ := h.recon.List(ctx, time.Time{}, 0)
	if len(recs) != 1 || recs[0].Reason != workitem.ReasonSendPartial || recs[0].TransportMessageID != 501 {
		t.Fatalf("records = %+v, want one send_partial for message 501", recs)
	}
	if last, ok, _ := store.LastPublished(ctx, workitem.CategoryPremium); !ok || !last.Equal(t0) {
		t.Fatalf("ledger = %v (ok=%v), want %v", last, ok, t0)
	}

	for i := 0; i < 3; i++ {
		h.clock = h.clock.Add(8 * 24 * time.Hour)
		h.c.Tick(ctx)
	}
	if n := sender.calls.Load(); n != 1 {
		t.Fatalf("send calls = %d, want 1", n)
	}
}

func TestConcurrentConsumersShareCadence(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	sender := &fakeSender{delay: 20 * time.Millisecond}
	a := insert(t, store, signal(workitem.CategoryPremium, t0.Add(-2*time.Minute)))
	b := insert(t, store, signal(workitem.CategoryPremium, t0.Add(-time.Minute)))

	var consumers []*Consumer
	for i := 0; i < 2; i++ {
		consumers = append(consumers, newHarness(t, store, store, sender).c)
	}
	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func(c *Consumer) {
			defer wg.Done()
			c.Tick(context.Background())
		}(c)
	}
	wg.Wait()

	if sender.count() != 1 {
		t.Fatalf("sends = %d, want 1 per cadence window", sender.count())
	}
	var active, deferred int
	for _, id := range []string{a.ID, b.ID} {
		switch status(t, store, id).Status {
		case workitem.StatusActive:
			active++
		case workitem.StatusDeferred:
			deferred++
		}
	}
	if active != 1 || deferred != 1 {
		t.Fatalf("active=%d deferred=%d, want 1 and 1", active, deferred)
	}
}

func TestInvalidPayloadDeadLetters(t *testing.T) {
	t.Parallel()
	h := newMemoryHarness(t)
	bad := signal(workitem.CategoryFree, t0.Add(-time.Minute))
	bad.Signal.StopLoss = 0
	bad = insert(t, h.store, bad)

	rep := h.c.Tick(context.Background())
	if got := outcomeOf(rep, bad.ID).Outcome; got != OutcomeInvalid {
		t.Fatalf("outcome = %s, want invalid", got)
	}
	got := status(t, h.store, bad.ID)
	if got.Status != workitem.StatusInvalid || got.LastError == "" {
		t.Fatalf("item = %s (%q), want invalid with last_error", got.Status, got.LastError)
	}
}

func TestSendFailureRequeuesThenFails(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	sender := &fakeSender{err: errors.New("chat not found")}
	h := newHarness(t, store, store, sender)
	it := insert(t, store, signal(workitem.CategoryPremium, t0.Add(-time.Minute)))

	for i := 1; i <= 3; i++ {
		rep := h.c.Tick(context.Background())
		res := outcomeOf(rep, it.ID)
		got := status(t, store, it.ID)
		if got.SendAttempts != i {
			t.Fatalf("tick %d: send_attempts = %d", i, got.SendAttempts)
		}
		want, reason := workitem.StatusPending, ReasonRequeued
		if i == 3 {
			want, reason = workitem.StatusFailed, ReasonSendFailed
		}
		if got.Status != want || res.Outcome != OutcomeError || res.Reason != reason {
			t.Fatalf("tick %d: status=%s outcome=%+v, want %s/%s", i, got.Status, res, want, reason)
		}
	}
	if last, ok, _ := store.LastPublished(context.Background(), workitem.CategoryPremium); ok {
		t.Fatalf("ledger updated to %v after failed sends", last)
	}
}

func TestSendTimeoutIsUnconfirmed(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	h := newHarness(t, store, store, &fakeSender{block: true})
	cfg := h.c.Config()
	cfg.SendTimeout = 30 * time.Millisecond
	h.c.Apply(cfg)
	it := insert(t, store, signal(workitem.CategoryPremium, t0.Add(-time.Minute)))

	rep := h.c.Tick(context.Background())
	if res := outcomeOf(rep, it.ID); res.Outcome != OutcomeUnconfirmed {
		t.Fatalf("outcome = %+v, want unconfirmed", res)
	}
	if st := status(t, store, it.ID).Status; st != workitem.StatusSending {
		t.Fatalf("status = %s, want sending", st)
	}
	recs, _ := h.recon.List(context.Background(), time.Time{}, 0)
	if len(recs) != 1 || recs[0].Reason != workitem.ReasonSendUnconfirmed {
		t.Fatalf("records = %+v, want one send_unconfirmed", recs)
	}
}

func TestNewsOnePerTickAndGatedBeforeClaim(t *testing.T) {
	t.Parallel()
	h := newMemoryHarness(t)
	cfg := h.c.Config()
	cfg.NewsBatch = 3
	h.c.Apply(cfg)

	n1 := insert(t, h.store, news(t0.Add(-3*time.Minute)))
	n2 := insert(t, h.store, news(t0.Add(-2*time.Minute)))
	sig := insert(t, h.store, signal(workitem.CategoryPremium, t0.Add(-time.Minute)))

	rep := h.c.Tick(context.Background())
	if st := status(t, h.store, n1.ID).Status; st != workitem.StatusPublished {
		t.Fatalf("oldest news = %s, want published", st)
	}
	if st := status(t, h.store, n2.ID).Status; st != workitem.StatusPending {
		t.Fatalf("second news = %s, want pending (window closed before claim)", st)
	}
	if st := status(t, h.store, sig.ID).Status; st != workitem.StatusActive {
		t.Fatalf("signal = %s, want active alongside news", st)
	}
	if rep.Count(OutcomeSent) != 2 {
		t.Fatalf("sent = %d, want 2", rep.Count(OutcomeSent))
	}

	// Window still closed: nothing is claimed.
	h.clock = t0.Add(30 * time.Minute)
	rep = h.c.Tick(context.Background())
	if len(rep.Items) != 0 {
		t.Fatalf("items = %+v, want none while news window is closed", rep.Items)
	}

	h.clock = t0.Add(61 * time.Minute)
	h.c.Tick(context.Background())
	if st := status(t, h.store, n2.ID).Status; st != workitem.StatusPublished {
		t.Fatalf("second news after window = %s, want published", st)
	}
}

func TestMissingDestinationReleasesClaim(t *testing.T) {
	t.Parallel()
	h := newMemoryHarness(t)
	cfg := h.c.Config()
	cfg.Destinations = map[workitem.Category]transport.Destination{}
	h.c.Apply(cfg)
	it := insert(t, h.store, signal(workitem.CategoryPremium, t0.Add(-time.Minute)))

	rep := h.c.Tick(context.Background())
	if res := outcomeOf(rep, it.ID); res.Outcome != OutcomeError {
		t.Fatalf("outcome = %+v, want error", res)
	}
	if st := status(t, h.store, it.ID).Status; st != workitem.StatusPending {
		t.Fatalf("status = %s, want pending", st)
	}
}

func TestCancelledTickStartsNoItems(t *testing.T) {
	t.Parallel()
	h := newMemoryHarness(t)
	insert(t, h.store, signal(workitem.CategoryPremium, t0.Add(-time.Minute)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := h.c.Tick(ctx)
	if len(rep.Items) != 0 || h.sender.count() != 0 {
		t.Fatalf("cancelled tick processed %d items", len(rep.Items))
	}
}

func TestTickPublishesEvents(t *testing.T) {
	t.Parallel()
	h := newMemoryHarness(t)
	bus := eventbus.New()
	h.c.bus = bus
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	insert(t, h.store, signal(workitem.CategoryPremium, t0.Add(-time.Minute)))

	h.c.Tick(context.Background())

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	if len(types) != 2 || types[0] != EventItem || types[1] != EventTick {
		t.Fatalf("events = %v, want [%s %s]", types, EventItem, EventTick)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{Interval: time.Second}.withDefaults()
	if cfg.Interval != MinInterval {
		t.Fatalf("Interval = %v, want floor %v", cfg.Interval, MinInterval)
	}
	if cfg.SignalBatch != 20 || cfg.NewsBatch != 1 || cfg.CommitAttempts != 3 || cfg.SendTimeout != 15*time.Second {
		t.Fatalf("defaults = %+v", cfg)
	}
	if got := commitDelay(time.Second, 3); got != 4*time.Second {
		t.Fatalf("commitDelay(3) = %v, want 4s", got)
	}
	if got := cfg.DrainTimeout(); got != 23*time.Second {
		t.Fatalf("DrainTimeout = %v, want 15s send + 3s backoff + 5s slack", got)
	}
	slow := Config{SendTimeout: time.Minute, CommitAttempts: 4, CommitBackoff: 2 * time.Second}
	if got := slow.DrainTimeout(); got != time.Minute+14*time.Second+drainSlack {
		t.Fatalf("DrainTimeout = %v", got)
	}
}
