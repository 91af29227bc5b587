package producer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"signalbot/internal/storage"
	"signalbot/internal/workitem"
	logx "signalbot/pkg/logx"
)

var t0 = time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

func newProducer() (*Producer, *storage.Memory) {
	store := storage.NewMemory()
	p := New(store, logx.Nop())
	p.now = func() time.Time { return t0 }
	return p, store
}

func TestEnqueueSignal(t *testing.T) {
	t.Parallel()
	p, store := newProducer()
	req, err := DecodeRequest(strings.NewReader(`{
		"category": "premium",
		"signal": {"pair":"BTCUSDT","direction":"short","entry":65000,"stop_loss":66000,"take_profit":62000},
		"ttl": "6h"
	}`))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	it, err := p.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if it.ID == "" || it.Kind != workitem.KindSignal || it.Status != workitem.StatusPending {
		t.Fatalf("item = %+v", it)
	}
	if it.Signal.Direction != "SELL" {
		t.Fatalf("direction = %q, want SELL", it.Signal.Direction)
	}
	if !it.ExpiresAt.Equal(t0.Add(6 * time.Hour)) {
		t.Fatalf("expires_at = %v", it.ExpiresAt)
	}
	if _, err := store.Get(context.Background(), it.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestEnqueueNewsDefaultsCategory(t *testing.T) {
	t.Parallel()
	p, _ := newProducer()
	it, err := p.Enqueue(context.Background(), Request{News: &workitem.News{Title: "t", URL: "https://x.test"}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if it.Kind != workitem.KindNews || it.Category != workitem.CategoryNews {
		t.Fatalf("item = %s/%s", it.Kind, it.Category)
	}
}

func TestEnqueueRejects(t *testing.T) {
	t.Parallel()
	p, _ := newProducer()
	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"expired", Request{Category: workitem.CategoryFree, ExpiresAt: t0.Add(-time.Minute),
			Signal: &workitem.Signal{Pair: "X", Direction: "buy", Entry: 1, StopLoss: 1, TakeProfit: 1}}, ErrExpired},
		{"no payload", Request{Category: workitem.CategoryFree}, workitem.ErrInvalidPayload},
		{"bad ttl", Request{TTL: "soon", News: &workitem.News{Title: "t", Summary: "s"}}, workitem.ErrInvalidPayload},
		{"news as premium", Request{Category: workitem.CategoryPremium, News: &workitem.News{Title: "t", Summary: "s"}}, workitem.ErrInvalidPayload},
	}
	for _, tc := range cases {
		if _, err := p.Enqueue(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestDecodeRequests(t *testing.T) {
	t.Parallel()
	reqs, err := DecodeRequests([]byte(`[{"news":{"title":"a","summary":"b"}},{"news":{"title":"c","summary":"d"}}]`))
	if err != nil || len(reqs) != 2 {
		t.Fatalf("DecodeRequests = %d, %v", len(reqs), err)
	}
	if _, err := DecodeRequests([]byte(`{"news":{"title":"a"},"bogus":1}`)); err == nil {
		t.Fatal("unknown fields should be rejected")
	}
	if _, err := DecodeRequest(strings.NewReader(`{} {}`)); err == nil {
		t.Fatal("trailing data should be rejected")
	}
}

func TestRequeue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, store := newProducer()
	it, err := p.Enqueue(ctx, Request{News: &workitem.News{Title: "t", Summary: "s"}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := p.Requeue(ctx, it.ID); !errors.Is(err, ErrNotRequeueable) {
		t.Fatalf("Requeue(pending) err = %v, want ErrNotRequeueable", err)
	}
	if _, err := p.Requeue(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Requeue(missing) err = %v, want ErrNotFound", err)
	}

	if ok, _ := store.Transition(ctx, it.ID, workitem.StatusPending, workitem.StatusSending, storage.Update{At: t0}); !ok {
		t.Fatal("claim failed")
	}
	p.now = func() time.Time { return t0.Add(time.Hour) }
	got, err := p.Requeue(ctx, it.ID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if got.Status != workitem.StatusPending || !got.UpdatedAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("item = %s at %v, want pending at %v", got.Status, got.UpdatedAt, t0.Add(time.Hour))
	}
	if got.LastError == "" {
		t.Fatal("requeue left no last_error note")
	}
}

func TestRequeueRejectsExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, store := newProducer()
	it, _ := p.Enqueue(ctx, Request{News: &workitem.News{Title: "t", Summary: "s"}, TTL: "1h"})
	_, _ = store.Transition(ctx, it.ID, workitem.StatusPending, workitem.StatusFailed, storage.Update{At: t0})

	p.now = func() time.Time { return t0.Add(2 * time.Hour) }
	if _, err := p.Requeue(ctx, it.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("Requeue(expired) err = %v, want ErrExpired", err)
	}
}

func TestRequeueLeavesDeferredAlone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, store := newProducer()
	it, _ := p.Enqueue(ctx, Request{News: &workitem.News{Title: "t", Summary: "s"}})
	_, _ = store.Transition(ctx, it.ID, workitem.StatusPending, workitem.StatusDeferred, storage.Update{At: t0})

	if _, err := p.Requeue(ctx, it.ID); !errors.Is(err, ErrNotRequeueable) {
		t.Fatalf("Requeue(deferred) err = %v, want ErrNotRequeueable", err)
	}
}
