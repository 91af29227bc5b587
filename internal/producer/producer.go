// Package producer is the write side used by signal and news generators:
// it validates a request and inserts a pending work item.
package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"signalbot/internal/storage"
	"signalbot/internal/workitem"
	logx "signalbot/pkg/logx"
)

var ErrExpired = errors.New("expires_at is in the past")

// Request is the producer-facing shape of a work item.
type Request struct {
	ID        string            `json:"id,omitempty"`
	Kind      workitem.Kind     `json:"kind,omitempty"`
	Category  workitem.Category `json:"category,omitempty"`
	Signal    *workitem.Signal  `json:"signal,omitempty"`
	News      *workitem.News    `json:"news,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
	// TTL is a Go duration ("6h") relative to now; ignored when ExpiresAt is set.
	TTL string `json:"ttl,omitempty"`
}

// DecodeRequest parses one JSON request strictly.
func DecodeRequest(r io.Reader) (Request, error) {
	var req Request
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		return Request{}, errors.New("decode request: trailing data")
	}
	return req, nil
}

// DecodeRequests accepts either one object or an array of objects.
func DecodeRequests(data []byte) ([]Request, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, fmt.Errorf("decode requests: %w", err)
		}
		out := make([]Request, 0, len(raws))
		for i, raw := range raws {
			req, err := DecodeRequest(bytes.NewReader(raw))
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out = append(out, req)
		}
		return out, nil
	}
	req, err := DecodeRequest(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return []Request{req}, nil
}

type Producer struct {
	items storage.Items
	log   logx.Logger
	now   func() time.Time
}

func New(items storage.Items, log logx.Logger) *Producer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Producer{items: items, log: log, now: time.Now}
}

// Build turns a request into a pending item without touching the store.
func (p *Producer) Build(req Request) (workitem.Item, error) {
	now := p.now().UTC()
	it := workitem.Item{
		ID:        strings.TrimSpace(req.ID),
		Kind:      req.Kind,
		Category:  req.Category,
		Status:    workitem.StatusPending,
		Signal:    req.Signal,
		News:      req.News,
		CreatedAt: req.CreatedAt,
		ExpiresAt: req.ExpiresAt,
	}
	if it.Kind == "" {
		switch {
		case it.Signal != nil && it.News == nil:
			it.Kind = workitem.KindSignal
		case it.News != nil && it.Signal == nil:
			it.Kind = workitem.KindNews
		}
	}
	if it.Kind == workitem.KindNews && it.Category == "" {
		it.Category = workitem.CategoryNews
	}
	if it.Kind == workitem.KindSignal && it.Signal != nil {
		if d, ok := workitem.NormalizeDirection(it.Signal.Direction); ok {
			sig := *it.Signal
			sig.Direction = d
			it.Signal = &sig
		}
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.ExpiresAt.IsZero() && strings.TrimSpace(req.TTL) != "" {
		ttl, err := time.ParseDuration(strings.TrimSpace(req.TTL))
		if err != nil || ttl <= 0 {
			return workitem.Item{}, fmt.Errorf("%w: ttl %q", workitem.ErrInvalidPayload, req.TTL)
		}
		it.ExpiresAt = now.Add(ttl)
	}
	if !it.ExpiresAt.IsZero() && it.Expired(now) {
		return workitem.Item{}, ErrExpired
	}
	if err := it.Validate(); err != nil {
		return workitem.Item{}, err
	}
	return it, nil
}

// Enqueue validates req and inserts it as pending.
func (p *Producer) Enqueue(ctx context.Context, req Request) (workitem.Item, error) {
	it, err := p.Build(req)
	if err != nil {
		return workitem.Item{}, err
	}
	out, err := p.items.Insert(ctx, it)
	if err != nil {
		return workitem.Item{}, fmt.Errorf("insert: %w", err)
	}
	p.log.Info("item enqueued",
		logx.String("item_id", out.ID),
		logx.String("kind", string(out.Kind)),
		logx.String("category", string(out.Category)))
	return out, nil
}

var ErrNotRequeueable = errors.New("item cannot be requeued")

// Requeue moves a sending or failed item back to pending. It is the
// operator's way out after reconciling a delivery failure by hand: the new
// updated_at makes older failure records stop blocking the resend.
func (p *Producer) Requeue(ctx context.Context, id string) (workitem.Item, error) {
	it, err := p.items.Get(ctx, id)
	if err != nil {
		return workitem.Item{}, err
	}
	switch it.Status {
	case workitem.StatusSending, workitem.StatusFailed:
	default:
		return workitem.Item{}, fmt.Errorf("%w: status %s", ErrNotRequeueable, it.Status)
	}
	now := p.now().UTC()
	if it.Expired(now) {
		return workitem.Item{}, ErrExpired
	}
	ok, err := p.items.Transition(ctx, id, it.Status, workitem.StatusPending, storage.Update{At: now, Error: "requeued by operator"})
	if err != nil {
		return workitem.Item{}, fmt.Errorf("transition: %w", err)
	}
	if !ok {
		return workitem.Item{}, fmt.Errorf("%w: status changed concurrently", ErrNotRequeueable)
	}
	p.log.Warn("item requeued",
		logx.String("item_id", id),
		logx.String("from", string(it.Status)))
	return p.items.Get(ctx, id)
}
