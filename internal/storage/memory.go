package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"signalbot/internal/workitem"
)

// Memory is a process-local Store. Its compare-and-set semantics match the
// SQL backends, so it is used for tests and dry runs.
type Memory struct {
	mu       sync.Mutex
	items    map[string]workitem.Item
	ledger   map[workitem.Category]time.Time
	failures []workitem.DeliveryFailure
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{
		items:  map[string]workitem.Item{},
		ledger: map[workitem.Category]time.Time{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func cloneItem(it workitem.Item) workitem.Item {
	if it.Signal != nil {
		s := *it.Signal
		s.Warnings = append([]string(nil), it.Signal.Warnings...)
		it.Signal = &s
	}
	if it.News != nil {
		n := *it.News
		n.Symbols = append([]string(nil), it.News.Symbols...)
		it.News = &n
	}
	it.SentChannels = append([]string(nil), it.SentChannels...)
	return it
}

func (m *Memory) Insert(ctx context.Context, it workitem.Item) (workitem.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return workitem.Item{}, ErrDisabled
	}
	if strings.TrimSpace(it.ID) == "" {
		it.ID = uuid.NewString()
	}
	if _, ok := m.items[it.ID]; ok {
		return workitem.Item{}, ErrConflict
	}
	now := time.Now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.Status == "" {
		it.Status = workitem.StatusPending
	}
	it.UpdatedAt = now
	m.items[it.ID] = cloneItem(it)
	return cloneItem(it), nil
}

func (m *Memory) Get(ctx context.Context, id string) (workitem.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return workitem.Item{}, ErrNotFound
	}
	return cloneItem(it), nil
}

func sortOldestFirst(out []workitem.Item) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

func (m *Memory) ListCandidates(ctx context.Context, kind workitem.Kind, now time.Time, limit int) ([]workitem.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]workitem.Item, 0, 8)
	for _, it := range m.items {
		if it.Kind != kind || it.Status != workitem.StatusPending || it.Expired(now) {
			continue
		}
		out = append(out, cloneItem(it))
	}
	sortOldestFirst(out)
	if limit = normalizeLimit(limit, 20); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Claim(ctx context.Context, id, workerID string, now time.Time) (*workitem.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrDisabled
	}
	it, ok := m.items[id]
	if !ok || it.Status != workitem.StatusPending || it.Expired(now) {
		return nil, nil
	}
	it.Status = workitem.StatusSending
	it.ClaimedAt = now.UTC()
	it.ClaimedBy = workerID
	it.UpdatedAt = now.UTC()
	m.items[id] = it
	cp := cloneItem(it)
	return &cp, nil
}

func (m *Memory) Transition(ctx context.Context, id string, from, to workitem.Status, u Update) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrDisabled
	}
	it, ok := m.items[id]
	if !ok || it.Status != from {
		return false, nil
	}
	it.Status = to
	if u.Error != "" {
		it.LastError = u.Error
	}
	if u.IncAttempts {
		it.SendAttempts++
	}
	it.UpdatedAt = u.At.UTC()
	m.items[id] = it
	return true, nil
}

func (m *Memory) MarkDelivered(ctx context.Context, id string, d Delivery) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrDisabled
	}
	it, ok := m.items[id]
	if !ok || it.Status != workitem.StatusSending {
		return false, nil
	}
	it.Status = d.Status
	it.SentAt = d.SentAt.UTC()
	it.LastTransportMessageID = d.MessageID
	it.SentChannels = appendChannel(it.SentChannels, d.Channel)
	it.UpdatedAt = d.SentAt.UTC()
	m.items[id] = it
	return true, nil
}

func (m *Memory) ListByStatus(ctx context.Context, st workitem.Status, limit int) ([]workitem.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]workitem.Item, 0, 8)
	for _, it := range m.items {
		if it.Status == st {
			out = append(out, cloneItem(it))
		}
	}
	sortOldestFirst(out)
	if limit = normalizeLimit(limit, 100); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountByStatus(ctx context.Context) (map[workitem.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[workitem.Status]int{}
	for _, it := range m.items {
		out[it.Status]++
	}
	return out, nil
}

func (m *Memory) LastPublished(ctx context.Context, cat workitem.Category) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.ledger[cat]
	return t, ok, nil
}

func (m *Memory) SetPublished(ctx context.Context, cat workitem.Category, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisabled
	}
	at = at.UTC().Truncate(time.Millisecond)
	if cur, ok := m.ledger[cat]; ok && cur.After(at) {
		return nil
	}
	m.ledger[cat] = at
	return nil
}

func (m *Memory) ReservePublish(ctx context.Context, cat workitem.Category, at time.Time, window time.Duration) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return time.Time{}, false, ErrDisabled
	}
	at = at.UTC().Truncate(time.Millisecond)
	prev, had := m.ledger[cat]
	if had && at.Sub(prev) < window {
		return prev, false, nil
	}
	m.ledger[cat] = at
	return prev, true, nil
}

func (m *Memory) ReleasePublish(ctx context.Context, cat workitem.Category, at, prev time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisabled
	}
	cur, ok := m.ledger[cat]
	if !ok || !cur.Equal(at.UTC().Truncate(time.Millisecond)) {
		return nil
	}
	if prev.IsZero() {
		delete(m.ledger, cat)
		return nil
	}
	m.ledger[cat] = prev.UTC().Truncate(time.Millisecond)
	return nil
}

func (m *Memory) ListLedger(ctx context.Context) ([]workitem.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]workitem.LedgerEntry, 0, len(m.ledger))
	for c, t := range m.ledger {
		out = append(out, workitem.LedgerEntry{Category: c, LastPublished: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (m *Memory) AppendFailure(ctx context.Context, rec workitem.DeliveryFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisabled
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	m.failures = append(m.failures, rec)
	return nil
}

func (m *Memory) ListFailures(ctx context.Context, since time.Time, limit int) ([]workitem.DeliveryFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = normalizeLimit(limit, 100)
	out := make([]workitem.DeliveryFailure, 0, len(m.failures))
	for i := len(m.failures) - 1; i >= 0 && len(out) < limit; i-- {
		rec := m.failures[i]
		if !since.IsZero() && rec.RecordedAt.Before(since) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) HasFailure(ctx context.Context, itemID string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.failures {
		if rec.ItemID == itemID && !rec.RecordedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}
