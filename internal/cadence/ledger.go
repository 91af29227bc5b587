// Package cadence enforces the minimum interval between publishes per category.
package cadence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"signalbot/internal/storage"
	"signalbot/internal/workitem"
)

// DefaultWindows are the publish windows used when config does not override them.
func DefaultWindows() map[workitem.Category]time.Duration {
	return map[workitem.Category]time.Duration{
		workitem.CategoryPremium: 24 * time.Hour,
		workitem.CategoryFree:    7 * 24 * time.Hour,
		workitem.CategoryNews:    60 * time.Minute,
	}
}

// Ledger answers "may this category publish now?" on top of a persisted
// last-publish table. Windows can be swapped at runtime.
type Ledger struct {
	store storage.Ledger

	mu      sync.RWMutex
	windows map[workitem.Category]time.Duration
}

func New(store storage.Ledger, windows map[workitem.Category]time.Duration) *Ledger {
	l := &Ledger{store: store}
	l.Apply(windows)
	return l
}

// Apply replaces the window table. A nil map restores the defaults.
func (l *Ledger) Apply(windows map[workitem.Category]time.Duration) {
	if windows == nil {
		windows = DefaultWindows()
	}
	cp := make(map[workitem.Category]time.Duration, len(windows))
	for k, v := range windows {
		if v < 0 {
			v = 0
		}
		cp[k] = v
	}
	l.mu.Lock()
	l.windows = cp
	l.mu.Unlock()
}

// Window returns the configured window; unknown categories have none.
func (l *Ledger) Window(cat workitem.Category) time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.windows[cat]
}

// Allowed reports whether cat has no publish on record or its window has elapsed at now.
func (l *Ledger) Allowed(ctx context.Context, cat workitem.Category, now time.Time) (bool, error) {
	win := l.Window(cat)
	if win <= 0 {
		return true, nil
	}
	last, ok, err := l.store.LastPublished(ctx, cat)
	if err != nil {
		return false, fmt.Errorf("cadence: read %s: %w", cat, err)
	}
	if !ok {
		return true, nil
	}
	return now.Sub(last) >= win, nil
}

// Reservation is a publish slot taken by Reserve. The zero value holds nothing.
type Reservation struct {
	Category workitem.Category
	At       time.Time
	Prev     time.Time
	held     bool
}

// Held reports whether r occupies a ledger entry that Release would undo.
func (r Reservation) Held() bool { return r.held }

// Reserve atomically takes the publish slot of cat at now. Of several
// consumers racing for one window, exactly one gets ok. The slot stays taken
// until Release; a publish confirmed afterwards only moves it forward.
func (l *Ledger) Reserve(ctx context.Context, cat workitem.Category, now time.Time) (Reservation, bool, error) {
	win := l.Window(cat)
	if win <= 0 {
		return Reservation{Category: cat}, true, nil
	}
	at := now.UTC().Truncate(time.Millisecond)
	prev, ok, err := l.store.ReservePublish(ctx, cat, at, win)
	if err != nil {
		return Reservation{}, false, fmt.Errorf("cadence: reserve %s: %w", cat, err)
	}
	if !ok {
		return Reservation{}, false, nil
	}
	return Reservation{Category: cat, At: at, Prev: prev, held: true}, true, nil
}

// Release returns a slot whose message certainly never reached the chat.
// If the entry moved on since Reserve it is left alone.
func (l *Ledger) Release(ctx context.Context, r Reservation) error {
	if !r.held {
		return nil
	}
	if err := l.store.ReleasePublish(ctx, r.Category, r.At, r.Prev); err != nil {
		return fmt.Errorf("cadence: release %s: %w", r.Category, err)
	}
	return nil
}

// SetPublished records a confirmed publish. Older timestamps never win.
func (l *Ledger) SetPublished(ctx context.Context, cat workitem.Category, at time.Time) error {
	if err := l.store.SetPublished(ctx, cat, at); err != nil {
		return fmt.Errorf("cadence: set %s: %w", cat, err)
	}
	return nil
}

// EntryStatus is the operator view of one category.
type EntryStatus struct {
	Category      workitem.Category `json:"category"`
	Window        time.Duration     `json:"window"`
	LastPublished time.Time         `json:"last_published,omitempty"`
	NextAllowed   time.Time         `json:"next_allowed,omitempty"`
	Allowed       bool              `json:"allowed"`
}

// Status lists every configured category plus any category found in the ledger.
func (l *Ledger) Status(ctx context.Context, now time.Time) ([]EntryStatus, error) {
	entries, err := l.store.ListLedger(ctx)
	if err != nil {
		return nil, fmt.Errorf("cadence: list: %w", err)
	}
	last := make(map[workitem.Category]time.Time, len(entries))
	for _, e := range entries {
		last[e.Category] = e.LastPublished
	}

	l.mu.RLock()
	cats := make([]workitem.Category, 0, len(l.windows)+len(last))
	for c := range l.windows {
		cats = append(cats, c)
	}
	l.mu.RUnlock()
	for c := range last {
		if !contains(cats, c) {
			cats = append(cats, c)
		}
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	out := make([]EntryStatus, 0, len(cats))
	for _, c := range cats {
		st := EntryStatus{Category: c, Window: l.Window(c), Allowed: true}
		if t, ok := last[c]; ok {
			st.LastPublished = t
			st.NextAllowed = t.Add(st.Window)
			st.Allowed = !now.Before(st.NextAllowed)
		}
		out = append(out, st)
	}
	return out, nil
}

func contains(cats []workitem.Category, c workitem.Category) bool {
	for _, x := range cats {
		if x == c {
			return true
		}
	}
	return false
}
