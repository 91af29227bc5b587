package storage

import (
	"context"
	"errors"
	"time"

	"signalbot/internal/workitem"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("item not found")
	ErrConflict = errors.New("item already exists")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (tests, dry runs)
//   - "sqlite": SQLite database file shared by consumers on one host
//   - "postgres": PostgreSQL shared by consumers on any host
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string        // sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgxpool default
}

// Update carries the optional side-fields written alongside a status change.
type Update struct {
	At          time.Time
	Error       string // empty leaves last_error untouched
	IncAttempts bool
}

// Delivery is what a confirmed send commits to the item.
type Delivery struct {
	Status    workitem.Status
	SentAt    time.Time
	MessageID int
	Channel   string
}

// Items is the work-item side of the store.
//
// Every status change is a compare-and-set on the current status: Claim,
// Transition and MarkDelivered report whether this caller won the race.
type Items interface {
	Insert(ctx context.Context, it workitem.Item) (workitem.Item, error)
	Get(ctx context.Context, id string) (workitem.Item, error)

	// ListCandidates returns pending, unexpired items of kind, oldest first.
	ListCandidates(ctx context.Context, kind workitem.Kind, now time.Time, limit int) ([]workitem.Item, error)

	// Claim moves pending -> sending iff the item is still pending and not
	// expired at now. It returns (nil, nil) when another caller won.
	Claim(ctx context.Context, id, workerID string, now time.Time) (*workitem.Item, error)

	Transition(ctx context.Context, id string, from, to workitem.Status, u Update) (bool, error)

	// MarkDelivered moves sending -> d.Status and records the send.
	MarkDelivered(ctx context.Context, id string, d Delivery) (bool, error)

	ListByStatus(ctx context.Context, st workitem.Status, limit int) ([]workitem.Item, error)
	CountByStatus(ctx context.Context) (map[workitem.Status]int, error)
}

// Ledger is the per-category last-publish table.
type Ledger interface {
	LastPublished(ctx context.Context, cat workitem.Category) (time.Time, bool, error)
	// SetPublished is monotonic: an older timestamp never overwrites a newer one.
	SetPublished(ctx context.Context, cat workitem.Category, at time.Time) error
	ListLedger(ctx context.Context) ([]workitem.LedgerEntry, error)

	// ReservePublish atomically sets the entry to at when cat has no entry or
	// its entry is at least window older than at. prev is the replaced value,
	// zero when there was none. ok is false when the window is still open or a
	// concurrent reservation changed the entry first.
	ReservePublish(ctx context.Context, cat workitem.Category, at time.Time, window time.Duration) (prev time.Time, ok bool, err error)
	// ReleasePublish puts prev back if the entry still holds the reservation
	// at. A zero prev removes the entry.
	ReleasePublish(ctx context.Context, cat workitem.Category, at, prev time.Time) error
}

// Failures is the append-only delivery failure log.
type Failures interface {
	AppendFailure(ctx context.Context, rec workitem.DeliveryFailure) error
	// ListFailures returns records at or after since, newest first.
	ListFailures(ctx context.Context, since time.Time, limit int) ([]workitem.DeliveryFailure, error)
	// HasFailure reports whether itemID has a record at or after since.
	// A zero since matches any record.
	HasFailure(ctx context.Context, itemID string, since time.Time) (bool, error)
}

// Store is the full persistence API used by the consumer and operator tools.
type Store interface {
	Items
	Ledger
	Failures
	Close() error
}
