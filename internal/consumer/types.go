package consumer

import (
	"context"
	"time"

	"signalbot/internal/cadence"
	"signalbot/internal/format"
	"signalbot/internal/transport"
	"signalbot/internal/workitem"
)

const (
	MinInterval = 10 * time.Second

	defaultInterval        = 30 * time.Second
	defaultSignalBatch     = 20
	defaultNewsBatch       = 1
	DefaultSendTimeout     = 15 * time.Second
	defaultCommitAttempts  = 3
	defaultCommitBackoff   = time.Second
	defaultMaxSendAttempts = 3
)

// Config controls one consumer instance. Zero fields take the defaults.
type Config struct {
	WorkerID        string
	Interval        time.Duration
	SignalBatch     int
	NewsBatch       int
	SendTimeout     time.Duration
	CommitAttempts  int
	CommitBackoff   time.Duration
	MaxSendAttempts int
	Destinations    map[workitem.Category]transport.Destination
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Interval < MinInterval {
		c.Interval = MinInterval
	}
	if c.SignalBatch <= 0 {
		c.SignalBatch = defaultSignalBatch
	}
	if c.NewsBatch <= 0 {
		c.NewsBatch = defaultNewsBatch
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.CommitAttempts <= 0 {
		c.CommitAttempts = defaultCommitAttempts
	}
	if c.CommitBackoff <= 0 {
		c.CommitBackoff = defaultCommitBackoff
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = defaultMaxSendAttempts
	}
	return c
}

// Cadence is the per-category throttle consulted inside the claim window.
// Reserve must be atomic across consumers sharing the ledger.
type Cadence interface {
	Allowed(ctx context.Context, cat workitem.Category, now time.Time) (bool, error)
	Reserve(ctx context.Context, cat workitem.Category, now time.Time) (cadence.Reservation, bool, error)
	Release(ctx context.Context, r cadence.Reservation) error
	SetPublished(ctx context.Context, cat workitem.Category, at time.Time) error
}

// Reconciler records sends that could not be committed and answers whether an
// item has such a record at or after since.
type Reconciler interface {
	Record(ctx context.Context, rec workitem.DeliveryFailure) error
	Has(ctx context.Context, itemID string, since time.Time) (bool, error)
}

type Formatter interface {
	Format(it workitem.Item) (format.Message, error)
}

// Outcome is the per-item result of one tick.
type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeDeferred    Outcome = "deferred"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeInvalid     Outcome = "invalid"
	OutcomeError       Outcome = "error"
	OutcomeUnconfirmed Outcome = "unconfirmed"
)

// Reasons attached to outcomes that need a qualifier.
const (
	ReasonContention            = "contention"
	ReasonReconciliationPending = "reconciliation_pending"
	ReasonRequeued              = "requeued"
	ReasonSendFailed            = "send_failed"
	ReasonCommitExhausted       = string(workitem.ReasonCommitExhausted)
)

type ItemResult struct {
	ItemID    string            `json:"item_id"`
	Kind      workitem.Kind     `json:"kind"`
	Category  workitem.Category `json:"category"`
	Outcome   Outcome           `json:"outcome"`
	Reason    string            `json:"reason,omitempty"`
	MessageID int               `json:"message_id,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Report is the structured result of one tick.
type Report struct {
	WorkerID   string       `json:"worker_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Items      []ItemResult `json:"items"`
	// Error is set when a candidate fetch failed; the tick still reports
	// whatever it processed.
	Error string `json:"error,omitempty"`
}

func (r Report) Count(o Outcome) int {
	n := 0
	for _, it := range r.Items {
		if it.Outcome == o {
			n++
		}
	}
	return n
}

func (r Report) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Event types published on the bus.
const (
	EventItem = "consumer.item"
	EventTick = "consumer.tick"
)
