package workitem

import (
	"encoding/json"
	"time"
)

// Kind separates the two content streams the consumer publishes.
type Kind string

const (
	KindSignal Kind = "signal"
	KindNews   Kind = "news"
)

func (k Kind) Valid() bool { return k == KindSignal || k == KindNews }

// Category selects the audience tier, which drives both the cadence window
// and the destination chat.
type Category string

const (
	CategoryPremium Category = "premium"
	CategoryFree    Category = "free"
	CategoryNews    Category = "news"
)

// Categories lists the known categories in display order.
func Categories() []Category {
	return []Category{CategoryPremium, CategoryFree, CategoryNews}
}

func (c Category) Valid() bool {
	switch c {
	case CategoryPremium, CategoryFree, CategoryNews:
		return true
	default:
		return false
	}
}

// Label is the human-facing tier name rendered into every message.
func (c Category) Label() string {
	switch c {
	case CategoryPremium:
		return "Premium Signal"
	case CategoryFree:
		return "Free Signal"
	case CategoryNews:
		return "Market News"
	default:
		return string(c)
	}
}

// Status is the lifecycle state of an item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusActive    Status = "active"
	StatusPublished Status = "published"
	StatusDeferred  Status = "deferred"

	// Dead-letter states. Items here are never picked up again.
	StatusInvalid Status = "invalid"
	StatusFailed  Status = "failed"
)

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusPending, StatusSending, StatusActive, StatusPublished,
		StatusDeferred, StatusInvalid, StatusFailed,
	}
}

func (s Status) Valid() bool {
	for _, v := range Statuses() {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further status change is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusActive, StatusPublished, StatusInvalid, StatusFailed:
		return true
	default:
		return false
	}
}

// PublishedStatus is the terminal success status for a kind:
// signals stay "active" while the trade is live, news is simply "published".
func PublishedStatus(k Kind) Status {
	if k == KindNews {
		return StatusPublished
	}
	return StatusActive
}

// Signal is the trading-signal payload.
type Signal struct {
	Pair       string   `json:"pair"`
	Direction  string   `json:"direction"`
	Entry      float64  `json:"entry"`
	StopLoss   float64  `json:"stop_loss"`
	TakeProfit float64  `json:"take_profit"`
	Timeframe  string   `json:"timeframe,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	RiskReward float64  `json:"risk_reward,omitempty"`
	Reasoning  string   `json:"reasoning,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// News is the market-news payload.
type News struct {
	Title     string   `json:"title"`
	Summary   string   `json:"summary,omitempty"`
	Source    string   `json:"source,omitempty"`
	URL       string   `json:"url,omitempty"`
	Sentiment string   `json:"sentiment,omitempty"`
	Symbols   []string `json:"symbols,omitempty"`
}

// Item is one unit of outbound content.
//
// Producers set Kind, Category, the payload matching Kind, CreatedAt and
// ExpiresAt. Every field below ClaimedAt is owned by the consumer.
type Item struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Category  Category  `json:"category"`
	Status    Status    `json:"status"`
	Signal    *Signal   `json:"signal,omitempty"`
	News      *News     `json:"news,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	ClaimedAt              time.Time `json:"claimed_at,omitempty"`
	ClaimedBy              string    `json:"claimed_by,omitempty"`
	SentAt                 time.Time `json:"sent_at,omitempty"`
	LastTransportMessageID int       `json:"last_transport_message_id,omitempty"`
	SentChannels           []string  `json:"sent_channels,omitempty"`
	SendAttempts           int       `json:"send_attempts,omitempty"`
	LastError              string    `json:"last_error,omitempty"`
	UpdatedAt              time.Time `json:"updated_at,omitempty"`
}

// Expired reports whether the item is past its deadline at now.
// A zero ExpiresAt never expires.
func (it Item) Expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt)
}

// HasChannel reports whether dest is already in SentChannels.
func (it Item) HasChannel(dest string) bool {
	for _, c := range it.SentChannels {
		if c == dest {
			return true
		}
	}
	return false
}

// Snapshot renders the item as JSON for failure records.
func (it Item) Snapshot() string {
	b, err := json.Marshal(it)
	if err != nil {
		return ""
	}
	return string(b)
}

// LedgerEntry is the last successful publish time for one category.
type LedgerEntry struct {
	Category      Category  `json:"category"`
	LastPublished time.Time `json:"last_published"`
}

// FailureReason classifies why a DeliveryFailure was written.
type FailureReason string

const (
	// The send succeeded but the status commit could not be confirmed.
	ReasonCommitExhausted FailureReason = "commit_exhausted"
	// The send hit its deadline; the message may or may not have gone out.
	ReasonSendUnconfirmed FailureReason = "send_unconfirmed"
	// Some parts of a multi-part message went out before a later part failed.
	ReasonSendPartial FailureReason = "send_partial"
)

// DeliveryFailure is an append-only record written when the outcome of a
// send cannot be reflected in the item's status.
type DeliveryFailure struct {
	ItemID             string        `json:"item_id"`
	Kind               Kind          `json:"kind"`
	Category           Category      `json:"category"`
	Destination        string        `json:"destination,omitempty"`
	TransportMessageID int           `json:"transport_message_id,omitempty"`
	Reason             FailureReason `json:"reason"`
	Error              string        `json:"error"`
	ItemSnapshot       string        `json:"item_snapshot,omitempty"`
	WorkerID           string        `json:"worker_id,omitempty"`
	RecordedAt         time.Time     `json:"recorded_at"`
}
