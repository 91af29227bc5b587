package workitem

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPayload marks items that cannot be formatted.
var ErrInvalidPayload = errors.New("invalid payload")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// NormalizeDirection maps the accepted spellings to "BUY" or "SELL".
func NormalizeDirection(d string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case "buy", "long":
		return "BUY", true
	case "sell", "short":
		return "SELL", true
	default:
		return "", false
	}
}

// Validate checks the minimum payload required to render the item.
func (it Item) Validate() error {
	if !it.Kind.Valid() {
		return invalid("unknown kind %q", it.Kind)
	}
	if !it.Category.Valid() {
		return invalid("unknown category %q", it.Category)
	}
	switch it.Kind {
	case KindSignal:
		if it.Category == CategoryNews {
			return invalid("signal cannot use category %q", it.Category)
		}
		return validateSignal(it.Signal)
	default:
		if it.Category != CategoryNews {
			return invalid("news must use category %q", CategoryNews)
		}
		return validateNews(it.News)
	}
}

func validateSignal(s *Signal) error {
	if s == nil {
		return invalid("signal payload missing")
	}
	if strings.TrimSpace(s.Pair) == "" {
		return invalid("pair is required")
	}
	if _, ok := NormalizeDirection(s.Direction); !ok {
		return invalid("direction %q must be buy or sell", s.Direction)
	}
	if s.Entry <= 0 {
		return invalid("entry must be > 0")
	}
	if s.StopLoss <= 0 {
		return invalid("stop_loss must be > 0")
	}
	if s.TakeProfit <= 0 {
		return invalid("take_profit must be > 0")
	}
	if s.Confidence < 0 || s.Confidence > 100 {
		return invalid("confidence must be within 0..100")
	}
	if s.RiskReward < 0 {
		return invalid("risk_reward must be >= 0")
	}
	return nil
}

func validateNews(n *News) error {
	if n == nil {
		return invalid("news payload missing")
	}
	if strings.TrimSpace(n.Title) == "" {
		return invalid("title is required")
	}
	if strings.TrimSpace(n.Summary) == "" && strings.TrimSpace(n.URL) == "" {
		return invalid("summary or url is required")
	}
	return nil
}
