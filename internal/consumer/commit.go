package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signalbot/internal/storage"
	logx "signalbot/pkg/logx"
)

var errCommitLost = errors.New("item left sending before the delivery commit")

// commit writes the delivery with bounded retry. Backoff doubles from
// cfg.CommitBackoff between attempts. A lost CAS is not retried.
func (c *Consumer) commit(ctx context.Context, cfg Config, id string, d storage.Delivery) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.CommitAttempts; attempt++ {
		ok, err := c.items.MarkDelivered(ctx, id, d)
		if err == nil {
			if !ok {
				return errCommitLost
			}
			return nil
		}
		lastErr = err
		c.log.Warn("delivery commit failed",
			logx.String("item_id", id), logx.Int("attempt", attempt), logx.Int("max", cfg.CommitAttempts), logx.Err(err))
		if attempt == cfg.CommitAttempts {
			break
		}
		if err := c.sleep(ctx, commitDelay(cfg.CommitBackoff, attempt)); err != nil {
			return fmt.Errorf("commit interrupted: %w (last: %v)", err, lastErr)
		}
	}
	return fmt.Errorf("commit failed after %d attempts: %w", cfg.CommitAttempts, lastErr)
}

// drainSlack covers the store round trips around a send.
const drainSlack = 5 * time.Second

// DrainTimeout bounds how long an item that has started sending can take to
// finish: the send deadline plus every commit backoff.
func (c Config) DrainTimeout() time.Duration {
	c = c.withDefaults()
	d := c.SendTimeout + drainSlack
	for attempt := 1; attempt < c.CommitAttempts; attempt++ {
		d += commitDelay(c.CommitBackoff, attempt)
	}
	return d
}

// commitDelay is base * 2^(attempt-1).
func commitDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
