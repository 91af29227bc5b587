package consumer

import (
	"context"
	"fmt"
	"time"

	"signalbot/internal/storage"
	"signalbot/internal/telemetry"
	"signalbot/internal/workitem"
	logx "signalbot/pkg/logx"
)

// claim wins exclusive rights over id or reports contention with (nil, nil).
func (c *Consumer) claim(ctx context.Context, cfg Config, id string, now time.Time) (*workitem.Item, error) {
	it, err := c.items.Claim(ctx, id, cfg.WorkerID, now)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}
	if it == nil {
		telemetry.ClaimContention.Inc()
		c.log.Debug("claim lost", logx.String("item_id", id))
		return nil, nil
	}
	return it, nil
}

// release hands a claimed item back to pending when nothing was sent.
func (c *Consumer) release(ctx context.Context, it *workitem.Item, now time.Time, cause error) {
	ok, err := c.items.Transition(ctx, it.ID, workitem.StatusSending, workitem.StatusPending, storage.Update{At: now, Error: cause.Error()})
	if err != nil || !ok {
		c.log.Warn("release claim failed; item stays in sending",
			logx.String("item_id", it.ID), logx.Bool("won", ok), logx.Err(err))
	}
}

// park moves a claimed item to a non-pending state. A lost CAS is logged; the
// item is then owned by whoever changed it.
func (c *Consumer) park(ctx context.Context, it *workitem.Item, to workitem.Status, u storage.Update) error {
	ok, err := c.items.Transition(ctx, it.ID, workitem.StatusSending, to, u)
	if err != nil {
		return fmt.Errorf("transition %s -> %s: %w", workitem.StatusSending, to, err)
	}
	if !ok {
		c.log.Warn("transition lost; item changed under claim",
			logx.String("item_id", it.ID), logx.String("to", string(to)))
	}
	return nil
}
