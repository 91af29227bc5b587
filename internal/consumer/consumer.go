// Package consumer drives the publish loop: fetch pending items, claim them,
// apply cadence, send through the transport and commit the outcome.
//
// Any number of consumers may run against one store. Exclusivity comes from
// the store's conditional claim; nothing else in this package takes a
// cross-process lock.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"signalbot/internal/eventbus"
	"signalbot/internal/storage"
	"signalbot/internal/telemetry"
	"signalbot/internal/transport"
	"signalbot/internal/workitem"
	logx "signalbot/pkg/logx"
)

// Deps are the collaborators of a Consumer. Bus is optional.
type Deps struct {
	Items      storage.Items
	Cadence    Cadence
	Reconciler Reconciler
	Sender     transport.Sender
	Formatter  Formatter
	Bus        eventbus.Bus
}

type Consumer struct {
	log       logx.Logger
	items     storage.Items
	cadence   Cadence
	recon     Reconciler
	sender    transport.Sender
	formatter Formatter
	bus       eventbus.Bus

	mu  sync.Mutex
	cfg Config

	// tickMu keeps the loop and operator-triggered ticks from overlapping.
	tickMu sync.Mutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, deps Deps, log logx.Logger) (*Consumer, error) {
	switch {
	case deps.Items == nil:
		return nil, errors.New("consumer: item store is required")
	case deps.Cadence == nil:
		return nil, errors.New("consumer: cadence ledger is required")
	case deps.Reconciler == nil:
		return nil, errors.New("consumer: reconciler is required")
	case deps.Sender == nil:
		return nil, errors.New("consumer: sender is required")
	case deps.Formatter == nil:
		return nil, errors.New("consumer: formatter is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Consumer{
		log:       log,
		items:     deps.Items,
		cadence:   deps.Cadence,
		recon:     deps.Reconciler,
		sender:    deps.Sender,
		formatter: deps.Formatter,
		bus:       deps.Bus,
		now:       time.Now,
		sleep:     sleepCtx,
	}
	c.Apply(cfg)
	return c, nil
}

// Apply swaps the config. It takes effect at the next tick.
func (c *Consumer) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.WorkerID) == "" {
		c.mu.Lock()
		prev := c.cfg.WorkerID
		c.mu.Unlock()
		if prev == "" {
			prev = "consumer-" + uuid.NewString()[:8]
		}
		cfg.WorkerID = prev
	}
	dest := make(map[workitem.Category]transport.Destination, len(cfg.Destinations))
	for k, v := range cfg.Destinations {
		dest[k] = v
	}
	cfg.Destinations = dest

	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Consumer) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Run ticks until ctx is cancelled, waiting the configured interval after
// each tick. The in-flight item always finishes its commit.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consumer started", logx.String("worker_id", c.Config().WorkerID))
	for {
		rep := c.Tick(ctx)
		c.logReport(rep)

		t := time.NewTimer(c.Config().Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			c.log.Info("consumer stopped")
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Tick runs one pass: the signal batch first, then at most one news publish.
func (c *Consumer) Tick(ctx context.Context) Report {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	cfg := c.Config()
	rep := Report{WorkerID: cfg.WorkerID, StartedAt: c.now(), Items: []ItemResult{}}

	var errs []string
	if err := c.runSignals(ctx, cfg, &rep); err != nil {
		errs = append(errs, err.Error())
	}
	if ctx.Err() == nil {
		if err := c.runNews(ctx, cfg, &rep); err != nil {
			errs = append(errs, err.Error())
		}
	}
	rep.Error = strings.Join(errs, "; ")
	rep.FinishedAt = c.now()

	telemetry.TickDuration.Observe(rep.Duration().Seconds())
	telemetry.LastTickTimestamp.Set(float64(rep.FinishedAt.Unix()))
	c.publish(EventTick, rep)
	return rep
}

func (c *Consumer) runSignals(ctx context.Context, cfg Config, rep *Report) error {
	cands, err := c.items.ListCandidates(ctx, workitem.KindSignal, c.now(), cfg.SignalBatch)
	if err != nil {
		return fmt.Errorf("fetch signals: %w", err)
	}
	for _, cand := range cands {
		if ctx.Err() != nil {
			return nil
		}
		rep.Items = append(rep.Items, c.process(context.WithoutCancel(ctx), cfg, cand))
	}
	return nil
}

// runNews publishes at most one news item. The news window is checked before
// each claim so a closed window leaves the backlog pending; the check inside
// process stays authoritative.
func (c *Consumer) runNews(ctx context.Context, cfg Config, rep *Report) error {
	ok, err := c.cadence.Allowed(ctx, workitem.CategoryNews, c.now())
	if err != nil {
		return fmt.Errorf("news cadence: %w", err)
	}
	if !ok {
		return nil
	}
	cands, err := c.items.ListCandidates(ctx, workitem.KindNews, c.now(), cfg.NewsBatch)
	if err != nil {
		return fmt.Errorf("fetch news: %w", err)
	}
	for i, cand := range cands {
		if ctx.Err() != nil {
			return nil
		}
		if i > 0 {
			if ok, err := c.cadence.Allowed(ctx, cand.Category, c.now()); err != nil || !ok {
				return err
			}
		}
		res := c.process(context.WithoutCancel(ctx), cfg, cand)
		rep.Items = append(rep.Items, res)
		if res.Outcome == OutcomeSent || res.Outcome == OutcomeUnconfirmed {
			return nil
		}
	}
	return nil
}

// process carries one candidate from claim to a final outcome. ctx is
// detached from shutdown so a started item always completes.
func (c *Consumer) process(ctx context.Context, cfg Config, cand workitem.Item) ItemResult {
	res := ItemResult{ItemID: cand.ID, Kind: cand.Kind, Category: cand.Category}
	log := c.log.With(logx.String("item_id", cand.ID), logx.String("category", string(cand.Category)))
	defer func() {
		telemetry.ItemsTotal.WithLabelValues(string(res.Kind), string(res.Outcome)).Inc()
		c.publish(EventItem, res)
	}()

	now := c.now()
	it, err := c.claim(ctx, cfg, cand.ID, now)
	if err != nil {
		log.Error("claim failed", logx.Err(err))
		return fail(res, OutcomeError, "", err)
	}
	if it == nil {
		res.Outcome, res.Reason = OutcomeSkipped, ReasonContention
		return res
	}

	// A record means the item may already be in the chat. Records older than
	// the candidate's last transition predate an operator requeue.
	has, err := c.recon.Has(ctx, it.ID, cand.UpdatedAt.Truncate(time.Millisecond))
	if err != nil {
		err = fmt.Errorf("reconciliation check: %w", err)
		log.Error("resend guard unavailable; releasing claim", logx.Err(err))
		c.release(ctx, it, now, err)
		return fail(res, OutcomeError, "", err)
	}
	if has {
		log.Warn("item has a delivery failure record; leaving it for reconciliation")
		res.Outcome, res.Reason = OutcomeSkipped, ReasonReconciliationPending
		return res
	}

	if err := it.Validate(); err != nil {
		return c.invalid(ctx, log, it, res, now, err)
	}

	dest, ok := cfg.Destinations[it.Category]
	if !ok || dest.IsZero() {
		err := fmt.Errorf("%w: category %s", transport.ErrNoDestination, it.Category)
		log.Error("no destination; releasing claim", logx.Err(err))
		c.release(ctx, it, now, err)
		return fail(res, OutcomeError, "", err)
	}

	msg, err := c.formatter.Format(*it)
	if err != nil {
		return c.invalid(ctx, log, it, res, now, err)
	}

	// The slot is taken before the send so concurrent consumers cannot both
	// publish in one window.
	slot, allowed, err := c.cadence.Reserve(ctx, it.Category, now)
	if err != nil {
		log.Error("cadence check failed; releasing claim", logx.Err(err))
		c.release(ctx, it, now, err)
		return fail(res, OutcomeError, "", err)
	}
	if !allowed {
		if err := c.park(ctx, it, workitem.StatusDeferred, storage.Update{At: now}); err != nil {
			log.Error("defer failed", logx.Err(err))
			return fail(res, OutcomeError, "", err)
		}
		log.Info("deferred by cadence")
		res.Outcome = OutcomeDeferred
		return res
	}

	sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	started := time.Now()
	ref, err := c.sender.Send(sendCtx, dest, msg.Text, &transport.SendOptions{
		ParseMode:      msg.ParseMode,
		DisablePreview: msg.DisablePreview,
	})
	cancel()
	telemetry.SendDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		telemetry.SendErrors.Inc()
		var partial *transport.PartialSendError
		switch {
		case errors.As(err, &partial):
			return c.partial(ctx, log, cfg, it, dest, partial, res)
		case errors.Is(err, context.DeadlineExceeded):
			return c.unconfirmed(ctx, log, cfg, it, dest, res, err)
		}
		if rerr := c.cadence.Release(ctx, slot); rerr != nil {
			telemetry.LedgerErrors.Inc()
			log.Warn("cadence slot not released after failed send", logx.Err(rerr))
		}
		return c.sendFailed(ctx, log, cfg, it, res, now, err)
	}

	res.MessageID = ref.MessageID
	sentAt := c.now()
	d := storage.Delivery{
		Status:    workitem.PublishedStatus(it.Kind),
		SentAt:    sentAt,
		MessageID: ref.MessageID,
		Channel:   dest.String(),
	}
	commitErr := c.commit(ctx, cfg, it.ID, d)

	// The message is out either way, so the cadence reflects it.
	if err := c.cadence.SetPublished(ctx, it.Category, sentAt); err != nil {
		telemetry.LedgerErrors.Inc()
		log.Warn("cadence update failed after publish", logx.Err(err))
	}

	res.Outcome = OutcomeSent
	if commitErr != nil {
		res.Reason, res.Error = ReasonCommitExhausted, commitErr.Error()
		c.recordFailure(ctx, log, workitem.DeliveryFailure{
			ItemID:             it.ID,
			Kind:               it.Kind,
			Category:           it.Category,
			Destination:        dest.String(),
			TransportMessageID: ref.MessageID,
			Reason:             workitem.ReasonCommitExhausted,
			Error:              commitErr.Error(),
			ItemSnapshot:       it.Snapshot(),
			WorkerID:           cfg.WorkerID,
			RecordedAt:         c.now(),
		})
		return res
	}
	log.Info("published", logx.Int("message_id", ref.MessageID), logx.String("destination", dest.String()))
	return res
}

func (c *Consumer) invalid(ctx context.Context, log logx.Logger, it *workitem.Item, res ItemResult, now time.Time, cause error) ItemResult {
	log.Warn("invalid payload", logx.Err(cause))
	if err := c.park(ctx, it, workitem.StatusInvalid, storage.Update{At: now, Error: cause.Error()}); err != nil {
		log.Error("dead-letter failed", logx.Err(err))
		return fail(res, OutcomeError, "", err)
	}
	return fail(res, OutcomeInvalid, "", cause)
}

// sendFailed re-admits the item until it has used MaxSendAttempts, then
// dead-letters it as failed.
func (c *Consumer) sendFailed(ctx context.Context, log logx.Logger, cfg Config, it *workitem.Item, res ItemResult, now time.Time, cause error) ItemResult {
	attempts := it.SendAttempts + 1
	to, reason := workitem.StatusPending, ReasonRequeued
	if attempts >= cfg.MaxSendAttempts {
		to, reason = workitem.StatusFailed, ReasonSendFailed
	}
	log.Warn("send failed", logx.Int("attempt", attempts), logx.Int("max", cfg.MaxSendAttempts), logx.String("next", string(to)), logx.Err(cause))
	if err := c.park(ctx, it, to, storage.Update{At: now, Error: cause.Error(), IncAttempts: true}); err != nil {
		log.Error("send failure transition failed", logx.Err(err))
		return fail(res, OutcomeError, reason, errors.Join(cause, err))
	}
	return fail(res, OutcomeError, reason, cause)
}

// unconfirmed handles a send that hit its deadline. The message may have gone
// out, so the item stays in sending and an operator decides.
func (c *Consumer) unconfirmed(ctx context.Context, log logx.Logger, cfg Config, it *workitem.Item, dest transport.Destination, res ItemResult, cause error) ItemResult {
	log.Error("send outcome unknown; item left in sending", logx.Duration("timeout", cfg.SendTimeout), logx.Err(cause))
	c.recordFailure(ctx, log, workitem.DeliveryFailure{
		ItemID:       it.ID,
		Kind:         it.Kind,
		Category:     it.Category,
		Destination:  dest.String(),
		Reason:       workitem.ReasonSendUnconfirmed,
		Error:        cause.Error(),
		ItemSnapshot: it.Snapshot(),
		WorkerID:     cfg.WorkerID,
		RecordedAt:   c.now(),
	})
	return fail(res, OutcomeUnconfirmed, string(workitem.ReasonSendUnconfirmed), cause)
}

// partial handles a message whose first parts are already in the chat. It is
// treated like a delivery that could not be committed: the cadence counts it,
// a failure record is written and the item stays in sending.
func (c *Consumer) partial(ctx context.Context, log logx.Logger, cfg Config, it *workitem.Item, dest transport.Destination, perr *transport.PartialSendError, res ItemResult) ItemResult {
	sentAt := c.now()
	if err := c.cadence.SetPublished(ctx, it.Category, sentAt); err != nil {
		telemetry.LedgerErrors.Inc()
		log.Warn("cadence update failed after partial publish", logx.Err(err))
	}
	log.Error("message partially delivered; item left in sending",
		logx.Int("message_id", perr.First.MessageID),
		logx.Int("delivered", perr.Delivered),
		logx.Int("parts", perr.Parts),
		logx.Err(perr.Err))
	c.recordFailure(ctx, log, workitem.DeliveryFailure{
		ItemID:             it.ID,
		Kind:               it.Kind,
		Category:           it.Category,
		Destination:        dest.String(),
		TransportMessageID: perr.First.MessageID,
		Reason:             workitem.ReasonSendPartial,
		Error:              perr.Error(),
		ItemSnapshot:       it.Snapshot(),
		WorkerID:           cfg.WorkerID,
		RecordedAt:         sentAt,
	})
	res.MessageID = perr.First.MessageID
	return fail(res, OutcomeUnconfirmed, string(workitem.ReasonSendPartial), perr)
}

func (c *Consumer) recordFailure(ctx context.Context, log logx.Logger, rec workitem.DeliveryFailure) {
	if err := c.recon.Record(ctx, rec); err != nil {
		// Last resort: the log line carries everything needed to reconcile by hand.
		log.Error("delivery failure record lost",
			logx.String("reason", string(rec.Reason)),
			logx.Int("message_id", rec.TransportMessageID),
			logx.String("destination", rec.Destination),
			logx.String("snapshot", rec.ItemSnapshot),
			logx.Err(err))
		return
	}
	telemetry.FailureRecords.Inc()
}

func (c *Consumer) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: data})
}

func (c *Consumer) logReport(rep Report) {
	fields := []logx.Field{
		logx.Int("items", len(rep.Items)),
		logx.Int("sent", rep.Count(OutcomeSent)),
		logx.Int("deferred", rep.Count(OutcomeDeferred)),
		logx.Int("errors", rep.Count(OutcomeError)),
		logx.Duration("took", rep.Duration()),
	}
	switch {
	case rep.Error != "":
		c.log.Error("tick failed", append(fields, logx.String("error", rep.Error))...)
	case len(rep.Items) > 0:
		c.log.Info("tick done", fields...)
	default:
		c.log.Debug("tick idle", fields...)
	}
}

func fail(res ItemResult, o Outcome, reason string, err error) ItemResult {
	res.Outcome, res.Reason = o, reason
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
