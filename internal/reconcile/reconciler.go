package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"signalbot/internal/storage"
	"signalbot/internal/workitem"
	logx "signalbot/pkg/logx"
)

// ErrNoSink is returned when neither the store nor the journal is configured.
var ErrNoSink = errors.New("reconcile: no sink configured")

// Reader merges the store's failure table with the local journal.
// Either source may be nil.
type Reader struct {
	store   storage.Failures
	journal *Journal
}

func NewReader(store storage.Failures, journal *Journal) *Reader {
	return &Reader{store: store, journal: journal}
}

type recordKey struct {
	itemID string
	at     int64
}

func keyOf(rec workitem.DeliveryFailure) recordKey {
	return recordKey{itemID: rec.ItemID, at: rec.RecordedAt.UnixMilli()}
}

// List returns records recorded at or after since, newest first,
// de-duplicated across sources. limit <= 0 means no limit.
func (r *Reader) List(ctx context.Context, since time.Time, limit int) ([]workitem.DeliveryFailure, error) {
	var (
		all  []workitem.DeliveryFailure
		errs []error
		read int
	)
	if r.store != nil {
		recs, err := r.store.ListFailures(ctx, since, limit)
		if err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		} else {
			all = append(all, recs...)
			read++
		}
	}
	if r.journal != nil {
		recs, err := r.journal.ReadAll(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		} else {
			for _, rec := range recs {
				if !rec.RecordedAt.Before(since) {
					all = append(all, rec)
				}
			}
			read++
		}
	}
	if read == 0 {
		if len(errs) == 0 {
			return nil, ErrNoSink
		}
		return nil, errors.Join(errs...)
	}

	seen := make(map[recordKey]struct{}, len(all))
	out := make([]workitem.DeliveryFailure, 0, len(all))
	for _, rec := range all {
		k := keyOf(rec)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Has reports whether any source holds a record for itemID recorded at or
// after since. A zero since matches any record. A positive answer from one
// source wins over an error from the other.
func (r *Reader) Has(ctx context.Context, itemID string, since time.Time) (bool, error) {
	var errs []error
	if r.store != nil {
		ok, err := r.store.HasFailure(ctx, itemID, since)
		if err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		} else if ok {
			return true, nil
		}
	}
	if r.journal != nil {
		at, ok, err := r.journal.Latest(ctx, itemID)
		if err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		} else if ok && !at.Before(since) {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}

// Reconciler writes delivery failure records to every configured sink.
type Reconciler struct {
	*Reader
	log logx.Logger
	now func() time.Time
}

func New(store storage.Failures, journal *Journal, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{Reader: NewReader(store, journal), log: log, now: time.Now}
}

// Record appends rec to the store and the journal. It succeeds when at least
// one sink accepted the record.
func (r *Reconciler) Record(ctx context.Context, rec workitem.DeliveryFailure) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = r.now()
	}
	rec.RecordedAt = rec.RecordedAt.UTC().Truncate(time.Millisecond)

	var (
		errs     []error
		accepted int
	)
	if r.store != nil {
		if err := r.store.AppendFailure(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
			r.log.Warn("failure record: store sink failed", logx.String("item_id", rec.ItemID), logx.Err(err))
		} else {
			accepted++
		}
	}
	if r.journal != nil {
		if err := r.journal.Append(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
			r.log.Warn("failure record: journal sink failed", logx.String("item_id", rec.ItemID), logx.Err(err))
		} else {
			accepted++
		}
	}
	if accepted == 0 {
		if len(errs) == 0 {
			return ErrNoSink
		}
		return errors.Join(errs...)
	}
	r.log.Error("delivery failure recorded",
		logx.String("item_id", rec.ItemID),
		logx.String("reason", string(rec.Reason)),
		logx.String("destination", rec.Destination),
		logx.Int("message_id", rec.TransportMessageID),
		logx.String("error", rec.Error),
	)
	return nil
}
