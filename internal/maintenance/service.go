// Package maintenance runs periodic operator jobs next to the consumer:
// reporting claims stuck in sending and summarising new delivery failures.
//
// Jobs only read and log; they never move items.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"signalbot/internal/storage"
	"signalbot/internal/workitem"
	logx "signalbot/pkg/logx"
)

const (
	JobStaleClaims   = "stale_claims"
	JobFailureDigest = "failure_digest"

	jobTimeout = 30 * time.Second
)

type Config struct {
	Enabled       bool
	Timezone      string
	StaleClaims   string
	StaleAfter    time.Duration
	FailureDigest string
}

type FailureLister interface {
	List(ctx context.Context, since time.Time, limit int) ([]workitem.DeliveryFailure, error)
}

type Service struct {
	items    storage.Items
	failures FailureLister
	log      logx.Logger
	now      func() time.Time

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	runCtx  context.Context
	lastRun map[string]time.Time
}

func New(cfg Config, items storage.Items, failures FailureLister, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		items:    items,
		failures: failures,
		log:      log,
		now:      time.Now,
		lastRun:  map[string]time.Time{},
	}
}

// Validate checks both schedules and the timezone without starting anything.
func (cfg Config) Validate() error {
	if !cfg.Enabled {
		return nil
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("maintenance.timezone: %w", err)
		}
	}
	for name, spec := range map[string]string{JobStaleClaims: cfg.StaleClaims, JobFailureDigest: cfg.FailureDigest} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		p, err := ParseSchedule(spec)
		if err != nil {
			return fmt.Errorf("maintenance.%s: %w", name, err)
		}
		if _, err := p.Schedule(time.Now(), name); err != nil {
			return fmt.Errorf("maintenance.%s: %w", name, err)
		}
	}
	return nil
}

// Start registers the configured jobs. Jobs run under ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.runCtx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	cfg := s.cfg
	if !cfg.Enabled {
		s.log.Debug("maintenance disabled")
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("maintenance timezone: %w", err)
		}
		loc = l
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{JobStaleClaims, cfg.StaleClaims, func(ctx context.Context) error { _, err := s.StaleClaims(ctx); return err }},
		{JobFailureDigest, cfg.FailureDigest, func(ctx context.Context) error { _, err := s.FailureDigest(ctx); return err }},
	}
	for _, j := range jobs {
		if strings.TrimSpace(j.spec) == "" {
			continue
		}
		p, err := ParseSchedule(j.spec)
		if err != nil {
			return fmt.Errorf("%s: %w", j.name, err)
		}
		sched, err := p.Schedule(time.Now().In(loc), j.name)
		if err != nil {
			return fmt.Errorf("%s: %w", j.name, err)
		}
		c.Schedule(sched, s.wrap(j.name, j.run))
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("jobs", len(c.Entries())))
	return nil
}

func (s *Service) wrap(name string, run func(ctx context.Context) error) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		parent := s.runCtx
		s.mu.Unlock()
		if parent == nil || parent.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(parent, jobTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("maintenance job panic", logx.String("job", name), logx.Any("panic", r))
			}
		}()
		start := time.Now()
		if err := run(ctx); err != nil {
			s.log.Warn("maintenance job failed", logx.String("job", name), logx.Err(err))
			return
		}
		s.log.Debug("maintenance job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	})
}

// Stop stops scheduling and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply swaps config and restarts the cron when running.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c == nil {
		if s.runCtx == nil {
			return nil
		}
	} else {
		<-s.c.Stop().Done()
		s.c = nil
	}
	return s.startLocked()
}

func (s *Service) staleAfter() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.StaleAfter > 0 {
		return s.cfg.StaleAfter
	}
	return 10 * time.Minute
}

// StaleClaims returns items that have been in sending longer than StaleAfter.
// A crash between claim and commit leaves items there; they need an operator.
func (s *Service) StaleClaims(ctx context.Context) ([]workitem.Item, error) {
	items, err := s.items.ListByStatus(ctx, workitem.StatusSending, 500)
	if err != nil {
		return nil, err
	}
	now := s.now()
	cutoff := now.Add(-s.staleAfter())
	var stale []workitem.Item
	for _, it := range items {
		if !it.ClaimedAt.IsZero() && it.ClaimedAt.Before(cutoff) {
			stale = append(stale, it)
		}
	}
	for _, it := range stale {
		s.log.Warn("claim stuck in sending",
			logx.String("item_id", it.ID),
			logx.String("claimed_by", it.ClaimedBy),
			logx.String("claimed", humanize.RelTime(it.ClaimedAt, now, "ago", "from now")),
			logx.Int("message_id", it.LastTransportMessageID))
	}
	return stale, nil
}

// Digest summarises failure records added since the previous run.
type Digest struct {
	Since    time.Time
	Total    int
	ByReason map[workitem.FailureReason]int
	Oldest   time.Time
}

func (s *Service) FailureDigest(ctx context.Context) (Digest, error) {
	now := s.now()
	s.mu.Lock()
	since, ok := s.lastRun[JobFailureDigest]
	s.mu.Unlock()
	if !ok {
		since = now.Add(-24 * time.Hour)
	}
	recs, err := s.failures.List(ctx, since, 0)
	if err != nil {
		return Digest{}, err
	}
	d := Digest{Since: since, Total: len(recs), ByReason: map[workitem.FailureReason]int{}}
	for _, r := range recs {
		d.ByReason[r.Reason]++
		if d.Oldest.IsZero() || r.RecordedAt.Before(d.Oldest) {
			d.Oldest = r.RecordedAt
		}
	}
	s.mu.Lock()
	s.lastRun[JobFailureDigest] = now
	s.mu.Unlock()

	if d.Total == 0 {
		s.log.Debug("no new delivery failures", logx.String("since", humanize.RelTime(since, now, "ago", "from now")))
		return d, nil
	}
	s.log.Warn("delivery failures need reconciliation",
		logx.Int("new", d.Total),
		logx.Int(string(workitem.ReasonCommitExhausted), d.ByReason[workitem.ReasonCommitExhausted]),
		logx.Int(string(workitem.ReasonSendUnconfirmed), d.ByReason[workitem.ReasonSendUnconfirmed]),
		logx.String("oldest", humanize.RelTime(d.Oldest, now, "ago", "from now")))
	return d, nil
}
