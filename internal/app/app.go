// Package app wires config, storage, transport and the consumer into one
// supervised process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"signalbot/internal/config"
	"signalbot/internal/consumer"
	"signalbot/internal/eventbus"
	"signalbot/internal/maintenance"
	"signalbot/internal/opsapi"
	"signalbot/internal/runtime/supervisor"
	logx "signalbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor
	sd   *sdNotifier

	log  logx.Logger
	logs *logx.Service

	comps *Components
	maint *maintenance.Service
	api   *opsapi.Server
}

// NewApp loads cfgPath and builds every component. Telegram is contacted
// once to verify the token.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	return newApp(ctx, cfgPath, BuildOptions{WithSender: true})
}

func newApp(ctx context.Context, cfgPath string, opt BuildOptions) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := CheckConfig(ctx, cfg); err != nil {
		return nil, err
	}

	// Telegram logging stays off until the adapter exists and the target is set.
	logCfg := mapLoggingConfig(cfg)
	tgEnabled := logCfg.Telegram.Enabled
	logCfg.Telegram.Enabled = false
	logSvc, log := logx.New(logCfg, nil)

	comps, err := Build(ctx, cfg, log, opt)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if comps.Adapter != nil {
		logSvc.SetSender(comps.Adapter)
	}
	if chatID, _ := parseGroupLog(cfg.Telegram.GroupLog); chatID != 0 {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logCfg.Telegram.Enabled = tgEnabled
	logSvc.Apply(logCfg)

	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		_ = comps.Close()
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:  cfgm,
		log:   log.With(logx.String("comp", "app")),
		logs:  logSvc,
		comps: comps,
		maint: maintenance.New(mcfg, comps.Store, comps.Failures(), log.With(logx.String("comp", "maintenance"))),
	}
	a.sd = newSDNotifier(a.log)
	if cfg.API.Enabled {
		a.api = opsapi.New(opsapi.Deps{
			Items:     comps.Store,
			Ticker:    a.ticker(cfg),
			Failures:  comps.Failures(),
			Cadence:   comps.Ledger,
			Producer:  comps.Producer,
			Profiling: cfg.API.Pprof,
		}, cfg.API.Token, log.With(logx.String("comp", "api")))
	}
	return a, nil
}

func (a *App) ticker(cfg *config.Config) opsapi.Ticker {
	if !cfg.Consumer.IsEnabled() || a.comps.Consumer == nil {
		return nil
	}
	return a.comps.Consumer
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(CheckConfig)

	ticks, unsub := a.comps.Bus.Subscribe(16, consumer.EventTick)
	a.sup.Go0("consumer.watch", func(c context.Context) {
		defer unsub()
		a.watchTicks(c, ticks, cfg.Consumer.IsEnabled())
	})

	if cfg.Consumer.IsEnabled() {
		a.sup.GoRestart("consumer", a.comps.Consumer.Run,
			supervisor.WithRestartBackoff(time.Second, time.Minute))
	} else {
		a.log.Warn("consumer disabled; api and maintenance only")
	}

	if a.api != nil {
		addr := cfg.API.ListenAddr()
		a.sup.Go("api", func(c context.Context) error { return a.api.Serve(c, addr) })
	}

	if err := a.maint.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sd.Ready()
	a.log.Info("app started",
		logx.String("storage", config.StorageDriver(cfg.Storage)),
		logx.String("ledger", config.LedgerDriver(cfg.Ledger)),
		logx.Bool("api", a.api != nil))
	return nil
}

// watchTicks logs tick events and feeds the systemd watchdog. Without a
// consumer the watchdog is fed on a timer instead.
func (a *App) watchTicks(ctx context.Context, ticks <-chan eventbus.Event, consumerOn bool) {
	var timer <-chan time.Time
	if !consumerOn && a.sd.watchdog > 0 {
		t := time.NewTicker(a.sd.watchdog / 2)
		defer t.Stop()
		timer = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer:
			a.sd.Ping()
		case e, ok := <-ticks:
			if !ok {
				return
			}
			a.sd.Ping()
			if rep, ok := e.Data.(consumer.Report); ok {
				a.log.Trace("tick event", logx.Int("items", len(rep.Items)), logx.Time("at", e.Time))
			}
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply pushes the hot-reloadable sections into running components.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.String("sections", strings.Join(restart, ",")))
	}
	if oldCfg.Consumer.IsEnabled() != newCfg.Consumer.IsEnabled() {
		a.log.Warn("consumer.enabled changed; restart required")
	}

	chatID, _ := parseGroupLog(newCfg.Telegram.GroupLog)
	a.logs.SetTelegramTarget(chatID, newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLoggingConfig(newCfg))

	if ccfg, err := mapConsumerConfig(newCfg); err != nil {
		a.log.Warn("invalid consumer config; keeping previous", logx.Err(err))
	} else if a.comps.Consumer != nil {
		a.comps.Consumer.Apply(ccfg)
	}
	if a.comps.Adapter != nil {
		a.comps.Adapter.SetRate(newCfg.Consumer.ConsumerRate())
	}
	if windows, err := mapCadenceWindows(newCfg); err != nil {
		a.log.Warn("invalid cadence config; keeping previous", logx.Err(err))
	} else {
		a.comps.Ledger.Apply(windows)
	}
	if mcfg, err := mapMaintenanceConfig(newCfg); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else if err := a.maint.Apply(mcfg); err != nil {
		a.log.Warn("maintenance restart failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Fixed budgets for the shutdown steps around the consumer drain.
const (
	stopMaintenance = 2 * time.Second
	stopStorage     = 2 * time.Second
)

// drainTimeout is how long the supervisor may take to return: long enough
// for an in-flight send and its commit retries under the current config.
func (a *App) drainTimeout() time.Duration {
	ccfg, err := mapConsumerConfig(a.cfgm.Get())
	if err != nil {
		return consumer.Config{}.DrainTimeout()
	}
	return ccfg.DrainTimeout()
}

// StopTimeout is the shutdown budget Stop needs to finish every step.
func (a *App) StopTimeout() time.Duration {
	return stopMaintenance + a.drainTimeout() + stopStorage
}

// Stop shuts down in bounded steps. It never extends the caller's deadline.
// Storage is closed only once the supervised goroutines have returned, so an
// in-flight delivery commit is never cut off by a closed store.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	a.step(ctx, "maintenance", stopMaintenance, func(c context.Context) error { a.maint.Stop(c); return nil })
	if a.step(ctx, "supervisor", a.drainTimeout(), a.sup.Wait) {
		a.step(ctx, "storage", stopStorage, func(context.Context) error { return a.comps.Close() })
	} else {
		a.log.Warn("storage left open; consumer still draining")
	}

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs fn within limit and reports whether it returned in time.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) bool {
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return false
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()
	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return stepCtx.Err() == nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		return false
	}
}
