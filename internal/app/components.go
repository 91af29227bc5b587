package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"signalbot/internal/cadence"
	"signalbot/internal/config"
	"signalbot/internal/consumer"
	"signalbot/internal/eventbus"
	"signalbot/internal/format"
	"signalbot/internal/producer"
	"signalbot/internal/reconcile"
	"signalbot/internal/storage"
	"signalbot/internal/transport"
	telegram "signalbot/internal/transport/telegram/adapter"
	logx "signalbot/pkg/logx"
)

// Components is everything a consumer process or a CLI command needs.
// Sender, Adapter and Consumer are nil when built without a sender.
type Components struct {
	Store      storage.Store
	Ledger     *cadence.Ledger
	Journal    *reconcile.Journal
	Reconciler *reconcile.Reconciler
	Producer   *producer.Producer
	Adapter    *telegram.Adapter
	Consumer   *consumer.Consumer
	Bus        *eventbus.MemBus

	redis redis.UniversalClient
}

type BuildOptions struct {
	// WithSender connects to Telegram and builds the consumer.
	WithSender bool
	// Sender replaces the Telegram adapter (tests, dry runs).
	Sender transport.Sender
}

// Build opens storage and wires the consumer stack from cfg.
// On error everything already opened is closed.
func Build(ctx context.Context, cfg *config.Config, log logx.Logger, opt BuildOptions) (*Components, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Components{Bus: eventbus.New()}
	if err := c.wire(ctx, cfg, log, opt); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) wire(ctx context.Context, cfg *config.Config, log logx.Logger, opt BuildOptions) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	c.Store, err = storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if c.Store == nil {
		return storage.ErrDisabled
	}

	ledgerStore, err := c.openLedgerStore(ctx, cfg)
	if err != nil {
		return err
	}
	windows, err := mapCadenceWindows(cfg)
	if err != nil {
		return err
	}
	c.Ledger = cadence.New(ledgerStore, windows)

	if p := journalPath(cfg); p != "" {
		c.Journal, err = reconcile.OpenJournal(p)
		if err != nil {
			return fmt.Errorf("open failure journal: %w", err)
		}
	}
	c.Reconciler = reconcile.New(c.Store, c.Journal, log.With(logx.String("comp", "reconcile")))
	c.Producer = producer.New(c.Store, log.With(logx.String("comp", "producer")))

	sender := opt.Sender
	if sender == nil && opt.WithSender {
		sendTimeout, err := config.ParseDurationOrDefault("consumer.send_timeout", cfg.Consumer.SendTimeout, consumer.DefaultSendTimeout)
		if err != nil {
			return err
		}
		c.Adapter, err = telegram.New(telegram.Config{
			Token:      cfg.Telegram.Token,
			APIURL:     strings.TrimSpace(cfg.Telegram.APIURL),
			Timeout:    sendTimeout,
			RatePerSec: cfg.Consumer.ConsumerRate(),
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		sender = c.Adapter
	}
	if sender == nil {
		return nil
	}

	ccfg, err := mapConsumerConfig(cfg)
	if err != nil {
		return err
	}
	c.Consumer, err = consumer.New(ccfg, consumer.Deps{
		Items:      c.Store,
		Cadence:    c.Ledger,
		Reconciler: c.Reconciler,
		Sender:     sender,
		Formatter:  format.Formatter{},
		Bus:        c.Bus,
	}, log.With(logx.String("comp", "consumer")))
	return err
}

func (c *Components) openLedgerStore(ctx context.Context, cfg *config.Config) (storage.Ledger, error) {
	switch config.LedgerDriver(cfg.Ledger) {
	case "store":
		return c.Store, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     strings.TrimSpace(cfg.Ledger.RedisAddr),
			DB:       cfg.Ledger.RedisDB,
			Password: cfg.Ledger.RedisPassword,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ledger redis: %w", err)
		}
		c.redis = client
		return cadence.NewRedisStore(client, cfg.Ledger.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown ledger.driver: %s", cfg.Ledger.Driver)
	}
}

// Failures reads failure records from every configured sink.
func (c *Components) Failures() *reconcile.Reader {
	return reconcile.NewReader(c.Store, c.Journal)
}

func (c *Components) Close() error {
	var errs []error
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	return errors.Join(errs...)
}
