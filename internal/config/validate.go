package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	DefaultStorageDriver   = "sqlite"
	DefaultStoragePath     = "./data/signalbot.db"
	DefaultBusyTimeout     = 5 * time.Second
	DefaultLedgerDriver    = "store"
	DefaultJournalPath     = "./data/delivery_failures.jsonl"
	DefaultAPIAddr         = "127.0.0.1:8088"
	DefaultStaleClaims     = "*/15 * * * *"
	DefaultStaleAfter      = 10 * time.Minute
	DefaultFailureDigest   = "@hourly"
	DefaultS3Prefix        = "failures/"
	minConsumerInterval    = 10 * time.Second
	JournalDisabled        = "-"
	defaultConsumerRateSec = 1.0
)

// DefaultMaintenance is used when the maintenance section is omitted.
func DefaultMaintenance() MaintenanceConfig {
	return MaintenanceConfig{
		Enabled:       true,
		StaleClaims:   DefaultStaleClaims,
		StaleAfter:    DefaultStaleAfter.String(),
		FailureDigest: DefaultFailureDigest,
	}
}

// MaintenanceOrDefault returns the configured section or the defaults.
func (c *Config) MaintenanceOrDefault() MaintenanceConfig {
	if c == nil || c.Maintenance == nil {
		return DefaultMaintenance()
	}
	return *c.Maintenance
}

// ConsumerRate is the send pacing in messages per second.
func (c ConsumerConfig) ConsumerRate() float64 {
	if c.RatePerSec > 0 {
		return c.RatePerSec
	}
	return defaultConsumerRateSec
}

// Validate checks the fields that can be checked without touching the
// outside world. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	need := func(cond bool, format string, args ...any) {
		if !cond {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	need(strings.TrimSpace(cfg.Telegram.Token) != "", "telegram.token is required")

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	switch StorageDriver(cfg.Storage) {
	case "memory":
	case "sqlite":
		_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		add(err)
	case "postgres":
		need(strings.TrimSpace(cfg.Storage.DSN) != "", "storage.dsn is required when storage.driver=postgres")
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	switch LedgerDriver(cfg.Ledger) {
	case "store":
	case "redis":
		need(strings.TrimSpace(cfg.Ledger.RedisAddr) != "", "ledger.redis_addr is required when ledger.driver=redis")
	default:
		errs = append(errs, fmt.Errorf("ledger.driver: unknown driver %q", cfg.Ledger.Driver))
	}

	c := cfg.Consumer
	if d, err := ParseDurationField("consumer.interval", c.Interval); err != nil {
		add(err)
	} else {
		need(d == 0 || d >= minConsumerInterval, "consumer.interval must be at least %s", minConsumerInterval)
	}
	_, err := ParseDurationField("consumer.send_timeout", c.SendTimeout)
	add(err)
	_, err = ParseDurationField("consumer.commit_backoff", c.CommitBackoff)
	add(err)
	need(c.SignalBatch >= 0, "consumer.signal_batch must be >= 0")
	need(c.NewsBatch >= 0, "consumer.news_batch must be >= 0")
	need(c.CommitAttempts >= 0, "consumer.commit_attempts must be >= 0")
	need(c.MaxSendAttempts >= 0, "consumer.max_send_attempts must be >= 0")
	need(c.RatePerSec >= 0, "consumer.rate_per_sec must be >= 0")

	d := cfg.Destinations
	need(d.Premium.ChatID != 0 || d.Free.ChatID != 0 || d.News.ChatID != 0, "destinations: at least one chat_id is required")

	for path, raw := range map[string]string{
		"cadence.premium": cfg.Cadence.Premium,
		"cadence.free":    cfg.Cadence.Free,
		"cadence.news":    cfg.Cadence.News,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if m := cfg.Maintenance; m != nil {
		_, err := ParseDurationField("maintenance.stale_after", m.StaleAfter)
		add(err)
	}

	if cfg.API.Enabled {
		add(checkAPIAddr(cfg.API))
	}
	return errors.Join(errs...)
}

// StorageDriver returns the normalised driver name, defaulting to sqlite.
func StorageDriver(s StorageConfig) string {
	d := strings.ToLower(strings.TrimSpace(s.Driver))
	switch d {
	case "":
		return DefaultStorageDriver
	case "sqlite3":
		return "sqlite"
	case "postgresql", "pgx":
		return "postgres"
	}
	return d
}

func LedgerDriver(l LedgerConfig) string {
	d := strings.ToLower(strings.TrimSpace(l.Driver))
	if d == "" {
		return DefaultLedgerDriver
	}
	return d
}

// ListenAddr returns the configured listen address or the default.
func (a APIConfig) ListenAddr() string {
	if s := strings.TrimSpace(a.Addr); s != "" {
		return s
	}
	return DefaultAPIAddr
}

func checkAPIAddr(a APIConfig) error {
	host, _, err := net.SplitHostPort(a.ListenAddr())
	if err != nil {
		return fmt.Errorf("api.addr: %w", err)
	}
	if strings.TrimSpace(a.Token) != "" {
		return nil
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("api.token is required when api.addr is not loopback (%s)", a.ListenAddr())
}
