package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"signalbot/internal/cadence"
	"signalbot/internal/config"
	"signalbot/internal/consumer"
	"signalbot/internal/maintenance"
	"signalbot/internal/reconcile"
	"signalbot/internal/storage"
	"signalbot/internal/transport"
	"signalbot/internal/workitem"
	logx "signalbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := config.StorageDriver(sc)
	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "sqlite":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = config.DefaultStoragePath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, config.DefaultBusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "postgres":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, errors.New("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: driver, DSN: dsn, MaxConns: sc.MaxConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDestinations(d config.DestinationsConfig) map[workitem.Category]transport.Destination {
	out := map[workitem.Category]transport.Destination{}
	for cat, dst := range map[workitem.Category]config.Destination{
		workitem.CategoryPremium: d.Premium,
		workitem.CategoryFree:    d.Free,
		workitem.CategoryNews:    d.News,
	} {
		if dst.ChatID != 0 {
			out[cat] = transport.Destination{ChatID: dst.ChatID, ThreadID: dst.ThreadID}
		}
	}
	return out
}

func mapConsumerConfig(cfg *config.Config) (consumer.Config, error) {
	c := cfg.Consumer
	interval, err := config.ParseDurationField("consumer.interval", c.Interval)
	if err != nil {
		return consumer.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("consumer.send_timeout", c.SendTimeout)
	if err != nil {
		return consumer.Config{}, err
	}
	backoff, err := config.ParseDurationField("consumer.commit_backoff", c.CommitBackoff)
	if err != nil {
		return consumer.Config{}, err
	}
	return consumer.Config{
		WorkerID:        strings.TrimSpace(c.WorkerID),
		Interval:        interval,
		SignalBatch:     c.SignalBatch,
		NewsBatch:       c.NewsBatch,
		SendTimeout:     sendTimeout,
		CommitAttempts:  c.CommitAttempts,
		CommitBackoff:   backoff,
		MaxSendAttempts: c.MaxSendAttempts,
		Destinations:    mapDestinations(cfg.Destinations),
	}, nil
}

// mapCadenceWindows fills omitted categories with the default windows.
func mapCadenceWindows(cfg *config.Config) (map[workitem.Category]time.Duration, error) {
	def := cadence.DefaultWindows()
	out := make(map[workitem.Category]time.Duration, len(def))
	for _, f := range []struct {
		cat workitem.Category
		raw string
	}{
		{workitem.CategoryPremium, cfg.Cadence.Premium},
		{workitem.CategoryFree, cfg.Cadence.Free},
		{workitem.CategoryNews, cfg.Cadence.News},
	} {
		d, err := config.ParseDurationOrDefault("cadence."+string(f.cat), f.raw, def[f.cat])
		if err != nil {
			return nil, err
		}
		out[f.cat] = d
	}
	return out, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	m := cfg.MaintenanceOrDefault()
	staleAfter, err := config.ParseDurationOrDefault("maintenance.stale_after", m.StaleAfter, config.DefaultStaleAfter)
	if err != nil {
		return maintenance.Config{}, err
	}
	mc := maintenance.Config{
		Enabled:       m.Enabled,
		Timezone:      m.Timezone,
		StaleClaims:   m.StaleClaims,
		StaleAfter:    staleAfter,
		FailureDigest: m.FailureDigest,
	}
	return mc, mc.Validate()
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// S3Config maps the export section to the exporter config.
func S3Config(cfg *config.Config) reconcile.S3Config {
	e := cfg.Export
	prefix := e.S3Prefix
	if strings.TrimSpace(prefix) == "" {
		prefix = config.DefaultS3Prefix
	}
	return reconcile.S3Config{
		Bucket:    strings.TrimSpace(e.S3Bucket),
		Region:    strings.TrimSpace(e.S3Region),
		Endpoint:  strings.TrimSpace(e.S3Endpoint),
		PathStyle: e.S3PathStyle,
		Prefix:    prefix,
	}
}

func journalPath(cfg *config.Config) string {
	p := strings.TrimSpace(cfg.Reconcile.JournalPath)
	switch p {
	case "":
		return config.DefaultJournalPath
	case config.JournalDisabled:
		return ""
	}
	return p
}

// parseGroupLog parses telegram.group_log. Empty means no log chat.
func parseGroupLog(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: %w", err)
	}
	return id, nil
}

// CheckConfig runs every mapping the app performs at startup, without opening anything.
func CheckConfig(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := mapStorageConfig(cfg)
	collect(err)
	_, err = mapConsumerConfig(cfg)
	collect(err)
	_, err = mapCadenceWindows(cfg)
	collect(err)
	_, err = mapMaintenanceConfig(cfg)
	collect(err)
	_, err = parseGroupLog(cfg.Telegram.GroupLog)
	collect(err)
	return errors.Join(errs...)
}
