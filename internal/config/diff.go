package config

import (
	"reflect"
	"sort"
	"strings"

	logx "signalbot/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"telegram": true,
	"storage":  true,
	"ledger":   true,
	"api":      true,
}

// SummarizeConfigChange returns the changed sections, safe attrs for logging
// (no tokens, DSNs or passwords), and the subset of changed sections that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
			logx.String("telegram.api_url", strings.TrimSpace(newCfg.Telegram.APIURL)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", StorageDriver(newCfg.Storage)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_changed", oldCfg.Storage.DSN != newCfg.Storage.DSN),
		)
	}

	if oldCfg.Ledger != newCfg.Ledger {
		changed = append(changed, "ledger")
		attrs = append(attrs,
			logx.String("ledger.driver", LedgerDriver(newCfg.Ledger)),
			logx.String("ledger.redis_addr", strings.TrimSpace(newCfg.Ledger.RedisAddr)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Consumer, newCfg.Consumer) {
		c := newCfg.Consumer
		changed = append(changed, "consumer")
		attrs = append(attrs,
			logx.Bool("consumer.enabled", c.IsEnabled()),
			logx.String("consumer.interval", c.Interval),
			logx.Int("consumer.signal_batch", c.SignalBatch),
			logx.Int("consumer.news_batch", c.NewsBatch),
			logx.String("consumer.send_timeout", c.SendTimeout),
			logx.Float64("consumer.rate_per_sec", c.RatePerSec),
		)
	}

	if oldCfg.Destinations != newCfg.Destinations {
		changed = append(changed, "destinations")
		for _, d := range []struct {
			name     string
			old, new Destination
		}{
			{"premium", oldCfg.Destinations.Premium, newCfg.Destinations.Premium},
			{"free", oldCfg.Destinations.Free, newCfg.Destinations.Free},
			{"news", oldCfg.Destinations.News, newCfg.Destinations.News},
		} {
			if d.old != d.new {
				attrs = append(attrs, logx.Int64("destinations."+d.name+".chat_id", d.new.ChatID))
			}
		}
	}

	if oldCfg.Cadence != newCfg.Cadence {
		changed = append(changed, "cadence")
		attrs = append(attrs,
			logx.String("cadence.premium", newCfg.Cadence.Premium),
			logx.String("cadence.free", newCfg.Cadence.Free),
			logx.String("cadence.news", newCfg.Cadence.News),
		)
	}

	if oldCfg.Reconcile != newCfg.Reconcile {
		changed = append(changed, "reconcile")
		attrs = append(attrs, logx.String("reconcile.journal_path", newCfg.Reconcile.JournalPath))
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", newCfg.API.ListenAddr()),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
		)
	}

	oldM, newM := oldCfg.MaintenanceOrDefault(), newCfg.MaintenanceOrDefault()
	if oldM != newM {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newM.Enabled),
			logx.String("maintenance.stale_claims", newM.StaleClaims),
			logx.String("maintenance.failure_digest", newM.FailureDigest),
		)
	}

	if oldCfg.Export != newCfg.Export {
		changed = append(changed, "export")
		attrs = append(attrs,
			logx.String("export.s3_bucket", newCfg.Export.S3Bucket),
			logx.String("export.s3_region", newCfg.Export.S3Region),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
