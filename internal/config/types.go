package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "15s", "24h"); empty strings fall back to the documented defaults.
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Ledger       LedgerConfig       `json:"ledger,omitempty"`
	Consumer     ConsumerConfig     `json:"consumer"`
	Destinations DestinationsConfig `json:"destinations"`
	Cadence      CadenceConfig      `json:"cadence,omitempty"`
	Reconcile    ReconcileConfig    `json:"reconcile,omitempty"`
	API          APIConfig          `json:"api,omitempty"`
	Maintenance  *MaintenanceConfig `json:"maintenance,omitempty"`
	Export       ExportConfig       `json:"export,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// GroupLog is the chat id that receives warn+ log lines.
	GroupLog string `json:"group_log,omitempty"`
	// APIURL overrides the Bot API endpoint (self-hosted bot API servers).
	APIURL string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the work-item store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/signalbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`         // sqlite
	DSN         string `json:"dsn,omitempty"`          // postgres (never logged)
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
}

// LedgerConfig selects where cadence entries live: "store" keeps them in the
// work-item store, "redis" shares them through Redis.
type LedgerConfig struct {
	Driver    string `json:"driver,omitempty"`
	RedisAddr string `json:"redis_addr,omitempty"`
	RedisDB   int    `json:"redis_db,omitempty"`
	// RedisPassword is never logged.
	RedisPassword string `json:"redis_password,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`
}

// ConsumerConfig drives the polling loop.
//
// Enabled is a pointer so an omitted key keeps the default (true).
type ConsumerConfig struct {
	Enabled         *bool   `json:"enabled,omitempty"`
	WorkerID        string  `json:"worker_id,omitempty"`
	Interval        string  `json:"interval,omitempty"`
	SignalBatch     int     `json:"signal_batch,omitempty"`
	NewsBatch       int     `json:"news_batch,omitempty"`
	SendTimeout     string  `json:"send_timeout,omitempty"`
	CommitAttempts  int     `json:"commit_attempts,omitempty"`
	CommitBackoff   string  `json:"commit_backoff,omitempty"`
	MaxSendAttempts int     `json:"max_send_attempts,omitempty"`
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
}

func (c ConsumerConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

type Destination struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

type DestinationsConfig struct {
	Premium Destination `json:"premium"`
	Free    Destination `json:"free"`
	News    Destination `json:"news"`
}

// CadenceConfig holds the minimum gap between publications per category.
type CadenceConfig struct {
	Premium string `json:"premium,omitempty"`
	Free    string `json:"free,omitempty"`
	News    string `json:"news,omitempty"`
}

type ReconcileConfig struct {
	// JournalPath is the local JSONL failure journal. "-" disables it.
	JournalPath string `json:"journal_path,omitempty"`
}

// APIConfig controls the operator HTTP API.
//
// Prefer a loopback address; set a token when binding elsewhere.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"` // never logged
	// Pprof mounts runtime profiling under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
}

// MaintenanceConfig controls periodic operator jobs. Schedules accept cron
// (seconds optional, descriptors like "@hourly") or intervals ("every:15m").
// If the section is omitted, maintenance runs with defaults.
type MaintenanceConfig struct {
	Enabled       bool   `json:"enabled"`
	Timezone      string `json:"timezone,omitempty"`
	StaleClaims   string `json:"stale_claims,omitempty"`
	StaleAfter    string `json:"stale_after,omitempty"`
	FailureDigest string `json:"failure_digest,omitempty"`
}

// ExportConfig is the S3 target for `signalbot failures export`.
type ExportConfig struct {
	S3Bucket    string `json:"s3_bucket,omitempty"`
	S3Region    string `json:"s3_region,omitempty"`
	S3Endpoint  string `json:"s3_endpoint,omitempty"`
	S3PathStyle bool   `json:"s3_path_style,omitempty"`
	S3Prefix    string `json:"s3_prefix,omitempty"`
}
