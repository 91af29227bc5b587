package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
telegram:
  token: "123:abc"
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./data/signalbot.db
consumer:
  interval: 30s
  signal_batch: 20
destinations:
  premium: { chat_id: -1001, thread_id: 7 }
  free: { chat_id: -1002 }
  news: { chat_id: -1003 }
cadence:
  premium: 24h
  free: 168h
  news: 60m
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", validYAML))
	m.getenv = func(string) string { return "" }
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Destinations.Premium.ThreadID != 7 || cfg.Destinations.News.ChatID != -1003 {
		t.Fatalf("destinations = %+v", cfg.Destinations)
	}
	if cfg.Cadence.Free != "168h" {
		t.Fatalf("cadence.free = %q, want 168h", cfg.Cadence.Free)
	}
	if !cfg.Consumer.IsEnabled() {
		t.Fatalf("consumer should default to enabled")
	}
	if m.Get() != cfg {
		t.Fatalf("Get() did not return the committed config")
	}
	if mc := cfg.MaintenanceOrDefault(); !mc.Enabled || mc.StaleClaims != DefaultStaleClaims {
		t.Fatalf("maintenance default = %+v", mc)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, path, body string
	}{
		{"unknown key", "c.json", `{"telegram":{"token":"x"},"plugins":{}}`},
		{"trailing data", "c.json", `{"telegram":{"token":"x"}} {}`},
		{"unknown yaml key", "c.yml", "consumer:\n  workers: 3\n"},
		{"bad yaml", "c.yaml", "telegram: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.path, []byte(tc.body)); err == nil {
				t.Fatalf("Decode(%s) should fail", tc.body)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", validYAML))
	m.getenv = func(k string) string {
		switch k {
		case EnvTelegramToken:
			return "999:env"
		case EnvStorageDSN:
			return "postgres://x"
		}
		return ""
	}
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "999:env" || cfg.Storage.DSN != "postgres://x" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Telegram, cfg.Storage)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Telegram:     TelegramConfig{Token: "t"},
			Destinations: DestinationsConfig{News: Destination{ChatID: -1}},
		}
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("Validate(minimal) = %v", err)
	}

	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"no token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"no destinations", func(c *Config) { c.Destinations = DestinationsConfig{} }, "destinations"},
		{"short interval", func(c *Config) { c.Consumer.Interval = "5s" }, "consumer.interval"},
		{"bad duration", func(c *Config) { c.Cadence.News = "an hour" }, "cadence.news"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "bolt" }, "storage.driver"},
		{"redis without addr", func(c *Config) { c.Ledger.Driver = "redis" }, "ledger.redis_addr"},
		{"public api without token", func(c *Config) { c.API = APIConfig{Enabled: true, Addr: "0.0.0.0:8088"} }, "api.token"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(c)
			err := Validate(c)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tc.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}, Cadence: CadenceConfig{News: "60m"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b"}, Cadence: CadenceConfig{News: "30m"}}

	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "cadence,telegram" {
		t.Fatalf("changed = %v, want [cadence telegram]", changed)
	}
	if strings.Join(restart, ",") != "telegram" {
		t.Fatalf("restart = %v, want [telegram]", restart)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}

	changed, _, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", validYAML)
	m := NewManager(path)
	m.getenv = func(string) string { return "" }
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	if published, err := m.Reload(ctx); err != nil || published {
		t.Fatalf("Reload(unchanged) = %v, %v; want false, nil", published, err)
	}

	if err := os.WriteFile(path, []byte(strings.Replace(validYAML, "news: 60m", "news: 30m", 1)), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if published, err := m.Reload(ctx); err != nil || !published {
		t.Fatalf("Reload(changed) = %v, %v; want true, nil", published, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Cadence.News != "30m" {
			t.Fatalf("published cadence.news = %q, want 30m", cfg.Cadence.News)
		}
	case <-time.After(time.Second):
		t.Fatalf("no config published")
	}

	if err := os.WriteFile(path, []byte(strings.Replace(validYAML, "interval: 30s", "interval: 1s", 1)), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if published, err := m.Reload(ctx); err == nil || published {
		t.Fatalf("Reload(invalid) = %v, %v; want rejection", published, err)
	}
	if m.Get().Cadence.News != "30m" {
		t.Fatalf("rejected reload replaced the committed config")
	}
}
