package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
scheduler:
  max_concurrency: 8
  claim_batch_size: 4
  poll_interval_seconds: 10
  retry_delay_seconds: [30, 120]
  memory_threshold_percent: 70
  default_max_retries: 2
  stuck_threshold_minutes: 20
  shutdown_grace_seconds: 15
executor:
  endpoint: http://executor:9000
  timeout_minutes: 5
db:
  dsn: postgres://localhost/recrawl
pubsub:
  provider: pubsub
  project_id: test-project
  topic_name: recrawl-events
logging:
  development: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("server.port = %d, want 9090", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("auth not applied: %+v", cfg.Auth)
	}
	if cfg.Scheduler.MaxConcurrency != 8 {
		t.Fatalf("scheduler.max_concurrency = %d, want 8", cfg.Scheduler.MaxConcurrency)
	}
	if cfg.Executor.Endpoint != "http://executor:9000" {
		t.Fatalf("executor.endpoint = %q", cfg.Executor.Endpoint)
	}
	if cfg.DB.DSN != "postgres://localhost/recrawl" {
		t.Fatalf("db.dsn = %q", cfg.DB.DSN)
	}
	if cfg.Logging.Development {
		t.Fatal("logging.development should be false")
	}

	settings := cfg.Scheduler.Settings()
	if settings.PollInterval != 10*time.Second {
		t.Fatalf("poll interval = %v, want 10s", settings.PollInterval)
	}
	if len(settings.RetryDelays) != 2 || settings.RetryDelays[0] != 30*time.Second || settings.RetryDelays[1] != 2*time.Minute {
		t.Fatalf("retry delays = %v", settings.RetryDelays)
	}
	if settings.StuckThreshold != 20*time.Minute {
		t.Fatalf("stuck threshold = %v, want 20m", settings.StuckThreshold)
	}
	if settings.ShutdownGrace != 15*time.Second {
		t.Fatalf("shutdown grace = %v, want 15s", settings.ShutdownGrace)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Scheduler.MaxConcurrency != 5 {
		t.Fatalf("scheduler.max_concurrency = %d, want 5", cfg.Scheduler.MaxConcurrency)
	}
	if cfg.Scheduler.ClaimBatchSize != 10 {
		t.Fatalf("scheduler.claim_batch_size = %d, want 10", cfg.Scheduler.ClaimBatchSize)
	}
	want := []int{60, 300, 900}
	if len(cfg.Scheduler.RetryDelaySeconds) != len(want) {
		t.Fatalf("retry_delay_seconds = %v, want %v", cfg.Scheduler.RetryDelaySeconds, want)
	}
	for i, d := range want {
		if cfg.Scheduler.RetryDelaySeconds[i] != d {
			t.Fatalf("retry_delay_seconds[%d] = %d, want %d", i, cfg.Scheduler.RetryDelaySeconds[i], d)
		}
	}
	if cfg.PubSub.Provider != "noop" {
		t.Fatalf("pubsub.provider = %q, want noop", cfg.PubSub.Provider)
	}
	if cfg.Executor.TimeoutMinutes != 15 {
		t.Fatalf("executor.timeout_minutes = %d, want 15", cfg.Executor.TimeoutMinutes)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"zero concurrency", func(c *Config) { c.Scheduler.MaxConcurrency = 0 }, "max_concurrency"},
		{"zero claim batch", func(c *Config) { c.Scheduler.ClaimBatchSize = 0 }, "claim_batch_size"},
		{"zero poll interval", func(c *Config) { c.Scheduler.PollIntervalSeconds = 0 }, "poll_interval_seconds"},
		{"empty retry table", func(c *Config) { c.Scheduler.RetryDelaySeconds = nil }, "retry_delay_seconds"},
		{"negative retry delay", func(c *Config) { c.Scheduler.RetryDelaySeconds = []int{-5} }, "retry_delay_seconds"},
		{"threshold over 100", func(c *Config) { c.Scheduler.MemoryThresholdPercent = 150 }, "memory_threshold_percent"},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"pubsub without project", func(c *Config) { c.PubSub.Provider = "pubsub" }, "pubsub"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tc.mutate(&cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("error %q does not mention %q", err, tc.wantMsg)
			}
		})
	}
}

func TestWatcherSnapshotSwap(t *testing.T) {
	t.Parallel()

	w := NewWatcher(Settings{MaxConcurrency: 5}, zap.NewNop())
	if got := w.Snapshot().MaxConcurrency; got != 5 {
		t.Fatalf("snapshot = %d, want 5", got)
	}
	w.Store(Settings{MaxConcurrency: 9})
	if got := w.Snapshot().MaxConcurrency; got != 9 {
		t.Fatalf("snapshot after store = %d, want 9", got)
	}
}

func TestWatchFileReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
scheduler:
  max_concurrency: 3
`)

	cfg, w, err := WatchFile(path, zap.NewNop())
	if err != nil {
		t.Fatalf("WatchFile() error = %v", err)
	}
	if cfg.Scheduler.MaxConcurrency != 3 {
		t.Fatalf("max_concurrency = %d, want 3", cfg.Scheduler.MaxConcurrency)
	}
	if got := w.Snapshot().MaxConcurrency; got != 3 {
		t.Fatalf("snapshot = %d, want 3", got)
	}

	if err := os.WriteFile(path, []byte("scheduler:\n  max_concurrency: 7\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if w.Snapshot().MaxConcurrency == 7 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("snapshot never picked up the new value, still %d", w.Snapshot().MaxConcurrency)
}
