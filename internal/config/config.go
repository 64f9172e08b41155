// Package config loads and validates recrawl configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig holds the hot-reloadable scheduler tuning knobs.
type SchedulerConfig struct {
	MaxConcurrency         int   `mapstructure:"max_concurrency"`
	ClaimBatchSize         int   `mapstructure:"claim_batch_size"`
	PollIntervalSeconds    int   `mapstructure:"poll_interval_seconds"`
	RetryDelaySeconds      []int `mapstructure:"retry_delay_seconds"`
	MemoryThresholdPercent int   `mapstructure:"memory_threshold_percent"`
	DefaultMaxRetries      int   `mapstructure:"default_max_retries"`
	StuckThresholdMinutes  int   `mapstructure:"stuck_threshold_minutes"`
	ShutdownGraceSeconds   int   `mapstructure:"shutdown_grace_seconds"`
}

// ExecutorConfig points at the external Crawl Executor service.
type ExecutorConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	TimeoutMinutes int    `mapstructure:"timeout_minutes"`
}

// DBConfig controls access to the Postgres queue store.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for completion-event publishing.
type PubSubConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Settings is the immutable snapshot of scheduler knobs read once per tick.
type Settings struct {
	MaxConcurrency         int
	ClaimBatchSize         int
	PollInterval           time.Duration
	RetryDelays            []time.Duration
	MemoryThresholdPercent float64
	DefaultMaxRetries      int
	StuckThreshold         time.Duration
	ShutdownGrace          time.Duration
}

// Settings converts the scheduler section into a snapshot.
func (c SchedulerConfig) Settings() Settings {
	delays := make([]time.Duration, 0, len(c.RetryDelaySeconds))
	for _, s := range c.RetryDelaySeconds {
		delays = append(delays, time.Duration(s)*time.Second)
	}
	return Settings{
		MaxConcurrency:         c.MaxConcurrency,
		ClaimBatchSize:         c.ClaimBatchSize,
		PollInterval:           time.Duration(c.PollIntervalSeconds) * time.Second,
		RetryDelays:            delays,
		MemoryThresholdPercent: float64(c.MemoryThresholdPercent),
		DefaultMaxRetries:      c.DefaultMaxRetries,
		StuckThreshold:         time.Duration(c.StuckThresholdMinutes) * time.Minute,
		ShutdownGrace:          time.Duration(c.ShutdownGraceSeconds) * time.Second,
	}
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

func load(path string) (Config, *viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("RECRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, nil, err
	}

	return cfg, v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.max_concurrency", 5)
	v.SetDefault("scheduler.claim_batch_size", 10)
	v.SetDefault("scheduler.poll_interval_seconds", 30)
	v.SetDefault("scheduler.retry_delay_seconds", []int{60, 300, 900})
	v.SetDefault("scheduler.memory_threshold_percent", 80)
	v.SetDefault("scheduler.default_max_retries", 3)
	v.SetDefault("scheduler.stuck_threshold_minutes", 30)
	v.SetDefault("scheduler.shutdown_grace_seconds", 60)
	v.SetDefault("executor.timeout_minutes", 15)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("pubsub.provider", "noop")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler.max_concurrency must be > 0")
	}
	if c.Scheduler.ClaimBatchSize <= 0 {
		return fmt.Errorf("scheduler.claim_batch_size must be > 0")
	}
	if c.Scheduler.PollIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.poll_interval_seconds must be > 0")
	}
	if len(c.Scheduler.RetryDelaySeconds) == 0 {
		return fmt.Errorf("scheduler.retry_delay_seconds must not be empty")
	}
	for _, d := range c.Scheduler.RetryDelaySeconds {
		if d <= 0 {
			return fmt.Errorf("scheduler.retry_delay_seconds entries must be > 0")
		}
	}
	if c.Scheduler.MemoryThresholdPercent <= 0 || c.Scheduler.MemoryThresholdPercent > 100 {
		return fmt.Errorf("scheduler.memory_threshold_percent must be in (0, 100]")
	}
	if c.Scheduler.DefaultMaxRetries < 0 {
		return fmt.Errorf("scheduler.default_max_retries must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.Provider == "pubsub" && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required for the pubsub provider")
	}
	return nil
}

// Watcher serves hot-reloadable settings snapshots. The scheduler reads
// Snapshot once per tick, so config edits apply without a restart.
type Watcher struct {
	current atomic.Pointer[Settings]
	logger  *zap.Logger
}

// NewWatcher wraps a static snapshot; useful for tests and when no config
// file is present.
func NewWatcher(settings Settings, logger *zap.Logger) *Watcher {
	w := &Watcher{logger: logger}
	w.current.Store(&settings)
	return w
}

// WatchFile loads the config at path and re-reads the scheduler section
// whenever the file changes. Reload failures keep the previous snapshot.
func WatchFile(path string, logger *zap.Logger) (Config, *Watcher, error) {
	cfg, v, err := load(path)
	if err != nil {
		return Config{}, nil, err
	}
	w := NewWatcher(cfg.Scheduler.Settings(), logger)
	if path != "" {
		v.OnConfigChange(func(fsnotify.Event) {
			var next Config
			if err := v.Unmarshal(&next); err != nil {
				logger.Warn("config reload failed", zap.Error(err))
				return
			}
			if err := next.Validate(); err != nil {
				logger.Warn("config reload rejected", zap.Error(err))
				return
			}
			w.Store(next.Scheduler.Settings())
			logger.Info("scheduler settings reloaded")
		})
		v.WatchConfig()
	}
	return cfg, w, nil
}

// Snapshot returns the current settings.
func (w *Watcher) Snapshot() Settings {
	return *w.current.Load()
}

// Store swaps in a new settings snapshot.
func (w *Watcher) Store(settings Settings) {
	w.current.Store(&settings)
}
