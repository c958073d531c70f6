package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Snapshot   SnapshotConfig   `yaml:"snapshot" mapstructure:"snapshot"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// SyncConfig configures the sync orchestrator.
type SyncConfig struct {
	SourcesFile       string      `yaml:"sources_file" mapstructure:"sources_file"`
	CheckpointEvery   int         `yaml:"checkpoint_every" mapstructure:"checkpoint_every"`
	StaleClaimMinutes int         `yaml:"stale_claim_minutes" mapstructure:"stale_claim_minutes"`
	HandoffURL        string      `yaml:"handoff_url" mapstructure:"handoff_url"`
	HandoffTimeoutSec int         `yaml:"handoff_timeout_secs" mapstructure:"handoff_timeout_secs"`
	Retry             RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// StaleClaimAfter returns the stale-claim limit as a duration.
func (s SyncConfig) StaleClaimAfter() time.Duration {
	return time.Duration(s.StaleClaimMinutes) * time.Minute
}

// RetryConfig configures per-item retries against the source.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// SourceConfig holds the transport settings shared by GraphQL sources.
type SourceConfig struct {
	TimeoutSecs             int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec              float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst                   int     `yaml:"burst" mapstructure:"burst"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// SnapshotConfig configures manifest publication. An empty bucket disables it.
type SnapshotConfig struct {
	Bucket         string `yaml:"bucket" mapstructure:"bucket"`
	Prefix         string `yaml:"prefix" mapstructure:"prefix"`
	Region         string `yaml:"region" mapstructure:"region"`
	Endpoint       string `yaml:"endpoint" mapstructure:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// MonitoringConfig configures source health alerting.
type MonitoringConfig struct {
	WebhookURL        string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	RepeatAfterHours  int    `yaml:"repeat_after_hours" mapstructure:"repeat_after_hours"`
	NotifyNeverSynced bool   `yaml:"notify_never_synced" mapstructure:"notify_never_synced"`
}

// SchedulerConfig configures the in-process scheduler.
type SchedulerConfig struct {
	IntervalSecs  int `yaml:"interval_secs" mapstructure:"interval_secs"`
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// TemporalConfig configures the Temporal client and worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CORPUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("sync.sources_file", "sources.yaml")
	v.SetDefault("sync.checkpoint_every", 25)
	v.SetDefault("sync.stale_claim_minutes", 60)
	v.SetDefault("sync.handoff_timeout_secs", 10)
	v.SetDefault("sync.retry.max_attempts", 3)
	v.SetDefault("sync.retry.initial_backoff_ms", 1000)
	v.SetDefault("sync.retry.max_backoff_ms", 30000)
	v.SetDefault("sync.retry.multiplier", 2.0)
	v.SetDefault("sync.retry.jitter_fraction", 0.25)
	v.SetDefault("source.timeout_secs", 30)
	v.SetDefault("source.rate_per_sec", 5.0)
	v.SetDefault("source.burst", 5)
	v.SetDefault("source.circuit_failure_threshold", 5)
	v.SetDefault("source.circuit_reset_secs", 30)
	v.SetDefault("snapshot.prefix", "snapshots")
	v.SetDefault("snapshot.region", "eu-west-2")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.repeat_after_hours", 24)
	v.SetDefault("scheduler.interval_secs", 60)
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "corpus-sync")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on.
// Modes: sync, serve, worker, snapshot, migrate.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required (sqlite file path)")
		}
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}

	switch mode {
	case "migrate", "snapshot":
	case "sync", "worker", "serve":
		if c.Sync.SourcesFile == "" {
			problems = append(problems, "sync.sources_file is required")
		}
		if c.Sync.CheckpointEvery < 1 {
			problems = append(problems, "sync.checkpoint_every must be >= 1")
		}
		if c.Sync.StaleClaimMinutes < 1 {
			problems = append(problems, "sync.stale_claim_minutes must be >= 1")
		}
		if c.Sync.Retry.MaxAttempts < 1 || c.Sync.Retry.MaxAttempts > 10 {
			problems = append(problems, "sync.retry.max_attempts must be between 1 and 10")
		}
		if c.Sync.Retry.JitterFraction < 0 || c.Sync.Retry.JitterFraction > 1 {
			problems = append(problems, "sync.retry.jitter_fraction must be between 0 and 1")
		}
		if mode == "serve" {
			if c.Server.Port <= 0 {
				problems = append(problems, "server.port must be > 0")
			}
			if c.Scheduler.MaxConcurrent < 1 || c.Scheduler.MaxConcurrent > 32 {
				problems = append(problems, "scheduler.max_concurrent must be between 1 and 32")
			}
		}
		if mode == "worker" && c.Temporal.TaskQueue == "" {
			problems = append(problems, "temporal.task_queue is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
