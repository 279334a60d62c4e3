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
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Workers    WorkersConfig    `yaml:"workers" mapstructure:"workers"`
	Shield     ShieldConfig     `yaml:"shield" mapstructure:"shield"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	Generator  GeneratorConfig  `yaml:"generator" mapstructure:"generator"`
	Ledger     LedgerConfig     `yaml:"ledger" mapstructure:"ledger"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the relational backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the in-memory queue and counter backend. An
// empty URL disables redis; the queue then runs on the relational
// backend alone.
type RedisConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// QueueConfig configures job queue behavior shared by all backends.
type QueueConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	LeaseSecs        int `yaml:"lease_secs" mapstructure:"lease_secs"`
	PollIntervalMS   int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	SweepIntervalSec int `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
}

// LeaseDuration returns the configured job lease hold time.
func (q QueueConfig) LeaseDuration() time.Duration {
	return time.Duration(q.LeaseSecs) * time.Second
}

// PollInterval returns the dequeue poll interval.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMS) * time.Millisecond
}

// WorkersConfig holds per-role pool settings.
type WorkersConfig struct {
	Fetch        PoolConfig `yaml:"fetch" mapstructure:"fetch"`
	Analysis     PoolConfig `yaml:"analysis" mapstructure:"analysis"`
	ShieldAction PoolConfig `yaml:"shield_action" mapstructure:"shield_action"`
	Reply        PoolConfig `yaml:"reply" mapstructure:"reply"`
}

// PoolConfig bounds one worker role.
type PoolConfig struct {
	Concurrency    int `yaml:"concurrency" mapstructure:"concurrency"`
	JobTimeoutSecs int `yaml:"job_timeout_secs" mapstructure:"job_timeout_secs"`
}

// JobTimeout returns the per-job execution bound.
func (p PoolConfig) JobTimeout() time.Duration {
	return time.Duration(p.JobTimeoutSecs) * time.Second
}

// ShieldConfig configures the escalation engine.
type ShieldConfig struct {
	// MatrixFile optionally overrides the built-in escalation matrix and
	// offense-level buckets (yaml).
	MatrixFile string `yaml:"matrix_file" mapstructure:"matrix_file"`
	// ReviewThreshold is the minimum severity routed to the shield
	// engine instead of reply generation.
	ReviewThreshold string `yaml:"review_threshold" mapstructure:"review_threshold"`
	// AlwaysReviewCategories are routed to shield regardless of severity.
	AlwaysReviewCategories []string `yaml:"always_review_categories" mapstructure:"always_review_categories"`
}

// ClassifierConfig configures the toxicity classifier plug-in.
type ClassifierConfig struct {
	Provider string  `yaml:"provider" mapstructure:"provider"` // "perspective" or "keyword"
	Key      string  `yaml:"key" mapstructure:"key"`
	BaseURL  string  `yaml:"base_url" mapstructure:"base_url"`
	LowAt    float64 `yaml:"low_at" mapstructure:"low_at"`
	MediumAt float64 `yaml:"medium_at" mapstructure:"medium_at"`
	HighAt   float64 `yaml:"high_at" mapstructure:"high_at"`
	CritAt   float64 `yaml:"critical_at" mapstructure:"critical_at"`
	// CriticalCategories force critical severity regardless of score.
	CriticalCategories []string `yaml:"critical_categories" mapstructure:"critical_categories"`
}

// GeneratorConfig configures the reply generator plug-in.
type GeneratorConfig struct {
	Provider    string `yaml:"provider" mapstructure:"provider"` // "anthropic" or "template"
	Key         string `yaml:"key" mapstructure:"key"`
	Model       string `yaml:"model" mapstructure:"model"`
	DefaultTone string `yaml:"default_tone" mapstructure:"default_tone"`
	MaxTokens   int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// LedgerConfig configures cost control.
type LedgerConfig struct {
	// Limits maps tier name -> resource -> monthly allowance. A missing
	// entry means unlimited; zero means blocked.
	Limits map[string]map[string]int64 `yaml:"limits" mapstructure:"limits"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CROWDGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "crowdgate.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.lease_secs", 120)
	v.SetDefault("queue.poll_interval_ms", 250)
	v.SetDefault("queue.sweep_interval_secs", 30)
	v.SetDefault("workers.fetch.concurrency", 4)
	v.SetDefault("workers.fetch.job_timeout_secs", 60)
	v.SetDefault("workers.analysis.concurrency", 8)
	v.SetDefault("workers.analysis.job_timeout_secs", 30)
	v.SetDefault("workers.shield_action.concurrency", 4)
	v.SetDefault("workers.shield_action.job_timeout_secs", 30)
	v.SetDefault("workers.reply.concurrency", 4)
	v.SetDefault("workers.reply.job_timeout_secs", 60)
	v.SetDefault("shield.review_threshold", "medium")
	v.SetDefault("shield.always_review_categories", []string{"threat", "self_harm", "hate"})
	v.SetDefault("classifier.provider", "keyword")
	v.SetDefault("classifier.low_at", 0.3)
	v.SetDefault("classifier.medium_at", 0.6)
	v.SetDefault("classifier.high_at", 0.85)
	v.SetDefault("classifier.critical_at", 0.95)
	v.SetDefault("classifier.critical_categories", []string{"threat", "self_harm"})
	v.SetDefault("generator.provider", "template")
	v.SetDefault("generator.model", "claude-haiku-4-5-20251001")
	v.SetDefault("generator.default_tone", "witty")
	v.SetDefault("generator.max_tokens", 256)
	v.SetDefault("ledger.limits", defaultTierLimits())

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

// defaultTierLimits returns the built-in allowances per billing tier.
// Most resources are monthly; "accounts" is a standing cap on enabled
// platform integrations. A -1 entry means unlimited.
func defaultTierLimits() map[string]map[string]int64 {
	return map[string]map[string]int64{
		"free": {
			"ingestion":       1000,
			"classification":  500,
			"generation":      50,
			"platform_action": 100,
			"accounts":        1,
		},
		"starter": {
			"ingestion":       20000,
			"classification":  10000,
			"generation":      1000,
			"platform_action": 2000,
			"accounts":        3,
		},
		"pro": {
			"ingestion":       200000,
			"classification":  100000,
			"generation":      10000,
			"platform_action": 20000,
			"accounts":        10,
		},
		"plus": {
			"ingestion":       -1,
			"classification":  -1,
			"generation":      -1,
			"platform_action": -1,
			"accounts":        -1,
		},
	}
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
