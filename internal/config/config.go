// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	DB        DBConfig        `mapstructure:"db"`
	Lock      LockConfig      `mapstructure:"lock"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication and per-key rate limiting.
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"api_keys"`
	// RatePerSecond and Burst configure the per-key token bucket.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// CrawlConfig governs the crawl coordinator.
type CrawlConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	MaxPages          int    `mapstructure:"max_pages"`
	DetailConcurrency int    `mapstructure:"detail_concurrency"`
	LeaseTTLMinutes   int    `mapstructure:"lease_ttl_minutes"`
	LockName          string `mapstructure:"lock_name"`
}

// HTTPConfig configures the fetcher.
type HTTPConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	Concurrency      int    `mapstructure:"concurrency"`
	DelayMs          int    `mapstructure:"delay_ms"`
	RespectRobots    bool   `mapstructure:"respect_robots"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// LockConfig selects the distributed lock backend.
type LockConfig struct {
	// Provider is one of redis, postgres, memory.
	Provider  string `mapstructure:"provider"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
}

// SnapshotsConfig selects the raw-HTML snapshot backend.
type SnapshotsConfig struct {
	// Provider is one of gcs, local, memory, none.
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// PubSubConfig configures change-event notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SchedulerConfig controls the cron-driven full crawl.
type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Spec    string `mapstructure:"spec"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from an optional file plus BOOKWATCH_* environment
// variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOOKWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.rate_per_second", 5.0)
	v.SetDefault("auth.burst", 10)
	v.SetDefault("crawl.base_url", "https://books.toscrape.com/")
	v.SetDefault("crawl.max_pages", 100)
	v.SetDefault("crawl.detail_concurrency", 5)
	v.SetDefault("crawl.lease_ttl_minutes", 360)
	v.SetDefault("crawl.lock_name", "catalog-crawl")
	v.SetDefault("http.user_agent", "bookwatch-bot/0.1")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.concurrency", 5)
	v.SetDefault("http.delay_ms", 500)
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("lock.provider", "memory")
	v.SetDefault("lock.redis_addr", "localhost:6379")
	v.SetDefault("snapshots.provider", "none")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.spec", "0 3 * * *")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.BaseURL == "" {
		return fmt.Errorf("crawl.base_url must be set")
	}
	if c.HTTP.Concurrency <= 0 {
		return fmt.Errorf("http.concurrency must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	switch c.Lock.Provider {
	case "redis", "postgres", "memory":
	default:
		return fmt.Errorf("lock.provider must be redis, postgres, or memory")
	}
	switch c.Snapshots.Provider {
	case "gcs", "local", "memory", "none":
	default:
		return fmt.Errorf("snapshots.provider must be gcs, local, memory, or none")
	}
	if c.Snapshots.Provider == "gcs" && c.Snapshots.GCSBucket == "" {
		return fmt.Errorf("snapshots.gcs_bucket must be set for the gcs provider")
	}
	if c.Snapshots.Provider == "local" && c.Snapshots.LocalDir == "" {
		return fmt.Errorf("snapshots.local_dir must be set for the local provider")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.api_keys must be set when auth is enabled")
	}
	if c.Scheduler.Enabled && c.Scheduler.Spec == "" {
		return fmt.Errorf("scheduler.spec must be set when the scheduler is enabled")
	}
	return nil
}

// FetchTimeout returns the fetcher timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// LeaseTTL returns the crawl lease duration.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Crawl.LeaseTTLMinutes) * time.Minute
}
