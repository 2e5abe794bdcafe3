// Package config loads and validates monitor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Search    SearchConfig    `mapstructure:"search"`
	Relevance RelevanceConfig `mapstructure:"relevance"`
	Checker   CheckerConfig   `mapstructure:"checker"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Mail      MailConfig      `mapstructure:"mail"`
	Store     StoreConfig     `mapstructure:"store"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Sites     SitesConfig     `mapstructure:"sites"`
	API       APIConfig       `mapstructure:"api"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SchedulerConfig governs the periodic re-check loop and worker pool.
type SchedulerConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	Workers    int           `mapstructure:"workers"`
	QueueDepth int           `mapstructure:"queue_depth"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
	RunOnStart bool          `mapstructure:"run_on_start"`
}

// PipelineConfig bounds a single task run.
type PipelineConfig struct {
	CheckConcurrency int `mapstructure:"check_concurrency"`
	MaxCandidates    int `mapstructure:"max_candidates"`
}

// SearchConfig configures the Serper search client.
type SearchConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	APIKey         string        `mapstructure:"api_key"`
	Country        string        `mapstructure:"country"`
	Language       string        `mapstructure:"language"`
	MaxPerSite     int           `mapstructure:"max_per_site"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

// RelevanceConfig configures the classification client.
type RelevanceConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	BatchSize int           `mapstructure:"batch_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheSize int           `mapstructure:"cache_size"`
}

// CheckerConfig configures product page fetching.
type CheckerConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// RateLimitConfig configures per-domain fetch throttling.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// MailConfig configures the SMTP relay.
type MailConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	FromName string        `mapstructure:"from_name"`
	TLS      string        `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Configured reports whether enough settings exist to attempt delivery.
func (m MailConfig) Configured() bool {
	return m.Host != "" && m.From != ""
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for verdict change notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SitesConfig lists the site identifiers the API accepts.
type SitesConfig struct {
	Known []string `mapstructure:"known"`
}

// APIConfig controls API-level behavior.
type APIConfig struct {
	ImmediateRun        bool          `mapstructure:"immediate_run"`
	ImmediateRunTimeout time.Duration `mapstructure:"immediate_run_timeout"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RESTOCK")
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
	v.SetDefault("server.request_timeout_seconds", 120)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.workers", 5)
	v.SetDefault("scheduler.queue_depth", 256)
	v.SetDefault("scheduler.run_timeout", "4m")
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("pipeline.check_concurrency", 2)
	v.SetDefault("pipeline.max_candidates", 10)
	v.SetDefault("search.endpoint", "https://google.serper.dev/search")
	v.SetDefault("search.api_key", "")
	v.SetDefault("search.country", "jp")
	v.SetDefault("search.language", "ja")
	v.SetDefault("search.max_per_site", 5)
	v.SetDefault("search.timeout", "10s")
	v.SetDefault("search.max_concurrency", 4)
	v.SetDefault("relevance.api_key", "")
	v.SetDefault("relevance.base_url", "")
	v.SetDefault("relevance.model", "gpt-3.5-turbo")
	v.SetDefault("relevance.batch_size", 10)
	v.SetDefault("relevance.timeout", "20s")
	v.SetDefault("relevance.cache_size", 1024)
	v.SetDefault("checker.user_agent",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 "+
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("checker.timeout", "15s")
	v.SetDefault("checker.max_attempts", 3)
	v.SetDefault("checker.backoff_base", "1s")
	v.SetDefault("checker.max_body_bytes", 5*1024*1024)
	v.SetDefault("checker.respect_robots", false)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_rps", 0.5)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("mail.host", "")
	v.SetDefault("mail.port", 587)
	v.SetDefault("mail.username", "")
	v.SetDefault("mail.password", "")
	v.SetDefault("mail.from", "")
	v.SetDefault("mail.from_name", "Restock Monitor")
	v.SetDefault("mail.tls", "mandatory")
	v.SetDefault("mail.timeout", "15s")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.sqlite_path", "data/monitor.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 0)
	v.SetDefault("store.max_conn_lifetime", "30m")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("sites.known", []string{
		"amazon.co.jp",
		"rakuten.co.jp",
		"louisvuitton.com",
	})
	v.SetDefault("api.immediate_run", true)
	v.SetDefault("api.immediate_run_timeout", "90s")
	v.SetDefault("telemetry.service_name", "restock-monitor")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be > 0")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.QueueDepth <= 0 {
		return fmt.Errorf("scheduler.queue_depth must be > 0")
	}
	if c.Pipeline.CheckConcurrency <= 0 {
		return fmt.Errorf("pipeline.check_concurrency must be > 0")
	}
	if c.Search.MaxPerSite <= 0 {
		return fmt.Errorf("search.max_per_site must be > 0")
	}
	if c.Search.Timeout <= 0 {
		return fmt.Errorf("search.timeout must be > 0")
	}
	if c.Relevance.BatchSize <= 0 {
		return fmt.Errorf("relevance.batch_size must be > 0")
	}
	if c.Checker.Timeout <= 0 {
		return fmt.Errorf("checker.timeout must be > 0")
	}
	if c.Checker.MaxAttempts <= 0 {
		return fmt.Errorf("checker.max_attempts must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres backend")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must be set for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	switch c.Mail.TLS {
	case "mandatory", "opportunistic", "none":
	default:
		return fmt.Errorf("mail.tls must be one of mandatory, opportunistic, none")
	}
	return nil
}

// RequestTimeout returns the HTTP handler timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ImmediateRunTimeout bounds the create-time run. It never exceeds three
// quarters of the request timeout so the response carrying the task ID is
// written before the handler times out.
func (c Config) ImmediateRunTimeout() time.Duration {
	limit := c.API.ImmediateRunTimeout
	if rt := c.RequestTimeout(); rt > 0 {
		ceiling := rt * 3 / 4
		if limit <= 0 || limit > ceiling {
			limit = ceiling
		}
	}
	return limit
}

// ShutdownTimeout returns the grace period for in-flight work on shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
