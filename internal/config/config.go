// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Blob       BlobConfig       `mapstructure:"blob"`
	Events     EventsConfig     `mapstructure:"events"`
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

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// CrawlerConfig governs the acquisition pipeline.
type CrawlerConfig struct {
	UserAgent         string `mapstructure:"user_agent"`
	ViewportWidth     int    `mapstructure:"viewport_width"`
	ViewportHeight    int    `mapstructure:"viewport_height"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	DelayMs           int    `mapstructure:"delay_ms"`
	RespectRobots     bool   `mapstructure:"respect_robots"`
	MaxDepth          int    `mapstructure:"max_depth"`
	MaxPages          int    `mapstructure:"max_pages"`
}

// BrowserConfig selects and tunes the page fetcher.
type BrowserConfig struct {
	// Provider is "chromedp" for rendered pages or "colly" for static HTTP.
	Provider  string  `mapstructure:"provider"`
	Headless  bool    `mapstructure:"headless"`
	DomainQPS float64 `mapstructure:"domain_qps"`
}

// CacheConfig bounds the result cache.
type CacheConfig struct {
	MaxSize            int `mapstructure:"max_size"`
	TTLSeconds         int `mapstructure:"ttl_seconds"`
	CleanupIntervalSec int `mapstructure:"cleanup_interval_seconds"`
}

// MonitorConfig tunes resource sampling.
type MonitorConfig struct {
	IntervalSeconds int     `mapstructure:"interval_seconds"`
	MaxMemoryBytes  uint64  `mapstructure:"max_memory_bytes"`
	MaxCPUPercent   float64 `mapstructure:"max_cpu_percent"`
}

// SandboxConfig governs task execution workspaces.
type SandboxConfig struct {
	BaseDir           string  `mapstructure:"base_dir"`
	DefaultTimeoutSec int     `mapstructure:"default_timeout_seconds"`
	IsolateEnv        bool    `mapstructure:"isolate_env"`
	PollIntervalSec   int     `mapstructure:"poll_interval_seconds"`
	MaxMemoryBytes    uint64  `mapstructure:"max_memory_bytes"`
	MaxCPUPercent     float64 `mapstructure:"max_cpu_percent"`
}

// ComplianceConfig toggles the built-in rule set.
type ComplianceConfig struct {
	DefaultRules bool `mapstructure:"default_rules"`
}

// StorageConfig selects the crawl result store.
type StorageConfig struct {
	// Provider is one of "memory", "postgres", or "badger".
	Provider     string `mapstructure:"provider"`
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	BadgerDir    string `mapstructure:"badger_dir"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// BlobConfig selects where raw page HTML goes.
type BlobConfig struct {
	// Provider is one of "memory", "local", or "gcs".
	Provider    string `mapstructure:"provider"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// EventsConfig selects the lifecycle event sink.
type EventsConfig struct {
	// Provider is "memory" or "pubsub".
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ACQUIRE")
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
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", true)
	v.SetDefault("crawler.user_agent", "pagevault-acquire/0.1")
	v.SetDefault("crawler.viewport_width", 1280)
	v.SetDefault("crawler.viewport_height", 800)
	v.SetDefault("crawler.nav_timeout_seconds", 30)
	v.SetDefault("crawler.delay_ms", 1000)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.max_depth", 1)
	v.SetDefault("crawler.max_pages", 25)
	v.SetDefault("browser.provider", "colly")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.domain_qps", 2.0)
	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("cache.cleanup_interval_seconds", 300)
	v.SetDefault("monitor.interval_seconds", 5)
	v.SetDefault("sandbox.default_timeout_seconds", 300)
	v.SetDefault("sandbox.isolate_env", true)
	v.SetDefault("sandbox.poll_interval_seconds", 1)
	v.SetDefault("compliance.default_rules", true)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.table", "crawl_results")
	v.SetDefault("storage.max_open_conns", 4)
	v.SetDefault("blob.provider", "memory")
	v.SetDefault("blob.prefix", "pages")
	v.SetDefault("blob.content_type", "text/html; charset=utf-8")
	v.SetDefault("events.provider", "memory")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.NavTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.nav_timeout_seconds must be > 0")
	}
	switch c.Browser.Provider {
	case "chromedp", "colly":
	default:
		return fmt.Errorf("browser.provider must be chromedp or colly, got %q", c.Browser.Provider)
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be > 0")
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be > 0")
	}
	switch c.Storage.Provider {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres provider")
		}
	case "badger":
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir must be set for the badger provider")
		}
	default:
		return fmt.Errorf("storage.provider must be memory, postgres, or badger, got %q", c.Storage.Provider)
	}
	switch c.Blob.Provider {
	case "memory":
	case "local":
		if c.Blob.LocalDir == "" {
			return fmt.Errorf("blob.local_dir must be set for the local provider")
		}
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("blob.provider must be memory, local, or gcs, got %q", c.Blob.Provider)
	}
	switch c.Events.Provider {
	case "memory":
	case "pubsub":
		if c.Events.ProjectID == "" || c.Events.TopicName == "" {
			return fmt.Errorf("events.project_id and events.topic_name must be set for the pubsub provider")
		}
	default:
		return fmt.Errorf("events.provider must be memory or pubsub, got %q", c.Events.Provider)
	}
	return nil
}

// NavTimeout converts the navigation budget to a duration.
func (c CrawlerConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// Delay converts the politeness delay to a duration.
func (c CrawlerConfig) Delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}

// TTL converts the cache TTL to a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// CleanupInterval converts the sweep interval to a duration.
func (c CacheConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSec) * time.Second
}

// Interval converts the sampling interval to a duration.
func (c MonitorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// DefaultTimeout converts the task budget to a duration.
func (c SandboxConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSec) * time.Second
}

// PollInterval converts the metrics poll cadence to a duration.
func (c SandboxConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}
