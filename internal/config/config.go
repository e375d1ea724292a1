// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.example.yaml file in the working directory. Environment
// variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example DATASTORE_URL becomes
// datastore_url in YAML.
//
// DATASTORE_URL and UPSTREAM_BASE_URL are always required. Redis and
// ClickHouse are optional — the gateway runs with neither.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// DatastoreURL is the Postgres connection string backing the key pool.
	// Required.
	DatastoreURL string

	// UpstreamBaseURL is the Gemini OpenAI-compatibility endpoint, e.g.
	// "https://generativelanguage.googleapis.com/v1beta". Required.
	UpstreamBaseURL string

	// AdminToken authenticates the admin HTTP surface via bearer token.
	AdminToken string

	// AdminSessionSecret signs the opaque admin session cookie issued by
	// /admin/login.
	AdminSessionSecret string

	// EgressProxyURL is the optional outbound proxy URL used to reach the
	// upstream. Empty means a direct connection.
	EgressProxyURL string

	// EgressProxyPrefix is the URL prefix that must match EgressProxyURL
	// before session-token splicing is applied. Non-matching URLs are used
	// verbatim.
	EgressProxyPrefix string

	// RPMDefault, RPHDefault, RPDDefault seed the Global Configuration record
	// on first boot, when the datastore has no persisted limits row yet.
	RPMDefault int
	RPHDefault int
	RPDDefault int

	// ThinkingChainEnabled toggles injection of extra_body.google.thinking_config
	// on outbound requests that don't already specify it.
	ThinkingChainEnabled bool

	// ModelAliases maps a public model name to the canonical upstream model
	// name, e.g. {"salesmanchatbot-pro": "gemini-2.5-flash"}.
	ModelAliases map[string]string

	// Redis is optional: backs the safety-valve global RPM limiter and the
	// cross-instance pool-reload broadcast. Empty URL disables both.
	Redis RedisConfig

	// ClickHouseDSN optionally mirrors the batched request log into
	// ClickHouse in addition to structured stdout logging. Empty disables it.
	ClickHouseDSN string

	// RateLimit controls the optional Redis-backed safety-valve limiter.
	RateLimit RateLimitConfig

	// Retry controls the per-request key-acquisition retry loop.
	Retry RetryConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string

	// MetricsEnabled toggles the /metrics endpoint. Default: true.
	MetricsEnabled bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Empty disables Redis entirely.
	URL string
}

// RateLimitConfig controls the optional global safety-valve rate limiter.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally, on top
	// of the per-key sliding windows. 0 disables it. Default: 0.
	RPMLimit int
}

// RetryConfig controls the Retry Controller's acquisition loop.
type RetryConfig struct {
	// UpstreamTimeout is the per-request upstream timeout, both streaming
	// and non-streaming. Default: 300s.
	UpstreamTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("METRICS_ENABLED", true)

	v.SetDefault("RPM_DEFAULT", 60)
	v.SetDefault("RPH_DEFAULT", 1000)
	v.SetDefault("RPD_DEFAULT", 10000)
	v.SetDefault("THINKING_CHAIN_ENABLED", false)
	v.SetDefault("MODEL_ALIAS_PUBLIC", "salesmanchatbot-pro")
	v.SetDefault("MODEL_ALIAS_CANONICAL", "gemini-2.5-flash")

	v.SetDefault("EGRESS_PROXY_PREFIX", "http://")

	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("UPSTREAM_TIMEOUT", "300s")

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		DatastoreURL:    v.GetString("DATASTORE_URL"),
		UpstreamBaseURL: v.GetString("UPSTREAM_BASE_URL"),

		AdminToken:         v.GetString("ADMIN_TOKEN"),
		AdminSessionSecret: v.GetString("ADMIN_SESSION_SECRET"),

		EgressProxyURL:    v.GetString("EGRESS_PROXY_URL"),
		EgressProxyPrefix: v.GetString("EGRESS_PROXY_PREFIX"),

		RPMDefault: v.GetInt("RPM_DEFAULT"),
		RPHDefault: v.GetInt("RPH_DEFAULT"),
		RPDDefault: v.GetInt("RPD_DEFAULT"),

		ThinkingChainEnabled: v.GetBool("THINKING_CHAIN_ENABLED"),
		ModelAliases: map[string]string{
			v.GetString("MODEL_ALIAS_PUBLIC"): v.GetString("MODEL_ALIAS_CANONICAL"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),

		RateLimit: RateLimitConfig{RPMLimit: v.GetInt("RPM_LIMIT")},

		Retry: RetryConfig{UpstreamTimeout: v.GetDuration("UPSTREAM_TIMEOUT")},

		CORSOrigins:    v.GetStringSlice("CORS_ORIGINS"),
		MetricsEnabled: v.GetBool("METRICS_ENABLED"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.DatastoreURL == "" {
		return fmt.Errorf("config: DATASTORE_URL is required")
	}
	if c.UpstreamBaseURL == "" {
		return fmt.Errorf("config: UPSTREAM_BASE_URL is required")
	}
	if _, err := url.Parse(c.UpstreamBaseURL); err != nil {
		return fmt.Errorf("config: invalid UPSTREAM_BASE_URL: %w", err)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Redis.URL != "" {
		if _, err := url.Parse(c.Redis.URL); err != nil {
			return fmt.Errorf("config: invalid REDIS_URL: %w", err)
		}
	}

	if c.EgressProxyURL != "" {
		if _, err := url.Parse(c.EgressProxyURL); err != nil {
			return fmt.Errorf("config: invalid EGRESS_PROXY_URL: %w", err)
		}
	}

	if c.RPMDefault < 1 || c.RPHDefault < 1 || c.RPDDefault < 1 {
		return fmt.Errorf("config: RPM_DEFAULT, RPH_DEFAULT, RPD_DEFAULT must all be ≥ 1")
	}
	if c.Retry.UpstreamTimeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
