// Package config loads and validates gateway configuration from the
// environment. All options share the CCB_ prefix; the recognized set is
// closed and unknown CCB_* variables are logged and ignored.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full gateway configuration.
type Config struct {
	// HTTP listener
	Host string
	Port int

	// Worker pool
	MaxWorkers      int
	QueueDepth      int
	MonitorInterval time.Duration

	// Task execution
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	DrainTimeout   time.Duration

	// Vendor CLI (subprocess path)
	CLIPath string

	// Upstream Messages API (direct path). Empty APIKey disables the
	// direct path; the adapter then falls back to the subprocess path.
	UpstreamBaseURL string
	UpstreamAPIKey  string

	// Defaults applied to new projects and keys
	DefaultMonthlyCapUSD   float64 // 0 = unlimited
	DefaultRateLimitPerMin int
	DefaultMaxTokens       int

	// Persistence and cache
	DatabasePath string
	RedisAddr    string // empty = cache disabled
	CacheTTL     time.Duration

	// Capability registry (agents + skills); empty = empty registry
	RegistryPath string

	// Admin surface
	AdminToken string

	// Logging
	LogFormat string // "json" or "text"
}

// knownKeys is the closed set of recognized environment variables.
var knownKeys = map[string]bool{
	"CCB_HOST":                    true,
	"CCB_PORT":                    true,
	"CCB_MAX_WORKERS":             true,
	"CCB_QUEUE_DEPTH":             true,
	"CCB_MONITOR_INTERVAL":        true,
	"CCB_DEFAULT_TIMEOUT":         true,
	"CCB_MAX_TIMEOUT":             true,
	"CCB_DRAIN_TIMEOUT":           true,
	"CCB_CLI_PATH":                true,
	"CCB_UPSTREAM_BASE_URL":       true,
	"CCB_UPSTREAM_API_KEY":        true,
	"CCB_DEFAULT_MONTHLY_CAP_USD": true,
	"CCB_DEFAULT_RATE_LIMIT":      true,
	"CCB_DEFAULT_MAX_TOKENS":      true,
	"CCB_DATABASE_PATH":           true,
	"CCB_REDIS_ADDR":              true,
	"CCB_CACHE_TTL":               true,
	"CCB_REGISTRY_PATH":           true,
	"CCB_ADMIN_TOKEN":             true,
	"CCB_LOG_FORMAT":              true,
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Host:                   "0.0.0.0",
		Port:                   8080,
		MaxWorkers:             4,
		QueueDepth:             64,
		MonitorInterval:        10 * time.Millisecond,
		DefaultTimeout:         5 * time.Minute,
		MaxTimeout:             30 * time.Minute,
		DrainTimeout:           30 * time.Second,
		CLIPath:                "claude",
		DefaultMonthlyCapUSD:   0,
		DefaultRateLimitPerMin: 60,
		DefaultMaxTokens:       1024,
		DatabasePath:           "ccbridge.db",
		CacheTTL:               30 * time.Second,
		LogFormat:              "json",
	}
}

// Load builds a Config from the environment on top of the defaults.
// Unknown CCB_* variables produce a warning; malformed values are errors.
func Load() (*Config, error) {
	cfg := Default()

	warnUnknownKeys()

	var err error
	setString(&cfg.Host, "CCB_HOST")
	if err = setInt(&cfg.Port, "CCB_PORT"); err != nil {
		return nil, err
	}
	if err = setInt(&cfg.MaxWorkers, "CCB_MAX_WORKERS"); err != nil {
		return nil, err
	}
	if err = setInt(&cfg.QueueDepth, "CCB_QUEUE_DEPTH"); err != nil {
		return nil, err
	}
	if err = setDuration(&cfg.MonitorInterval, "CCB_MONITOR_INTERVAL"); err != nil {
		return nil, err
	}
	if err = setDuration(&cfg.DefaultTimeout, "CCB_DEFAULT_TIMEOUT"); err != nil {
		return nil, err
	}
	if err = setDuration(&cfg.MaxTimeout, "CCB_MAX_TIMEOUT"); err != nil {
		return nil, err
	}
	if err = setDuration(&cfg.DrainTimeout, "CCB_DRAIN_TIMEOUT"); err != nil {
		return nil, err
	}
	setString(&cfg.CLIPath, "CCB_CLI_PATH")
	setString(&cfg.UpstreamBaseURL, "CCB_UPSTREAM_BASE_URL")
	setString(&cfg.UpstreamAPIKey, "CCB_UPSTREAM_API_KEY")
	if err = setFloat(&cfg.DefaultMonthlyCapUSD, "CCB_DEFAULT_MONTHLY_CAP_USD"); err != nil {
		return nil, err
	}
	if err = setInt(&cfg.DefaultRateLimitPerMin, "CCB_DEFAULT_RATE_LIMIT"); err != nil {
		return nil, err
	}
	if err = setInt(&cfg.DefaultMaxTokens, "CCB_DEFAULT_MAX_TOKENS"); err != nil {
		return nil, err
	}
	setString(&cfg.DatabasePath, "CCB_DATABASE_PATH")
	setString(&cfg.RedisAddr, "CCB_REDIS_ADDR")
	if err = setDuration(&cfg.CacheTTL, "CCB_CACHE_TTL"); err != nil {
		return nil, err
	}
	setString(&cfg.RegistryPath, "CCB_REGISTRY_PATH")
	setString(&cfg.AdminToken, "CCB_ADMIN_TOKEN")
	setString(&cfg.LogFormat, "CCB_LOG_FORMAT")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency of the configuration.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid CCB_PORT %d: must be in (0, 65535]", c.Port)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("invalid CCB_MAX_WORKERS %d: must be positive", c.MaxWorkers)
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("invalid CCB_QUEUE_DEPTH %d: must be non-negative", c.QueueDepth)
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("invalid CCB_MONITOR_INTERVAL %v: must be positive", c.MonitorInterval)
	}
	if c.DefaultTimeout <= 0 || c.MaxTimeout <= 0 {
		return fmt.Errorf("task timeouts must be positive (default=%v max=%v)", c.DefaultTimeout, c.MaxTimeout)
	}
	if c.DefaultTimeout > c.MaxTimeout {
		return fmt.Errorf("CCB_DEFAULT_TIMEOUT %v exceeds CCB_MAX_TIMEOUT %v", c.DefaultTimeout, c.MaxTimeout)
	}
	if c.CLIPath == "" {
		return fmt.Errorf("CCB_CLI_PATH must not be empty")
	}
	if c.DefaultMonthlyCapUSD < 0 {
		return fmt.Errorf("invalid CCB_DEFAULT_MONTHLY_CAP_USD %v: must be non-negative", c.DefaultMonthlyCapUSD)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid CCB_LOG_FORMAT %q: must be json or text", c.LogFormat)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DirectPathEnabled reports whether the in-process upstream client can be
// constructed.
func (c *Config) DirectPathEnabled() bool {
	return c.UpstreamAPIKey != ""
}

func warnUnknownKeys() {
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "CCB_") {
			continue
		}
		if !knownKeys[name] {
			slog.Warn("Ignoring unrecognized configuration variable", "name", name)
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = f
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = d
	return nil
}
