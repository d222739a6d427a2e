package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.False(t, cfg.DirectPathEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CCB_PORT", "9090")
	t.Setenv("CCB_MAX_WORKERS", "2")
	t.Setenv("CCB_MONITOR_INTERVAL", "25ms")
	t.Setenv("CCB_UPSTREAM_API_KEY", "sk-test")
	t.Setenv("CCB_DEFAULT_MONTHLY_CAP_USD", "1.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 2, cfg.MaxWorkers)
	assert.Equal(t, 25*time.Millisecond, cfg.MonitorInterval)
	assert.Equal(t, 1.5, cfg.DefaultMonthlyCapUSD)
	assert.True(t, cfg.DirectPathEnabled())
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "CCB_PORT", "not-a-number"},
		{"bad duration", "CCB_DEFAULT_TIMEOUT", "fast"},
		{"bad float", "CCB_DEFAULT_MONTHLY_CAP_USD", "a lot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"zero workers", func(c *Config) { c.MaxWorkers = 0 }, false},
		{"negative queue", func(c *Config) { c.QueueDepth = -1 }, false},
		{"default timeout above max", func(c *Config) { c.DefaultTimeout = c.MaxTimeout + time.Second }, false},
		{"empty cli path", func(c *Config) { c.CLIPath = "" }, false},
		{"bad log format", func(c *Config) { c.LogFormat = "yaml" }, false},
		{"port out of range", func(c *Config) { c.Port = 70000 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
