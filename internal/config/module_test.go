package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  dsn: "file:growth.db"
scheduler:
  poll_spec: "@every 30s"
  base_backoff: 2s
  max_backoff: 1m
locks:
  backend: redis
`), 0o600))

	t.Setenv("APP_SCHEDULER_MAX_RETRIES", "5")
	t.Setenv("APP_REDIS_ADDR", "redis:6380")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "file:growth.db", cfg.Database.DSN)
	assert.Equal(t, "@every 30s", cfg.Scheduler.PollSpec)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.BaseBackoff)
	assert.Equal(t, time.Minute, cfg.Scheduler.MaxBackoff)
	assert.Equal(t, 5, cfg.Scheduler.DefaultMaxRetries)
	assert.Equal(t, "redis", cfg.Locks.Backend)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }},
		{"unknown lock backend", func(c *Config) { c.Locks.Backend = "zookeeper" }},
		{"max backoff below base", func(c *Config) { c.Scheduler.MaxBackoff = time.Second }},
		{"telemetry without endpoint", func(c *Config) { c.Telemetry.Enabled = true }},
		{"failure rate above one", func(c *Config) { c.Monitoring.MaxFailureRate = 1.5 }},
		{"bad webhook url", func(c *Config) { c.Monitoring.AlertWebhookURL = "not a url" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}
