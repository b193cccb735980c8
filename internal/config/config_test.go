package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 8, cfg.Pool.Capacity)
	assert.False(t, cfg.Pool.PersistIdentity)
	assert.Equal(t, 5*time.Minute, cfg.Engine.TaskTimeout)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err, "an explicitly named missing file is an error")
	assert.Nil(t, cfg)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
logger:
  level: debug
  format: json
browser:
  max_processes: 5
  startup_timeout: 10s
pool:
  capacity: 3
  persist_identity: true
engine:
  step_timeout: 2s
  dispatch_rate: 1.5
queue:
  redis_addr: "redis.internal:6379"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, 5, cfg.Browser.MaxProcesses)
	assert.Equal(t, 10*time.Second, cfg.Browser.StartupTimeout)
	assert.Equal(t, 3, cfg.Pool.Capacity)
	assert.True(t, cfg.Pool.PersistIdentity)
	assert.Equal(t, 2*time.Second, cfg.Engine.StepTimeout)
	assert.InDelta(t, 1.5, cfg.Engine.DispatchRate, 1e-9)
	assert.Equal(t, "redis.internal:6379", cfg.Queue.RedisAddr)

	// Untouched sections keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.Engine.TaskTimeout)
	assert.Equal(t, "chromeherd:tasks", cfg.Queue.TaskList)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  capacity: 3\n"), 0o600))

	t.Setenv("CHROMEHERD_POOL_CAPACITY", "12")
	t.Setenv("CHROMEHERD_LOGGER_LEVEL", "warn")
	t.Setenv("CHROMEHERD_ENGINE_CONCURRENCY", "9")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Pool.Capacity, "environment wins over the file")
	assert.Equal(t, "warn", cfg.Logger.Level)
	assert.Equal(t, 9, cfg.Engine.Concurrency)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  capacity: 0\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool.capacity")
}

func TestExpandPaths(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := NewDefaultConfig()
	cfg.Logger.LogFile = "~/logs/chromeherd.log"
	cfg.Engine.ArtifactsDir = ""

	require.NoError(t, cfg.expandPaths())
	assert.Equal(t, filepath.Join(home, "logs", "chromeherd.log"), cfg.Logger.LogFile)
	assert.Empty(t, cfg.Engine.ArtifactsDir)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero browser processes", func(c *Config) { c.Browser.MaxProcesses = 0 }},
		{"zero startup timeout", func(c *Config) { c.Browser.StartupTimeout = 0 }},
		{"zero pool capacity", func(c *Config) { c.Pool.Capacity = 0 }},
		{"zero acquire timeout", func(c *Config) { c.Pool.AcquireTimeout = 0 }},
		{"zero concurrency", func(c *Config) { c.Engine.Concurrency = 0 }},
		{"zero step timeout", func(c *Config) { c.Engine.StepTimeout = 0 }},
		{"backoff max below initial", func(c *Config) { c.Engine.BackoffMax = c.Engine.BackoffInitial / 2 }},
		{"zero retry wall clock", func(c *Config) { c.Engine.RetryWallClock = 0 }},
		{"zero pop timeout", func(c *Config) { c.Queue.PopTimeout = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
