package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, 30, cfg.Lease.TimeoutSeconds)
	assert.Equal(t, "script", cfg.Lease.Strategy)
	assert.Equal(t, 16, cfg.Coalescing.MaxPendingUpdates)
	assert.True(t, cfg.Agents.CreateOnFirstMessage)
	assert.False(t, cfg.Metrics.Enabled)

	assert.Equal(t, 30*time.Second, cfg.Lease.Timeout())
	assert.Equal(t, time.Second, cfg.Coalescing.Interval())
}

func TestValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, DefaultConfig().Validate())
	})

	t.Run("redis addr required", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Redis.Addr = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("lease timeout must be positive", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Lease.TimeoutSeconds = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("strategy must be known", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Lease.Strategy = "paxos"
		assert.Error(t, cfg.Validate())

		cfg.Lease.Strategy = "watch"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("coalescing bounds", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Coalescing.MaxPendingUpdates = 0
		assert.Error(t, cfg.Validate())

		cfg = DefaultConfig()
		cfg.Coalescing.MaxPendingUpdates = 4
		cfg.Coalescing.IntervalSeconds = 0
		assert.Error(t, cfg.Validate())

		// Direct mode needs no interval.
		cfg.Coalescing.MaxPendingUpdates = 1
		assert.NoError(t, cfg.Validate())
	})

	t.Run("log level must parse", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Logging.Level = "loud"
		assert.Error(t, cfg.Validate())
	})

	t.Run("metrics need an addr when enabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = ""
		assert.Error(t, cfg.Validate())
	})
}

func TestLoader(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "roost.json")
		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
		assert.NotEmpty(t, cfg.DataDir)
		assert.NotEmpty(t, cfg.Logging.File)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "roost.json")
		raw := `{
			"redis": {"addr": "redis.internal:6380", "db": 3},
			"lease": {"timeoutSeconds": 10, "strategy": "watch"},
			"coalescing": {"intervalSeconds": 2, "maxPendingUpdates": 8},
			"auth": {"token": "secret"}
		}`
		require.NoError(t, os.WriteFile(path, []byte(raw), 0600))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
		assert.Equal(t, 3, cfg.Redis.DB)
		assert.Equal(t, 10, cfg.Lease.TimeoutSeconds)
		assert.Equal(t, "watch", cfg.Lease.Strategy)
		assert.Equal(t, 8, cfg.Coalescing.MaxPendingUpdates)
		assert.Equal(t, "secret", cfg.Auth.Token)
	})

	t.Run("save round trips", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "roost.json")
		loader := NewLoader(path)

		cfg := DefaultConfig()
		cfg.Node.ID = "node-fixed"
		cfg.Lease.TimeoutSeconds = 45
		require.NoError(t, loader.Save(cfg))

		loaded, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, "node-fixed", loaded.Node.ID)
		assert.Equal(t, 45, loaded.Lease.TimeoutSeconds)
	})

	t.Run("rejects malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "roost.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

		_, err := NewLoader(path).Load()
		require.Error(t, err)
	})
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roost.json")
	loader := NewLoader(path)
	require.NoError(t, loader.Save(DefaultConfig()))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(loader, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	require.NoError(t, loader.Save(cfg))

	select {
	case got := <-reloaded:
		assert.Equal(t, "debug", got.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never delivered the reloaded config")
	}
}

func TestWatcherIgnoresInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roost.json")
	loader := NewLoader(path)
	require.NoError(t, loader.Save(DefaultConfig()))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(loader, func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer w.Close()

	// An invalid config must never reach the callback.
	bad := DefaultConfig()
	bad.Lease.Strategy = "paxos"
	require.NoError(t, loader.Save(bad))

	select {
	case <-reloaded:
		t.Fatal("invalid config was applied")
	case <-time.After(time.Second):
	}
}
