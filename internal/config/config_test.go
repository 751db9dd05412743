package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())

	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Sync.DaysToFetch)
	assert.Equal(t, 10*time.Minute, cfg.Sync.UpdateInterval)
	assert.Equal(t, 8*time.Second, cfg.Scheduler.APILockWait)
	assert.Equal(t, "flip", cfg.Matching.ExcessPolicy)
	assert.Equal(t, []ReboundWindow{{7, "07:30"}, {30, "07:32"}, {60, "07:34"}}, cfg.Snapshots.Rebound.Windows)
	assert.Equal(t, "11:50", cfg.Snapshots.NoonLossAt)
	assert.False(t, cfg.Binance.HasCredentials())
	assert.Equal(t, "UTC+8", cfg.Scheduler.Location().String())
}

func TestLoadConfigEnvironment(t *testing.T) {
	// Arrange
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")
	t.Setenv("DAYS_TO_FETCH", "90")
	t.Setenv("WEB_CONCURRENCY", "3")
	t.Setenv("ENABLE_SCHEDULER", "false")
	t.Setenv("UPDATE_INTERVAL_MINUTES", "5")
	t.Setenv("API_JOB_LOCK_WAIT_SECONDS", "2.5")
	t.Setenv("SYMBOL_SYNC_OVERLAP_MINUTES", "bogus")

	// Act
	cfg, err := LoadConfig(t.TempDir())

	// Assert
	require.NoError(t, err)
	assert.True(t, cfg.Binance.HasCredentials())
	assert.Equal(t, 90, cfg.Sync.DaysToFetch)
	assert.Equal(t, 3, cfg.Server.Workers)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Sync.UpdateInterval)
	assert.Equal(t, 2500*time.Millisecond, cfg.Scheduler.APILockWait)
	assert.Equal(t, 24*time.Hour, cfg.Sync.Overlap, "unparsable values keep the default")
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	yml := `
sync:
  days_to_fetch: 7
  update_interval: 2m
snapshots:
  rebound:
    windows:
      - { days: 14, at: "06:00" }
server:
  port: 9000
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(yml), 0o600))

	cfg, err := LoadConfig(dir)

	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Sync.DaysToFetch)
	assert.Equal(t, 2*time.Minute, cfg.Sync.UpdateInterval)
	assert.Equal(t, []ReboundWindow{{14, "06:00"}}, cfg.Snapshots.Rebound.Windows)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 24*time.Hour, cfg.Sync.Overlap)

	t.Run("Malformed", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte("sync: [unclosed"), 0o600))

		_, err := LoadConfig(dir)
		assert.Error(t, err)
	})
}

func TestHasCredentials(t *testing.T) {
	assert.False(t, Binance{ApiKey: "k", SecretKey: "  "}.HasCredentials())
	assert.True(t, Binance{ApiKey: "k", SecretKey: "s"}.HasCredentials())
}
