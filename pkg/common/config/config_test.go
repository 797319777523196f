package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithFile("")
	require.NoError(t, err)

	assert.False(t, cfg.Database.Configured())
	assert.Equal(t, 5, cfg.Database.InitAttempts)
	assert.Equal(t, 2*time.Second, cfg.Database.InitBaseDelay)
	assert.Equal(t, 2, cfg.Database.PoolMin)
	assert.Equal(t, 10, cfg.Database.PoolMax)
	assert.True(t, cfg.Database.FallbackEnabled)
	assert.Equal(t, 10, cfg.IngestMaxBatch)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "service.yaml")
	content := "DB_HOST: file-host\nDB_POOL_MAX: \"20\"\nKAFKA_BROKERS: \"a:9092, b:9092\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("DB_HOST", "env-host")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, "env-host", cfg.Database.Host)
	assert.Equal(t, 20, cfg.Database.PoolMax)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
}

func TestNonPositiveTimeoutsFallBack(t *testing.T) {
	t.Setenv("DB_COMMAND_TIMEOUT", "0s")
	t.Setenv("DB_CONNECT_TIMEOUT", "-5s")

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Database.CommandTimeout)
	assert.Equal(t, 30*time.Second, cfg.Database.ConnectTimeout)
}

func TestLoadWithMissingFile(t *testing.T) {
	_, err := LoadWithFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
