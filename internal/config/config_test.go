package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func TestDefault(t *testing.T) {
	t.Setenv("METRICACHE_DATA_DIR", "/var/lib/metricache")
	cfg := Default()

	assert.Equal(t, DefaultWorkerPort, cfg.WorkerPort)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "/var/lib/metricache/metricache.db", cfg.DBPath)
	assert.Equal(t, "/var/lib/metricache/metrics.yaml", cfg.DefinitionsPath)
	assert.Equal(t, 20*time.Hour, cfg.DefaultStaleness())
	assert.Equal(t, time.Hour, cfg.RefreshInterval())
	assert.Equal(t, logger.Warn, cfg.GormLogLevel())
}

func TestLoadFrom_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "METRICACHE_WORKER_PORT": 9000,
  "METRICACHE_DB_DRIVER": "Postgres",
  "METRICACHE_DSN": "postgres://localhost/app",
  "METRICACHE_REFRESH_ENABLED": false,
  "METRICACHE_BATCH_SIZE": 250,
  "METRICACHE_DB_LOG_LEVEL": "silent",
  "METRICACHE_OTLP_ENDPOINT": "collector:4317",
  "UNRELATED": "kept out"
}`), 0600))
	t.Setenv("METRICACHE_BATCH_SIZE", "500")
	t.Setenv("METRICACHE_REFRESH_INTERVAL_MINUTES", "15")
	t.Setenv("METRICACHE_OTLP_INSECURE", "true")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.WorkerPort)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "postgres://localhost/app", cfg.DSN)
	assert.False(t, cfg.RefreshEnabled)
	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, 15*time.Minute, cfg.RefreshInterval())
	assert.Equal(t, logger.Silent, cfg.GormLogLevel())
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
	assert.True(t, cfg.OTLPInsecure)
}

func TestLoadFrom_MissingFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().WorkerPort, cfg.WorkerPort)
}

func TestLoadFrom_InvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0600))
	t.Setenv("METRICACHE_DB_DRIVER", "oracle")
	t.Setenv("METRICACHE_WORKER_PORT", "abc")
	t.Setenv("METRICACHE_REFRESH_INTERVAL_MINUTES", "0")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, DefaultWorkerPort, cfg.WorkerPort)
	assert.Equal(t, DefaultRefreshIntervalMinutes, cfg.RefreshIntervalMinutes)
}

func TestEnsureAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	t.Setenv("METRICACHE_DATA_DIR", dir)

	require.NoError(t, EnsureAll())
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.BatchSize)
	assert.True(t, cfg.RefreshEnabled)

	// Existing settings are left alone.
	require.NoError(t, os.WriteFile(SettingsPath(), []byte(`{"METRICACHE_BATCH_SIZE": 7}`), 0600))
	require.NoError(t, EnsureSettings())
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.BatchSize)
}

func TestGetWorkerPort_Env(t *testing.T) {
	t.Setenv("METRICACHE_WORKER_PORT", "41000")
	assert.Equal(t, 41000, GetWorkerPort())
}
