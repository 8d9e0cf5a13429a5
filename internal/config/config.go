// Package config provides configuration management for metricache.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"
)

const (
	// DefaultWorkerPort is the default HTTP port for the worker service.
	DefaultWorkerPort = 37780

	// DefaultRefreshIntervalMinutes is how often the scheduler runs full passes.
	DefaultRefreshIntervalMinutes = 60

	// DefaultStalenessHours matches the library's default metric interval.
	DefaultStalenessHours = 20

	// DefaultHistoryKeep is the number of pass runs kept per owner.
	DefaultHistoryKeep = 200

	// EnvPrefix prefixes every settings key and environment override.
	EnvPrefix = "METRICACHE_"
)

// Config holds the application configuration.
type Config struct {
	// Worker settings
	WorkerHost string `json:"worker_host"`
	WorkerPort int    `json:"worker_port"`

	// Database settings
	DBDriver   string `json:"db_driver"` // "sqlite" or "postgres"
	DBPath     string `json:"db_path"`
	DSN        string `json:"dsn"`
	DBLogLevel string `json:"db_log_level"` // silent, error, warn, info
	MaxConns   int    `json:"max_conns"`

	// Metric definitions
	DefinitionsPath  string `json:"definitions_path"`
	WatchDefinitions bool   `json:"watch_definitions"`

	// Refresh scheduler
	RefreshEnabled          bool `json:"refresh_enabled"`
	RefreshIntervalMinutes  int  `json:"refresh_interval_minutes"`
	RefreshInitialDelaySecs int  `json:"refresh_initial_delay_secs"`
	RefreshConcurrency      int  `json:"refresh_concurrency"`
	HistoryKeep             int  `json:"history_keep"`
	PassTimeoutMinutes      int  `json:"pass_timeout_minutes"`
	ReconcileOnStart        bool `json:"reconcile_on_start"`

	// Pass settings
	BatchSize             int `json:"batch_size"`
	BatchTimeoutSecs      int `json:"batch_timeout_secs"`
	DefaultStalenessHours int `json:"default_staleness_hours"`

	// Service settings
	ShutdownTimeoutSecs int  `json:"shutdown_timeout_secs"`
	TelemetryEnabled    bool `json:"telemetry_enabled"`

	// OTLP metric export; empty endpoint keeps instruments in process
	OTLPEndpoint string `json:"otlp_endpoint"`
	OTLPInsecure bool   `json:"otlp_insecure"`

	// Logging
	LogLevel string `json:"log_level"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DataDir returns the data directory path (~/.metricache), or
// METRICACHE_DATA_DIR when set.
func DataDir() string {
	if dir := os.Getenv(EnvPrefix + "DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".metricache")
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "metricache.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// DefinitionsPath returns the default metric definitions path.
func DefinitionsPath() string {
	return filepath.Join(DataDir(), "metrics.yaml")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings creates a default settings file if it doesn't exist.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	defaultSettings := `{
  "METRICACHE_WORKER_PORT": 37780,
  "METRICACHE_DB_DRIVER": "sqlite",
  "METRICACHE_REFRESH_ENABLED": true,
  "METRICACHE_REFRESH_INTERVAL_MINUTES": 60,
  "METRICACHE_BATCH_SIZE": 1000
}
`
	return os.WriteFile(path, []byte(defaultSettings), 0600)
}

// EnsureAll ensures all required directories and files exist.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		WorkerHost:              "127.0.0.1",
		WorkerPort:              DefaultWorkerPort,
		DBDriver:                "sqlite",
		DBPath:                  DBPath(),
		DBLogLevel:              "warn",
		MaxConns:                4,
		DefinitionsPath:         DefinitionsPath(),
		WatchDefinitions:        true,
		RefreshEnabled:          true,
		RefreshIntervalMinutes:  DefaultRefreshIntervalMinutes,
		RefreshInitialDelaySecs: 30,
		RefreshConcurrency:      2,
		HistoryKeep:             DefaultHistoryKeep,
		BatchSize:               1000,
		BatchTimeoutSecs:        300,
		DefaultStalenessHours:   DefaultStalenessHours,
		PassTimeoutMinutes:      60,
		ShutdownTimeoutSecs:     10,
		ReconcileOnStart:        true,
		LogLevel:                "info",
	}
}

// Load loads configuration from the settings file, merging with defaults.
// METRICACHE_* environment variables override file values.
func Load() (*Config, error) {
	return LoadFrom(SettingsPath())
}

// LoadFrom loads configuration from path. A missing file yields defaults;
// an unparsable one is logged and ignored.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	settings := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &settings); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Ignoring unparsable settings file")
			settings = map[string]any{}
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(key, EnvPrefix) {
			settings[key] = value
		}
	}

	cfg.apply(settings)
	return cfg, nil
}

func (cfg *Config) apply(settings map[string]any) {
	if v, ok := stringSetting(settings, "WORKER_HOST"); ok && v != "" {
		cfg.WorkerHost = v
	}
	if v, ok := intSetting(settings, "WORKER_PORT"); ok && v > 0 {
		cfg.WorkerPort = v
	}
	if v, ok := stringSetting(settings, "DB_DRIVER"); ok {
		switch v = strings.ToLower(v); v {
		case "sqlite", "postgres":
			cfg.DBDriver = v
		default:
			log.Warn().Str("driver", v).Msg("Unknown database driver, keeping default")
		}
	}
	if v, ok := stringSetting(settings, "DB_PATH"); ok && v != "" {
		cfg.DBPath = v
	}
	if v, ok := stringSetting(settings, "DSN"); ok {
		cfg.DSN = v
	}
	if v, ok := stringSetting(settings, "DB_LOG_LEVEL"); ok && v != "" {
		cfg.DBLogLevel = strings.ToLower(v)
	}
	if v, ok := intSetting(settings, "MAX_CONNS"); ok && v > 0 {
		cfg.MaxConns = v
	}
	if v, ok := stringSetting(settings, "DEFINITIONS_PATH"); ok && v != "" {
		cfg.DefinitionsPath = v
	}
	if v, ok := boolSetting(settings, "WATCH_DEFINITIONS"); ok {
		cfg.WatchDefinitions = v
	}
	if v, ok := boolSetting(settings, "REFRESH_ENABLED"); ok {
		cfg.RefreshEnabled = v
	}
	if v, ok := intSetting(settings, "REFRESH_INTERVAL_MINUTES"); ok && v > 0 {
		cfg.RefreshIntervalMinutes = v
	}
	if v, ok := intSetting(settings, "REFRESH_INITIAL_DELAY_SECS"); ok && v >= 0 {
		cfg.RefreshInitialDelaySecs = v
	}
	if v, ok := intSetting(settings, "REFRESH_CONCURRENCY"); ok && v > 0 {
		cfg.RefreshConcurrency = v
	}
	if v, ok := intSetting(settings, "HISTORY_KEEP"); ok && v >= 0 {
		cfg.HistoryKeep = v
	}
	if v, ok := intSetting(settings, "BATCH_SIZE"); ok && v > 0 {
		cfg.BatchSize = v
	}
	if v, ok := intSetting(settings, "BATCH_TIMEOUT_SECS"); ok && v >= 0 {
		cfg.BatchTimeoutSecs = v
	}
	if v, ok := intSetting(settings, "DEFAULT_STALENESS_HOURS"); ok && v > 0 {
		cfg.DefaultStalenessHours = v
	}
	if v, ok := intSetting(settings, "PASS_TIMEOUT_MINUTES"); ok && v >= 0 {
		cfg.PassTimeoutMinutes = v
	}
	if v, ok := intSetting(settings, "SHUTDOWN_TIMEOUT_SECS"); ok && v > 0 {
		cfg.ShutdownTimeoutSecs = v
	}
	if v, ok := boolSetting(settings, "TELEMETRY_ENABLED"); ok {
		cfg.TelemetryEnabled = v
	}
	if v, ok := stringSetting(settings, "OTLP_ENDPOINT"); ok {
		cfg.OTLPEndpoint = v
	}
	if v, ok := boolSetting(settings, "OTLP_INSECURE"); ok {
		cfg.OTLPInsecure = v
	}
	if v, ok := boolSetting(settings, "RECONCILE_ON_START"); ok {
		cfg.ReconcileOnStart = v
	}
	if v, ok := stringSetting(settings, "LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
}

// File values arrive as JSON types, environment values as strings.

func stringSetting(settings map[string]any, key string) (string, bool) {
	v, ok := settings[EnvPrefix+key].(string)
	return strings.TrimSpace(v), ok
}

func intSetting(settings map[string]any, key string) (int, bool) {
	switch v := settings[EnvPrefix+key].(type) {
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

func boolSetting(settings map[string]any, key string) (bool, bool) {
	switch v := settings[EnvPrefix+key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return b, err == nil
	}
	return false, false
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	configOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load settings, using defaults")
			cfg = Default()
		}
		configMu.Lock()
		globalConfig = cfg
		configMu.Unlock()
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// GetWorkerPort returns the worker port from environment or config.
func GetWorkerPort() int {
	if port := os.Getenv(EnvPrefix + "WORKER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			return p
		}
	}
	return Get().WorkerPort
}

// GormLogLevel maps DBLogLevel to a GORM logger level.
func (cfg *Config) GormLogLevel() logger.LogLevel {
	switch cfg.DBLogLevel {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

// RefreshInterval returns the scheduler interval, at least one minute.
func (cfg *Config) RefreshInterval() time.Duration {
	return max(time.Duration(cfg.RefreshIntervalMinutes)*time.Minute, time.Minute)
}

// BatchTimeout returns the per-batch transaction bound; zero means none.
func (cfg *Config) BatchTimeout() time.Duration {
	return time.Duration(cfg.BatchTimeoutSecs) * time.Second
}

// DefaultStaleness returns the default metric staleness interval.
func (cfg *Config) DefaultStaleness() time.Duration {
	return time.Duration(cfg.DefaultStalenessHours) * time.Hour
}

// PassTimeout bounds one full pass; zero means no bound.
func (cfg *Config) PassTimeout() time.Duration {
	return time.Duration(cfg.PassTimeoutMinutes) * time.Minute
}

// ShutdownTimeout bounds graceful shutdown.
func (cfg *Config) ShutdownTimeout() time.Duration {
	return time.Duration(cfg.ShutdownTimeoutSecs) * time.Second
}
