// Package gorm provides the GORM-backed persistence layer for metricache.
package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	// Pure Go SQLite driver registered as "sqlite".
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store represents the GORM database connection.
type Store struct {
	healthCacheTime time.Time
	DB              *gorm.DB
	sqlDB           *sql.DB
	latency         *latencyWindow
	cachedHealth    *HealthInfo
	driver          string
	healthCacheTTL  time.Duration
	healthCacheMu   sync.RWMutex
}

// Config holds database configuration.
type Config struct {
	Driver   string          // "sqlite" (default) or "postgres"
	DSN      string          // PostgreSQL DSN, or a SQLite DSN overriding Path
	Path     string          // SQLite database file
	MaxConns int             // Maximum number of open connections
	LogLevel logger.LogLevel // GORM log level (logger.Silent for tests)
}

// NewStore opens the configured database and runs the history migrations.
func NewStore(cfg Config) (*Store, error) {
	dialector, maxConns, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm %s: %w", driverName(cfg), err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(max(1, maxConns/2))
	sqlDB.SetConnMaxLifetime(1 * time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", driverName(cfg), err)
	}

	if err := runMigrations(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		DB:             db,
		sqlDB:          sqlDB,
		driver:         driverName(cfg),
		latency:        newLatencyWindow(100),
		healthCacheTTL: 5 * time.Second,
	}, nil
}

func driverName(cfg Config) string {
	if cfg.Driver == "" {
		return DriverSQLite
	}
	return cfg.Driver
}

// dialectorFor builds the GORM dialector and the default pool size for cfg.
func dialectorFor(cfg Config) (gorm.Dialector, int, error) {
	maxConns := cfg.MaxConns
	switch driverName(cfg) {
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, 0, errors.New("postgres driver requires a DSN")
		}
		if maxConns <= 0 {
			maxConns = 10
		}
		return postgres.Open(cfg.DSN), maxConns, nil
	case DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			if cfg.Path == "" {
				return nil, 0, errors.New("sqlite driver requires a path or DSN")
			}
			dsn = SQLiteDSN(cfg.Path)
		}
		if maxConns <= 0 {
			maxConns = 4
		}
		return &sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, maxConns, nil
	default:
		return nil, 0, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// SQLiteDSN returns the modernc DSN for a database file. Foreign keys, WAL
// and a busy timeout are enabled; times are written in SQLite's own format.
func SQLiteDSN(path string) string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=journal_mode(WAL)",
		"_pragma=busy_timeout(5000)",
		"_time_format=sqlite",
	}
	return "file:" + path + "?" + strings.Join(pragmas, "&")
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.sqlDB.Ping()
}

// GetDB returns the GORM DB instance.
func (s *Store) GetDB() *gorm.DB {
	return s.DB
}

// Stats returns database connection pool statistics.
func (s *Store) Stats() sql.DBStats {
	return s.sqlDB.Stats()
}

// HealthCheck reports connection pool state and query latency.
// Results are cached for healthCacheTTL to keep health checks cheap.
func (s *Store) HealthCheck(ctx context.Context) *HealthInfo {
	s.healthCacheMu.RLock()
	if s.cachedHealth != nil && time.Since(s.healthCacheTime) < s.healthCacheTTL {
		cached := s.cachedHealth
		s.healthCacheMu.RUnlock()
		return cached
	}
	s.healthCacheMu.RUnlock()

	info := s.performHealthCheck(ctx)

	s.healthCacheMu.Lock()
	s.cachedHealth = info
	s.healthCacheTime = time.Now()
	s.healthCacheMu.Unlock()

	return info
}

func (s *Store) performHealthCheck(ctx context.Context) *HealthInfo {
	info := &HealthInfo{
		Status:    "healthy",
		Driver:    s.driver,
		Timestamp: time.Now(),
	}

	stats := s.sqlDB.Stats()
	info.PoolStats = PoolStats{
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		WaitDuration:    stats.WaitDuration,
	}

	start := time.Now()
	var one int
	err := s.sqlDB.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	info.QueryLatency = time.Since(start)
	s.latency.record(info.QueryLatency)
	info.P95Latency = s.latency.p95()

	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		return info
	}

	if stats.WaitCount > 100 && stats.WaitDuration > 100*time.Millisecond {
		info.Status = "degraded"
		info.Warning = "Connection pool contention detected"
	}
	if info.P95Latency > 50*time.Millisecond {
		info.Status = "degraded"
		info.Warning = fmt.Sprintf("High P95 latency: %v", info.P95Latency)
	}

	return info
}

// HealthInfo contains database health check results.
type HealthInfo struct {
	Timestamp    time.Time     `json:"timestamp"`
	Status       string        `json:"status"`
	Driver       string        `json:"driver"`
	Error        string        `json:"error,omitempty"`
	Warning      string        `json:"warning,omitempty"`
	PoolStats    PoolStats     `json:"pool_stats"`
	QueryLatency time.Duration `json:"query_latency_ns"`
	P95Latency   time.Duration `json:"p95_latency_ns,omitempty"`
}

// PoolStats contains connection pool statistics.
type PoolStats struct {
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
	WaitCount       int64         `json:"wait_count"`
	WaitDuration    time.Duration `json:"wait_duration_ns"`
}

// latencyWindow keeps the last n health check latencies.
type latencyWindow struct {
	samples []time.Duration
	next    int
	count   int
	mu      sync.Mutex
}

func newLatencyWindow(n int) *latencyWindow {
	return &latencyWindow{samples: make([]time.Duration, n)}
}

func (w *latencyWindow) record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

// p95 needs at least 20 samples to say anything.
func (w *latencyWindow) p95() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count < 20 {
		return 0
	}
	sorted := slices.Clone(w.samples[:w.count])
	slices.Sort(sorted)
	return sorted[int(float64(len(sorted))*0.95)]
}

// Query timeouts for history reads and writes. SlowQueryTimeout bounds
// deletes that scan an owner's history.
const (
	DefaultQueryTimeout = 5 * time.Second
	SlowQueryTimeout    = 30 * time.Second
)

// SlowOperationThreshold is the elapsed time above which WithTimeout logs.
const SlowOperationThreshold = 100 * time.Millisecond

// WithTimeout wraps ctx with a timeout. The returned cancel logs the
// operation when it ran longer than SlowOperationThreshold.
// A non-positive timeout only adds the slow-operation logging.
func WithTimeout(ctx context.Context, timeout time.Duration, operation string) (context.Context, context.CancelFunc) {
	var (
		wrapped = ctx
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		wrapped, cancel = context.WithTimeout(ctx, timeout)
	} else {
		wrapped, cancel = context.WithCancel(ctx)
	}
	start := time.Now()

	return wrapped, func() {
		elapsed := time.Since(start)
		cancel()

		if elapsed > SlowOperationThreshold {
			log.Warn().
				Str("operation", operation).
				Dur("elapsed", elapsed).
				Dur("timeout", timeout).
				Msg("Slow database operation")
		}
	}
}

// TransactionWithTimeout runs fn in a transaction bounded by timeout.
// The transaction rolls back if fn fails or the context expires.
func TransactionWithTimeout(ctx context.Context, db *gorm.DB, timeout time.Duration, operation string, fn func(*gorm.DB) error) error {
	timeoutCtx, cancel := WithTimeout(ctx, timeout, operation)
	defer cancel()

	return db.WithContext(timeoutCtx).Transaction(func(tx *gorm.DB) error {
		select {
		case <-timeoutCtx.Done():
			return timeoutCtx.Err()
		default:
		}
		return fn(tx)
	})
}
