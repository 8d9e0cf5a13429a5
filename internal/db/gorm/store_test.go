package gorm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testStore creates a Store backed by a temporary SQLite file.
func testStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewStore_SQLite(t *testing.T) {
	store := testStore(t)

	assert.Equal(t, DriverSQLite, store.Driver())
	assert.NoError(t, store.Ping())
	assert.True(t, store.DB.Migrator().HasTable("metric_pass_runs"))

	var fk int
	require.NoError(t, store.DB.Raw("PRAGMA foreign_keys").Scan(&fk).Error)
	assert.Equal(t, 1, fk)
}

func TestNewStore_Errors(t *testing.T) {
	_, err := NewStore(Config{Driver: "oracle"})
	assert.ErrorContains(t, err, "unsupported database driver")

	_, err = NewStore(Config{Driver: DriverPostgres})
	assert.ErrorContains(t, err, "requires a DSN")

	_, err = NewStore(Config{})
	assert.ErrorContains(t, err, "requires a path")
}

func TestSQLiteDSN(t *testing.T) {
	dsn := SQLiteDSN("/tmp/x.db")
	assert.Equal(t, "file:/tmp/x.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite", dsn)
}

func TestHealthCheck_Cached(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first := store.HealthCheck(ctx)
	require.NotNil(t, first)
	assert.Equal(t, "healthy", first.Status)
	assert.Equal(t, DriverSQLite, first.Driver)

	second := store.HealthCheck(ctx)
	assert.Same(t, first, second)
}

func TestLatencyWindow_P95(t *testing.T) {
	w := newLatencyWindow(50)
	for i := 1; i <= 19; i++ {
		w.record(time.Duration(i) * time.Millisecond)
	}
	assert.Zero(t, w.p95())

	w.record(20 * time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, w.p95())
}

func TestTransactionWithTimeout_RollsBack(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	err := TransactionWithTimeout(ctx, store.DB, time.Second, "test", func(tx *gorm.DB) error {
		if err := tx.Create(&PassRun{PassID: "p1", Owner: "users"}).Error; err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	var count int64
	require.NoError(t, store.DB.Model(&PassRun{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestTransactionWithTimeout_Expired(t *testing.T) {
	store := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := TransactionWithTimeout(ctx, store.DB, time.Second, "test", func(*gorm.DB) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestWithTimeout_Deadline(t *testing.T) {
	ctx, cancel := WithTimeout(context.Background(), DefaultQueryTimeout, "test")
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(DefaultQueryTimeout), deadline, time.Second)
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	ctx, cancel = WithTimeout(context.Background(), 0, "test")
	defer cancel()
	_, ok = ctx.Deadline()
	assert.False(t, ok)
}
