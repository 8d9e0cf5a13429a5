package capture

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

type pet struct {
	ID     int64 `gorm:"primaryKey"`
	UserID int64
	Weight float64
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "capture.db")
	db, err := gorm.Open(&sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&pet{}))
	require.NoError(t, Install(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestInstall_Idempotent(t *testing.T) {
	db := testDB(t)
	assert.NoError(t, Install(db))
	assert.Contains(t, db.Config.Plugins, PluginName)
}

func TestRecorder_CapturesQueryAndRow(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.Create(&pet{UserID: 7, Weight: 2}).Error)

	ctx, rec := Begin(context.Background())
	defer rec.Close()

	var pets []pet
	require.NoError(t, db.WithContext(ctx).Where("user_id = ?", 7).Find(&pets).Error)

	var avg float64
	require.NoError(t, db.WithContext(ctx).Raw("SELECT AVG(weight) FROM pets WHERE user_id = ?", 7).Scan(&avg).Error)

	stmts := rec.Statements()
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0].SQL, "`pets`")
	assert.Equal(t, []any{7}, stmts[0].Vars)
	assert.Equal(t, "SELECT AVG(weight) FROM pets WHERE user_id = ?", stmts[1].SQL)
	assert.InDelta(t, 2.0, avg, 0.0001)
}

func TestRecorder_IgnoresWritesAndUnscopedReads(t *testing.T) {
	db := testDB(t)

	ctx, rec := Begin(context.Background())
	defer rec.Close()

	require.NoError(t, db.WithContext(ctx).Create(&pet{UserID: 1}).Error)

	var n int64
	require.NoError(t, db.Model(&pet{}).Count(&n).Error)

	assert.Equal(t, 0, rec.Len())
	assert.Nil(t, FromContext(context.Background()))
}

func TestRecorder_ClosedDropsStatements(t *testing.T) {
	db := testDB(t)

	ctx, rec := Begin(context.Background())
	var n int64
	require.NoError(t, db.WithContext(ctx).Model(&pet{}).Count(&n).Error)
	rec.Close()
	require.NoError(t, db.WithContext(ctx).Model(&pet{}).Count(&n).Error)

	assert.Equal(t, 1, rec.Len())
}
