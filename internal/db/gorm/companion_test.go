package gorm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"
)

type testUser struct {
	ID   int64 `gorm:"primaryKey"`
	Name string
}

func (testUser) TableName() string { return "users" }

// testCompanion creates a users table and an empty user_metrics store with
// a pets_count column pair.
func testCompanion(t *testing.T) *Store {
	t.Helper()
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.DB.AutoMigrate(&testUser{}))
	require.NoError(t, CreateCompanionTable(ctx, store.DB, "user_metrics", "id", "integer", "users", "id"))
	require.NoError(t, AddColumn(ctx, store.DB, "user_metrics", "pets_count", DataTypeOf(store.DB, schema.Int), false))
	require.NoError(t, AddColumn(ctx, store.DB, "user_metrics", "updated__pets_count__at", DataTypeOf(store.DB, schema.Time), false))
	return store
}

func TestCompanionRow_LoadMissing(t *testing.T) {
	store := testCompanion(t)
	ctx := context.Background()

	row, err := LoadCompanionRow(ctx, store.DB, "user_metrics", "id", int64(1), []string{"id", "pets_count"})
	require.NoError(t, err)
	assert.False(t, row.Persisted())
	assert.Nil(t, row.Get("pets_count"))
	assert.Empty(t, row.Dirty())
}

func TestCompanionRow_InsertThenUpdate(t *testing.T) {
	store := testCompanion(t)
	ctx := context.Background()
	require.NoError(t, store.DB.Create(&testUser{ID: 1, Name: "ann"}).Error)

	cols, err := Columns(ctx, store.DB, "user_metrics")
	require.NoError(t, err)

	row, err := LoadCompanionRow(ctx, store.DB, "user_metrics", "id", int64(1), cols)
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, row.Set("pets_count", 3))
	require.NoError(t, row.Set("updated__pets_count__at", now))
	assert.Equal(t, []string{"pets_count", "updated__pets_count__at"}, row.Dirty())

	require.NoError(t, row.Save(ctx, store.DB, true))
	assert.True(t, row.Persisted())
	assert.Empty(t, row.Dirty())

	row, err = LoadCompanionRow(ctx, store.DB, "user_metrics", "id", int64(1), cols)
	require.NoError(t, err)
	assert.True(t, row.Persisted())
	assert.EqualValues(t, 3, row.Get("pets_count"))

	require.NoError(t, row.Set("pets_count", 4))
	require.NoError(t, row.Save(ctx, store.DB, true))

	var count int64
	require.NoError(t, store.DB.Table("user_metrics").Select("pets_count").Where("id = ?", 1).Scan(&count).Error)
	assert.Equal(t, int64(4), count)
}

func TestCompanionRow_NoInsert(t *testing.T) {
	store := testCompanion(t)
	ctx := context.Background()
	require.NoError(t, store.DB.Create(&testUser{ID: 1}).Error)

	row := NewCompanionRow("user_metrics", "id", int64(1), []string{"id", "pets_count"})
	require.NoError(t, row.Set("pets_count", 1))
	require.NoError(t, row.Save(ctx, store.DB, false))

	assert.False(t, row.Persisted())
	assert.Equal(t, []string{"pets_count"}, row.Dirty())

	var n int64
	require.NoError(t, store.DB.Table("user_metrics").Count(&n).Error)
	assert.Zero(t, n)
}

func TestCompanionRow_SetUnprovisioned(t *testing.T) {
	row := NewCompanionRow("user_metrics", "id", 1, []string{"id"})

	err := row.Set("pets_count", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrColumnNotProvisioned)

	var colErr *ColumnError
	require.ErrorAs(t, err, &colErr)
	assert.Equal(t, "pets_count", colErr.Column)
	assert.Equal(t, "user_metrics", colErr.Table)
}

func TestCompanionTable_CascadeDelete(t *testing.T) {
	store := testCompanion(t)
	ctx := context.Background()
	require.NoError(t, store.DB.Create(&testUser{ID: 9}).Error)

	row := NewCompanionRow("user_metrics", "id", int64(9), []string{"id", "pets_count"})
	require.NoError(t, row.Set("pets_count", 2))
	require.NoError(t, row.Save(ctx, store.DB, true))

	require.NoError(t, store.DB.Delete(&testUser{ID: 9}).Error)

	var n int64
	require.NoError(t, store.DB.Table("user_metrics").Count(&n).Error)
	assert.Zero(t, n)
}
