package gorm

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"
)

func TestColumns_AddDrop(t *testing.T) {
	store := testCompanion(t)
	ctx := context.Background()

	cols, err := Columns(ctx, store.DB, "user_metrics")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "pets_count", "updated__pets_count__at"}, cols)

	require.NoError(t, AddColumn(ctx, store.DB, "user_metrics", "nickname", DataTypeOf(store.DB, schema.String), true))
	require.NoError(t, DropColumn(ctx, store.DB, "user_metrics", "pets_count"))

	cols, err = Columns(ctx, store.DB, "user_metrics")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"id", "updated__pets_count__at", "nickname"}, cols)
}

func TestAddColumn_EmptyStringDefault(t *testing.T) {
	store := testCompanion(t)
	ctx := context.Background()
	require.NoError(t, store.DB.Create(&testUser{ID: 1}).Error)
	require.NoError(t, store.DB.Exec("INSERT INTO user_metrics (id) VALUES (1)").Error)

	require.NoError(t, AddColumn(ctx, store.DB, "user_metrics", "nickname", DataTypeOf(store.DB, schema.String), true))

	nickname := "unset"
	require.NoError(t, store.DB.Table("user_metrics").Select("nickname").Where("id = 1").Scan(&nickname).Error)
	assert.Equal(t, "", nickname)
}

func TestHasTable(t *testing.T) {
	store := testCompanion(t)
	ctx := context.Background()

	assert.True(t, HasTable(ctx, store.DB, "user_metrics"))
	assert.False(t, HasTable(ctx, store.DB, "pet_metrics"))
}

func TestDataTypeOf_SQLite(t *testing.T) {
	store := testStore(t)

	assert.Equal(t, "integer", DataTypeOf(store.DB, schema.Int))
	assert.Equal(t, "real", DataTypeOf(store.DB, schema.Float))
	assert.Equal(t, "text", DataTypeOf(store.DB, schema.String))
	assert.Equal(t, "datetime", DataTypeOf(store.DB, schema.Time))
}

func TestKeyDataTypeOf(t *testing.T) {
	store := testStore(t)

	s, err := schema.Parse(&testUser{}, &sync.Map{}, store.DB.NamingStrategy)
	require.NoError(t, err)
	key := s.PrioritizedPrimaryField
	require.NotNil(t, key)
	assert.True(t, key.AutoIncrement)
	assert.Equal(t, "integer", KeyDataTypeOf(store.DB, key))
	assert.True(t, key.AutoIncrement, "source field must not be modified")
}
