package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestRecord_PendingChangesHoldWrites(t *testing.T) {
	f := newFixture(t)
	f.registerStandard()
	ctx := context.Background()
	require.NoError(t, f.owner.Reconcile(ctx))
	u := f.createUser(t, "alice")

	u.pending = true
	rec := f.owner.Bind(u)
	n, _, err := f.nameLength.Int64(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.False(t, f.hasStoreRow(t, u.ID))

	// The held value is served from the record.
	_, err = f.nameLength.Value(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls.get("name_length"))

	u.pending = false
	require.NoError(t, rec.Flush(ctx))
	assert.Equal(t, int64(5), f.stored(t, u.ID, "name_length"))

	n, _, err = f.nameLength.Int64(ctx, f.owner.Bind(u))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, 1, f.calls.get("name_length"))
}

func TestRecord_FlushUnsavedRecord(t *testing.T) {
	f := newFixture(t)
	f.registerStandard()
	ctx := context.Background()
	require.NoError(t, f.owner.Reconcile(ctx))

	u := &testUser{Name: "bob"}
	rec := f.owner.Bind(u)
	assert.Zero(t, rec.ID())

	n, _, err := f.nameLength.Int64(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, f.db.Create(u).Error)
	require.NoError(t, rec.Flush(ctx))
	assert.Equal(t, u.ID, rec.ID())
	assert.Equal(t, int64(3), f.stored(t, u.ID, "name_length"))
	_, ok := f.storedTime(t, u.ID, "name_length")
	assert.True(t, ok)
}

func TestRecord_FlushWithoutIdentity(t *testing.T) {
	f := newFixture(t)
	f.registerStandard()
	ctx := context.Background()
	require.NoError(t, f.owner.Reconcile(ctx))

	rec := f.owner.Bind(&testUser{Name: "bob"})
	_, err := f.nameLength.Value(ctx, rec)
	require.NoError(t, err)
	assert.Error(t, rec.Flush(ctx))
}

func TestRecord_RecomputeAll(t *testing.T) {
	f := newFixture(t)
	f.registerStandard()
	ctx := context.Background()
	require.NoError(t, f.owner.Reconcile(ctx))
	u := f.createUser(t, "alice", 2, 8)

	rec := f.owner.Bind(u)
	require.NoError(t, rec.RecomputeAll(ctx))
	assert.Equal(t, int64(5), f.stored(t, u.ID, "name_length"))
	assert.Equal(t, int64(2), f.stored(t, u.ID, "pets_count"))
	assert.Equal(t, 5.0, f.stored(t, u.ID, "average_pet_weight"))
	assert.Equal(t, int64(2), f.stored(t, u.ID, "pet_activity"))

	// Fresh values are not recomputed unless forced.
	require.NoError(t, rec.RecomputeAll(ctx))
	assert.Equal(t, 1, f.calls.get("pets_count"))
	require.NoError(t, rec.RecomputeAll(ctx, Force()))
	assert.Equal(t, 2, f.calls.get("pets_count"))
}

func TestRecord_RecomputeAllJoinsErrors(t *testing.T) {
	f := newFixture(t)
	f.registerStandard()
	f.owner.RegisterSingle("broken", func(context.Context, *gorm.DB, *testUser) (any, error) {
		return nil, assert.AnError
	})
	ctx := context.Background()
	require.NoError(t, f.owner.Reconcile(ctx))
	u := f.createUser(t, "alice")

	err := f.owner.Bind(u).RecomputeAll(ctx)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, int64(5), f.stored(t, u.ID, "name_length"))
}

func TestRecord_Reload(t *testing.T) {
	f := newFixture(t)
	f.registerStandard()
	ctx := context.Background()
	require.NoError(t, f.owner.Reconcile(ctx))
	u := f.createUser(t, "alice")

	rec := f.owner.Bind(u)
	_, err := f.nameLength.Value(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, f.db.Table("user_metrics").Where("id = ?", u.ID).
		Updates(map[string]any{"name_length": 99}).Error)

	n, _, _ := f.nameLength.Int64(ctx, rec)
	assert.Equal(t, int64(5), n)
	rec.Reload()
	n, _, _ = f.nameLength.Int64(ctx, rec)
	assert.Equal(t, int64(99), n)
}
