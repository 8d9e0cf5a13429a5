package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestRegister_MergesOptions(t *testing.T) {
	f := newFixture(t)

	f.owner.Register("score", Single[testUser](func(context.Context, *gorm.DB, *testUser) (any, error) {
		return int64(1), nil
	}))
	f.owner.Register("score", Every(time.Hour), Type(Float))
	f.owner.Register("score", Aggregate("UPDATE user_metrics SET score = 1"))

	def, ok := f.owner.Registry().Definition("score")
	require.True(t, ok)
	assert.True(t, def.HasSingle())
	assert.True(t, def.HasAggregate())
	assert.Equal(t, Float, def.Type)
	d, ok := def.Every.Duration()
	assert.True(t, ok)
	assert.Equal(t, time.Hour, d)
	assert.Equal(t, 1, f.owner.Registry().Len())
}

func TestRegister_Panics(t *testing.T) {
	f := newFixture(t)

	assert.Panics(t, func() { f.owner.Register("  ") })
	assert.Panics(t, func() {
		f.owner.Register("wrong", Single[testPet](func(context.Context, *gorm.DB, *testPet) (any, error) {
			return nil, nil
		}))
	})
	assert.Zero(t, f.owner.Registry().Len())
}

func TestRegistry_Views(t *testing.T) {
	f := newFixture(t)
	f.registerStandard()
	f.owner.RegisterAggregate("pets_total", "UPDATE user_metrics SET pets_total = 0")

	r := f.owner.Registry()
	assert.Equal(t, []string{"name_length", "pets_count", "average_pet_weight", "pet_activity", "pets_total"}, r.Names())
	assert.Equal(t, []string{"name_length", "pets_count", "average_pet_weight", "pet_activity"}, r.SingleOnlyMetrics())
	assert.Equal(t, []string{"pets_total"}, r.AggregateMetrics())

	r.setPromoted([]string{"pets_count"})
	assert.True(t, r.Promoted("pets_count"))
	assert.Equal(t, []string{"name_length", "average_pet_weight", "pet_activity"}, r.SingleOnlyMetrics())
	assert.Equal(t, []string{"pets_count", "pets_total"}, r.AggregateMetrics())
}

func TestRegistry_ColumnType(t *testing.T) {
	f := newFixture(t)
	f.registerStandard()
	f.owner.RegisterSingle("last_seen_at", func(context.Context, *gorm.DB, *testUser) (any, error) { return nil, nil })
	f.owner.RegisterSingle("nickname", func(context.Context, *gorm.DB, *testUser) (any, error) { return "", nil }, Type(String))

	r := f.owner.Registry()
	assert.Equal(t, Float, r.ColumnType("average_pet_weight"))
	assert.Equal(t, Integer, r.ColumnType("pets_count"))
	assert.Equal(t, Datetime, r.ColumnType("last_seen_at"))
	assert.Equal(t, String, r.ColumnType("nickname"))
	assert.Equal(t, Datetime, r.ColumnType(TimestampColumn("pets_count")))
	assert.Equal(t, Integer, r.ColumnType("unregistered"))
}

func TestOwner_Describe(t *testing.T) {
	f := newFixture(t)
	f.registerStandard()

	infos := f.owner.Describe()
	require.Len(t, infos, 4)
	assert.Equal(t, "average_pet_weight", infos[2].Name)
	assert.Equal(t, Float, infos[2].Type)
	assert.True(t, infos[2].InferAggregate)
	assert.Equal(t, "default", infos[2].Every)
	assert.False(t, infos[0].InferAggregate)
}

func TestOwner_Accessor(t *testing.T) {
	f := newFixture(t)
	f.registerStandard()

	a, err := f.owner.Accessor("pets_count")
	require.NoError(t, err)
	assert.Equal(t, "pets_count", a.Name())

	_, err = f.owner.Accessor("nope")
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestNewOwner(t *testing.T) {
	db := testDB(t)

	owner, err := NewOwner[testUser](db, OwnerConfig{StoreTable: "user_metrics"})
	require.NoError(t, err)
	assert.Equal(t, "users", owner.Name())
	assert.Equal(t, "users", owner.Table())
	assert.Equal(t, "user_metrics", owner.StoreTable())
	assert.False(t, owner.Colocated())

	colocated, err := NewOwner[testUser](db, OwnerConfig{Name: "people"})
	require.NoError(t, err)
	assert.Equal(t, "people", colocated.Name())
	assert.Equal(t, "users", colocated.StoreTable())
	assert.True(t, colocated.Colocated())

	_, err = NewOwner[testUser](nil, OwnerConfig{})
	assert.Error(t, err)

	type keyless struct{ Name string }
	_, err = NewOwner[keyless](db, OwnerConfig{})
	assert.ErrorContains(t, err, "no primary key")
}
