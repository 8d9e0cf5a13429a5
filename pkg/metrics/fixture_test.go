package metrics

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	gormstore "github.com/thebtf/metricache/internal/db/gorm"
)

type testUser struct {
	ID      int64 `gorm:"primaryKey"`
	Name    string
	pending bool
}

func (testUser) TableName() string { return "users" }

func (u *testUser) HasPendingChanges() bool { return u.pending }

type testPet struct {
	ID     int64 `gorm:"primaryKey"`
	UserID int64 `gorm:"index"`
	Name   string
	Weight float64
}

func (testPet) TableName() string { return "pets" }

type testActivity struct {
	ID      int64 `gorm:"primaryKey"`
	ActorID int64 `gorm:"index"`
	Kind    string
}

func (testActivity) TableName() string { return "activities" }

type testClock struct {
	now time.Time
	mu  sync.Mutex
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type callCounter struct {
	n  map[string]int
	mu sync.Mutex
}

func (c *callCounter) inc(name string) {
	c.mu.Lock()
	c.n[name]++
	c.mu.Unlock()
}

func (c *callCounter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[name]
}

// testDB opens a temporary SQLite database with the fixture tables.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	store, err := gormstore.NewStore(gormstore.Config{
		Path:     filepath.Join(t.TempDir(), "metrics.db"),
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.DB.AutoMigrate(&testUser{}, &testPet{}, &testActivity{}))
	return store.DB
}

type fixture struct {
	db    *gorm.DB
	clock *testClock
	calls *callCounter
	owner *Owner[testUser]

	nameLength  *Accessor[testUser]
	petsCount   *Accessor[testUser]
	avgWeight   *Accessor[testUser]
	petActivity *Accessor[testUser]
}

// newFixture builds a users owner with a user_metrics store. No metrics
// are registered.
func newFixture(t *testing.T, opts ...OwnerOption) *fixture {
	t.Helper()

	f := &fixture{
		db:    testDB(t),
		clock: newTestClock(),
		calls: &callCounter{n: map[string]int{}},
	}
	opts = append([]OwnerOption{WithClock(f.clock.Now)}, opts...)
	owner, err := NewOwner[testUser](f.db, OwnerConfig{StoreTable: "user_metrics"}, opts...)
	require.NoError(t, err)
	f.owner = owner
	return f
}

// registerStandard registers the metrics most tests share.
func (f *fixture) registerStandard() {
	f.nameLength = f.owner.RegisterSingle("name_length", func(_ context.Context, _ *gorm.DB, u *testUser) (any, error) {
		f.calls.inc("name_length")
		return int64(len(u.Name)), nil
	})

	f.petsCount = f.owner.RegisterSingle("pets_count", func(_ context.Context, tx *gorm.DB, u *testUser) (any, error) {
		f.calls.inc("pets_count")
		var n int64
		err := tx.Model(&testPet{}).Where("user_id = ?", u.ID).Count(&n).Error
		return n, err
	}, InferAggregate())

	f.avgWeight = f.owner.RegisterSingle("average_pet_weight", func(_ context.Context, tx *gorm.DB, u *testUser) (any, error) {
		f.calls.inc("average_pet_weight")
		var avg sql.NullFloat64
		if err := tx.Model(&testPet{}).Select("AVG(weight)").Where("user_id = ?", u.ID).Row().Scan(&avg); err != nil {
			return nil, err
		}
		if !avg.Valid {
			return nil, nil
		}
		return avg.Float64, nil
	}, InferAggregate(), Type(Float))

	f.petActivity = f.owner.RegisterSingle("pet_activity", func(_ context.Context, tx *gorm.DB, u *testUser) (any, error) {
		f.calls.inc("pet_activity")
		var pets, sent int64
		if err := tx.Model(&testPet{}).Where("user_id = ?", u.ID).Count(&pets).Error; err != nil {
			return nil, err
		}
		if err := tx.Model(&testActivity{}).Where("actor_id = ? AND kind = ?", u.ID, "sent").Count(&sent).Error; err != nil {
			return nil, err
		}
		return pets + sent, nil
	}, InferAggregate())
}

func (f *fixture) createUser(t *testing.T, name string, weights ...float64) *testUser {
	t.Helper()
	u := &testUser{Name: name}
	require.NoError(t, f.db.Create(u).Error)
	for i, w := range weights {
		pet := &testPet{UserID: u.ID, Name: name + "-pet", Weight: w}
		if i > 0 {
			pet.Name += string(rune('a' + i))
		}
		require.NoError(t, f.db.Create(pet).Error)
	}
	return u
}

// stored reads a column of the user's store row.
func (f *fixture) stored(t *testing.T, id int64, column string) any {
	t.Helper()
	var v any
	err := f.db.Table(f.owner.StoreTable()).Select(column).Where("id = ?", id).Row().Scan(&v)
	require.NoError(t, err)
	return v
}

func (f *fixture) storedTime(t *testing.T, id int64, metric string) (time.Time, bool) {
	t.Helper()
	return AsTime(f.stored(t, id, TimestampColumn(metric)))
}

func (f *fixture) hasStoreRow(t *testing.T, id int64) bool {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Table(f.owner.StoreTable()).Where("id = ?", id).Count(&n).Error)
	return n > 0
}
