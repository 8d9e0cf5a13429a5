package maintenance

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/thebtf/metricache/internal/config"
	"github.com/thebtf/metricache/internal/db"
	gormstore "github.com/thebtf/metricache/internal/db/gorm"
	"github.com/thebtf/metricache/internal/definitions"
	"github.com/thebtf/metricache/pkg/metrics"
	"github.com/thebtf/metricache/pkg/models"
)

var _ db.PassRunStore = (*gormstore.PassRunStore)(nil)

const definitionsYAML = `
owners:
  - name: users
    table: users
    store: user_metrics
    metrics:
      - name: pets_count
        query: SELECT count(*) FROM pets WHERE user_id = @id
        infer_aggregate: true
  - name: pets
    table: pets
    store: pet_metrics
    metrics:
      - name: owner_name
        query: SELECT name FROM users WHERE id = (SELECT user_id FROM pets WHERE id = @id)
`

type testEnv struct {
	set     *definitions.Set
	history *gormstore.PassRunStore
	cfg     *config.Config
	svc     *Service
}

func newTestEnv(t *testing.T, doc string) *testEnv {
	t.Helper()

	store, err := gormstore.NewStore(gormstore.Config{
		Path:     filepath.Join(t.TempDir(), "maintenance.db"),
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.DB.Exec("CREATE TABLE users (id integer PRIMARY KEY, name text)").Error)
	require.NoError(t, store.DB.Exec("CREATE TABLE pets (id integer PRIMARY KEY, user_id integer REFERENCES users(id))").Error)
	require.NoError(t, store.DB.Exec("INSERT INTO users (id, name) VALUES (1, 'alice'), (2, 'bob')").Error)
	require.NoError(t, store.DB.Exec("INSERT INTO pets (id, user_id) VALUES (1, 1), (2, 1), (3, 2)").Error)

	f, err := definitions.Parse([]byte(doc))
	require.NoError(t, err)
	set := definitions.NewSet(store.DB, zerolog.Nop())
	require.NoError(t, set.Apply(f))

	cfg := config.Default()
	cfg.RefreshInitialDelaySecs = 0
	cfg.HistoryKeep = 2

	history := gormstore.NewPassRunStore(store)
	return &testEnv{
		set:     set,
		history: history,
		cfg:     cfg,
		svc:     NewService(set, history, cfg, zerolog.Nop()),
	}
}

func TestRunOwner_RecordsHistory(t *testing.T) {
	env := newTestEnv(t, definitionsYAML)
	ctx := context.Background()

	run, err := env.svc.RunOwner(ctx, "users", models.TriggerAPI)
	require.NoError(t, err)
	assert.True(t, run.Succeeded())
	assert.Equal(t, "users", run.Owner)
	assert.Equal(t, models.TriggerAPI, run.Trigger)
	assert.Equal(t, models.JSONStringArray{"pets_count"}, run.Inferred)
	assert.NotZero(t, run.ID)

	stored, err := env.history.GetPassRun(ctx, run.PassID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, run.Inferred, stored.Inferred)
	assert.Equal(t, models.TriggerAPI, stored.Trigger)
}

func TestRunOwner_Unknown(t *testing.T) {
	env := newTestEnv(t, definitionsYAML)

	_, err := env.svc.RunOwner(context.Background(), "nope", models.TriggerAPI)
	assert.ErrorIs(t, err, ErrUnknownOwner)
}

func TestRunAll_PrunesHistory(t *testing.T) {
	env := newTestEnv(t, definitionsYAML)
	ctx := context.Background()

	for range 3 {
		require.NoError(t, env.svc.RunAll(ctx, models.TriggerManual))
	}

	for _, owner := range []string{"users", "pets"} {
		count, err := env.history.GetPassRunCount(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count, owner)
	}

	stats := env.svc.Stats()
	assert.Equal(t, int64(6), stats["total_passes"])
	assert.Equal(t, int64(0), stats["total_failed"])
	assert.Equal(t, int64(2), stats["total_pruned"])
}

func TestRunAll_FailedBatchesRecorded(t *testing.T) {
	env := newTestEnv(t, `
owners:
  - table: users
    store: user_metrics
    metrics:
      - name: broken
        query: SELECT missing_column FROM pets WHERE user_id = @id
`)
	ctx := context.Background()

	require.NoError(t, env.svc.RunAll(ctx, models.TriggerManual))

	runs, err := env.history.GetRecentPassRuns(ctx, "users", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Succeeded())
	assert.Equal(t, 1, runs[0].FailedBatches)
	assert.Equal(t, int64(1), env.svc.Stats()["total_failed"])
}

func TestRunAll_FatalErrorJoined(t *testing.T) {
	env := newTestEnv(t, `
owners:
  - table: users
    store: user_metrics
    metrics:
      - name: total
        aggregate: UPDATE user_metrics SET total = (SELECT nope FROM nowhere)
`)
	ctx := context.Background()

	err := env.svc.RunAll(ctx, models.TriggerManual)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner users")

	runs, err := env.history.GetRecentPassRuns(ctx, "users", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.NotEmpty(t, runs[0].Error)
}

func TestRunOwner_ConcurrentCallsSucceed(t *testing.T) {
	env := newTestEnv(t, definitionsYAML)
	ctx := context.Background()

	var wg sync.WaitGroup
	runs := make([]*models.PassRun, 4)
	for i := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := env.svc.RunOwner(ctx, "users", models.TriggerAPI)
			assert.NoError(t, err)
			runs[i] = run
		}()
	}
	wg.Wait()

	for _, run := range runs {
		require.NotNil(t, run)
		assert.True(t, run.Succeeded())
	}
}

func TestReconcileAll(t *testing.T) {
	env := newTestEnv(t, definitionsYAML)
	ctx := context.Background()

	require.NoError(t, env.svc.ReconcileAll(ctx))
	for _, r := range env.set.Runners() {
		missing, err := r.MissingColumns(ctx)
		require.NoError(t, err)
		assert.Empty(t, missing, r.Name())
	}
}

func TestStart_Disabled(t *testing.T) {
	env := newTestEnv(t, definitionsYAML)
	env.cfg.RefreshEnabled = false

	env.svc.Start(context.Background())
	env.svc.Wait()

	count, err := env.history.GetPassRunCount(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStart_RunsAndStops(t *testing.T) {
	env := newTestEnv(t, definitionsYAML)

	go env.svc.Start(context.Background())

	require.Eventually(t, func() bool {
		count, err := env.history.GetPassRunCount(context.Background(), "")
		return err == nil && count >= 2
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return env.svc.Stats()["running"] == true
	}, time.Second, 10*time.Millisecond)
	env.svc.Stop()
	env.svc.Wait()
	assert.Equal(t, false, env.svc.Stats()["running"])
}

func TestStart_ContextCancelled(t *testing.T) {
	env := newTestEnv(t, definitionsYAML)
	env.cfg.RefreshInitialDelaySecs = 3600

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.svc.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type slowRunner struct {
	metrics.Runner
	name        string
	delay       time.Duration
	hasDeadline bool
}

func (r *slowRunner) Name() string { return r.name }

func (r *slowRunner) RunFullPass(ctx context.Context, _ ...metrics.ValueOption) (*metrics.PassReport, error) {
	time.Sleep(r.delay)
	_, r.hasDeadline = ctx.Deadline()
	return &metrics.PassReport{ID: "slow-1", Owner: r.name, StartedAt: time.Now(), Duration: r.delay}, nil
}

type runnerList []metrics.Runner

func (l runnerList) Runner(name string) (metrics.Runner, bool) {
	for _, r := range l {
		if r.Name() == name {
			return r, true
		}
	}
	return nil, false
}

func (l runnerList) Runners() []metrics.Runner { return l }

func TestRunOwner_PassTimeout(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	cfg := config.Default()
	r := &slowRunner{name: "users", delay: 150 * time.Millisecond}
	svc := NewService(runnerList{r}, nil, cfg, zerolog.Nop())

	run, err := svc.RunOwner(context.Background(), "users", models.TriggerManual)
	require.NoError(t, err)
	assert.True(t, run.Succeeded())
	assert.True(t, r.hasDeadline)
	assert.NotContains(t, buf.String(), "Slow database operation")

	cfg.PassTimeoutMinutes = 0
	r.delay = 0
	_, err = svc.RunOwner(context.Background(), "users", models.TriggerManual)
	require.NoError(t, err)
	assert.False(t, r.hasDeadline)
}

func TestRefresh_RunsEveryOwner(t *testing.T) {
	env := newTestEnv(t, definitionsYAML)

	env.svc.Refresh(context.Background())

	stats := env.svc.Stats()
	assert.Equal(t, int64(2), stats["total_passes"])
	assert.False(t, stats["last_run"].(time.Time).IsZero())
}
