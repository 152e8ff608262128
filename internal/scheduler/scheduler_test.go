package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/tideline/internal/adapter"
	"github.com/livinlefevreloca/tideline/internal/coordinator"
	"github.com/livinlefevreloca/tideline/internal/db"
	"github.com/livinlefevreloca/tideline/internal/eventlog"
	"github.com/livinlefevreloca/tideline/internal/planner"
	"github.com/livinlefevreloca/tideline/internal/testutil"
)

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

type trigger struct {
	accountID, family string
	by                db.TriggerSource
}

// fakeCoordinator records triggers instead of running anything.
type fakeCoordinator struct {
	mu       sync.Mutex
	triggers []trigger
	fail     map[string]error
	stale    int
}

func (f *fakeCoordinator) TriggerRun(_ context.Context, accountID, family string, by db.TriggerSource) (coordinator.TriggerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger{accountID, family, by})
	if err := f.fail[family]; err != nil {
		return coordinator.TriggerResult{}, err
	}
	return coordinator.TriggerResult{Outcome: coordinator.OutcomeStarted, RunID: fmt.Sprintf("run-%d", len(f.triggers))}, nil
}

func (f *fakeCoordinator) ReclassifyStale(context.Context, time.Duration) (int, error) {
	return f.stale, nil
}

func (f *fakeCoordinator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggers)
}

func newTestScheduler(t *testing.T, events *eventlog.Log) (*Scheduler, *db.DB, *fakeCoordinator) {
	t.Helper()
	database := testutil.NewDB(t)

	families := adapter.NewRegistry()
	noop := adapter.AdapterFunc(func(context.Context, adapter.Request) (adapter.Page, error) { return adapter.Page{}, nil })
	for _, name := range []string{"orders", "refunds", "customers"} {
		require.NoError(t, families.Register(adapter.Family{
			Name:    name,
			Adapter: noop,
			Keys:    adapter.FieldKeyResolver{Paths: []string{"id"}},
			Policy:  planner.Policy{Interval: time.Hour, MaxFailureBackoff: 8 * time.Hour},
		}))
	}

	coord := &fakeCoordinator{fail: map[string]error{}}
	s, err := NewScheduler(DefaultConfig(), database, families, coord, events, testutil.NewTestLogger().Logger())
	require.NoError(t, err)
	return s, database, coord
}

// finishAt records a terminal run for the worker as of at.
func finishAt(t *testing.T, database *db.DB, id string, status db.RunStatus, at time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := database.AdmitRun(ctx, &db.Run{ID: id, AccountID: "acct", DataFamily: "orders", TriggeredBy: db.TriggerScheduler, CreatedAt: at})
	require.NoError(t, err)
	var msg *string
	if status == db.RunError {
		m := "boom"
		msg = &m
	}
	_, err = database.FinishRun(ctx, db.FinishParams{RunID: id, Status: status, Error: msg, Now: at})
	require.NoError(t, err)
}

func TestNewScheduler_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 0
	_, err := NewScheduler(cfg, nil, nil, nil, nil, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.RunAllConcurrency = 0
	_, err = NewScheduler(cfg, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestTick_TriggersNeverRunWorker(t *testing.T) {
	s, database, coord := newTestScheduler(t, nil)
	testutil.SeedWorker(t, database, "acct", "orders", 10*time.Minute, 24*time.Hour)

	decisions, err := s.Tick(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, planner.ReasonNeverRun, decisions[0].Reason)
	require.NotNil(t, decisions[0].Result)
	assert.Equal(t, coordinator.OutcomeStarted, decisions[0].Result.Outcome)
	assert.Equal(t, []trigger{{"acct", "orders", db.TriggerScheduler}}, coord.triggers)
}

func TestTick_SkipsInFlightWorker(t *testing.T) {
	s, database, coord := newTestScheduler(t, nil)
	testutil.SeedWorker(t, database, "acct", "orders", 10*time.Minute, 24*time.Hour)
	_, err := database.AdmitRun(context.Background(), &db.Run{ID: "r1", AccountID: "acct", DataFamily: "orders", TriggeredBy: db.TriggerManual, CreatedAt: t0})
	require.NoError(t, err)

	decisions, err := s.Tick(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, planner.ReasonInFlight, decisions[0].Reason)
	assert.Nil(t, decisions[0].Result)
	assert.Equal(t, 0, coord.count())
}

func TestTick_WaitsForInterval(t *testing.T) {
	s, database, coord := newTestScheduler(t, nil)
	testutil.SeedWorker(t, database, "acct", "orders", 10*time.Minute, 24*time.Hour)
	finishAt(t, database, "r1", db.RunCompleted, t0)

	decisions, err := s.Tick(context.Background(), t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, planner.ReasonWaiting, decisions[0].Reason)
	assert.Equal(t, 0, coord.count())

	decisions, err = s.Tick(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, planner.ReasonInterval, decisions[0].Reason)
	assert.Equal(t, 1, coord.count())
}

func TestTick_BacksOffAfterFailure(t *testing.T) {
	s, database, coord := newTestScheduler(t, nil)
	testutil.SeedWorker(t, database, "acct", "orders", 10*time.Minute, 24*time.Hour)
	finishAt(t, database, "r1", db.RunError, t0)

	decisions, err := s.Tick(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, planner.ReasonWaiting, decisions[0].Reason)

	decisions, err = s.Tick(context.Background(), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, planner.ReasonBackoff, decisions[0].Reason)
	assert.Equal(t, 1, coord.count())
}

func TestTick_GlobalToggleOff(t *testing.T) {
	s, database, coord := newTestScheduler(t, nil)
	testutil.SeedWorker(t, database, "acct", "orders", 10*time.Minute, 24*time.Hour)
	require.NoError(t, database.SetGlobalSyncEnabled(context.Background(), false, t0))

	decisions, err := s.Tick(context.Background(), t0)
	require.NoError(t, err)
	assert.Empty(t, decisions)
	assert.Equal(t, 0, coord.count())
}

func TestTick_ReportsUnregisteredFamily(t *testing.T) {
	s, database, coord := newTestScheduler(t, nil)
	testutil.SeedWorker(t, database, "acct", "retired", time.Minute, time.Hour)

	decisions, err := s.Tick(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Contains(t, decisions[0].Error, "unknown data family")
	assert.Equal(t, 0, coord.count())
}

func TestRunAll_TriggersEnabledWorkers(t *testing.T) {
	s, database, coord := newTestScheduler(t, nil)
	ctx := context.Background()
	testutil.SeedWorker(t, database, "acct", "orders", time.Minute, time.Hour)
	testutil.SeedWorker(t, database, "acct", "refunds", time.Minute, time.Hour)
	testutil.SeedWorker(t, database, "other", "orders", time.Minute, time.Hour)
	require.NoError(t, database.UpsertWorker(ctx, &db.WorkerConfig{
		AccountID: "acct", DataFamily: "customers", Enabled: false, CursorType: db.CursorTimestamp,
	}, t0))
	coord.fail["refunds"] = coordinator.ErrWorkerDisabled

	results, err := s.RunAll(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, results, 2)

	byFamily := map[string]RunAllResult{}
	for _, r := range results {
		byFamily[r.DataFamily] = r
	}
	assert.Equal(t, coordinator.OutcomeStarted, byFamily["orders"].Outcome)
	assert.NotEmpty(t, byFamily["orders"].RunID)
	assert.Contains(t, byFamily["refunds"].Error, "worker disabled")

	for _, tr := range coord.triggers {
		assert.Equal(t, "acct", tr.accountID)
		assert.Equal(t, db.TriggerRunAll, tr.by)
	}
}

func TestRunAll_GlobalToggleOff(t *testing.T) {
	s, database, _ := newTestScheduler(t, nil)
	require.NoError(t, database.SetGlobalSyncEnabled(context.Background(), false, t0))

	_, err := s.RunAll(context.Background(), "acct")
	assert.True(t, errors.Is(err, coordinator.ErrSyncDisabled))
}

func TestMaintain_ReclaimsAndPurges(t *testing.T) {
	clock := testutil.NewMockClock(t0)
	database := testutil.NewDB(t)
	events := eventlog.New(database, eventlog.WithClock(clock.Now))

	s, _, coord := newTestScheduler(t, events)
	coord.stale = 2

	testutil.SeedWorker(t, database, "acct", "orders", time.Minute, time.Hour)
	_, err := database.AdmitRun(context.Background(), &db.Run{ID: "r1", AccountID: "acct", DataFamily: "orders", TriggeredBy: db.TriggerManual, CreatedAt: t0})
	require.NoError(t, err)
	_, err = events.Append(context.Background(), "r1", eventlog.LevelInfo, "run queued", nil)
	require.NoError(t, err)

	clock.Advance(8 * 24 * time.Hour)
	res, err := s.Maintain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stale)
	assert.Equal(t, int64(1), res.EventsPurged)
}

func TestRun_StopsOnShutdown(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	s.Shutdown()
	s.Shutdown()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
