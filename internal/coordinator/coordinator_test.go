package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/tideline/internal/adapter"
	"github.com/livinlefevreloca/tideline/internal/db"
	"github.com/livinlefevreloca/tideline/internal/eventlog"
	"github.com/livinlefevreloca/tideline/internal/planner"
	"github.com/livinlefevreloca/tideline/internal/testutil"
)

const (
	account = "acct-1"
	family  = "orders"
)

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

type harness struct {
	db      *db.DB
	source  *testutil.ScriptedAdapter
	events  *eventlog.Log
	clock   *testutil.MockClock
	logs    *testutil.TestLogger
	coord   *Coordinator
	pathsMu sync.Mutex
	paths   map[string]*StateRecorder
}

func newHarness(t *testing.T, pages ...[]json.RawMessage) *harness {
	t.Helper()
	return newHarnessWith(t, nil, pages...)
}

// newHarnessWith lets a test adjust the coordinator config before it is built.
func newHarnessWith(t *testing.T, configure func(*Config), pages ...[]json.RawMessage) *harness {
	t.Helper()

	h := &harness{
		db:     testutil.NewDB(t),
		source: testutil.NewScriptedAdapter(pages...),
		clock:  testutil.NewMockClock(t0),
		logs:   testutil.NewTestLogger(),
		paths:  make(map[string]*StateRecorder),
	}
	h.events = eventlog.New(h.db, eventlog.WithPollInterval(10*time.Millisecond))

	families := adapter.NewRegistry()
	require.NoError(t, families.Register(adapter.Family{
		Name:    family,
		Adapter: h.source,
		Keys:    adapter.FieldKeyResolver{Paths: []string{"id"}},
		Policy: planner.Policy{
			Interval: time.Hour,
			Overlap:  10 * time.Minute,
			Backfill: 24 * time.Hour,
		},
		PageSize: 10,
	}))
	require.NoError(t, families.Register(adapter.Family{
		Name:       "events",
		Adapter:    h.source,
		Keys:       adapter.FieldKeyResolver{Paths: []string{"id"}},
		CursorType: db.CursorOpaqueToken,
		Policy:     planner.Policy{Interval: time.Hour, Backfill: time.Hour},
	}))

	cfg := DefaultConfig()
	cfg.Retry = adapter.RetryPolicy{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	if configure != nil {
		configure(&cfg)
	}
	h.coord = New(h.db, families, testutil.Credentials(), h.events, cfg, h.logs.Logger(),
		WithClock(h.clock.Now),
		WithStateRecorder(func(runID string) *StateRecorder {
			h.pathsMu.Lock()
			defer h.pathsMu.Unlock()
			r := NewStateRecorder()
			h.paths[runID] = r
			return r
		}),
	)
	t.Cleanup(func() {
		_ = h.coord.Shutdown(context.Background())
	})

	testutil.SeedWorker(t, h.db, account, family, 10*time.Minute, 24*time.Hour)
	return h
}

func (h *harness) path(runID string) []string {
	h.pathsMu.Lock()
	defer h.pathsMu.Unlock()
	if r, ok := h.paths[runID]; ok {
		return r.Path()
	}
	return nil
}

func (h *harness) worker(t *testing.T) *db.WorkerConfig {
	t.Helper()
	w, err := h.db.GetWorker(context.Background(), account, family)
	require.NoError(t, err)
	return w
}

func (h *harness) messages(t *testing.T, runID string) []string {
	t.Helper()
	evs, err := h.events.List(context.Background(), runID, 1, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Message)
	}
	return out
}

func TestRunSync_CompletesAndAdvancesCursor(t *testing.T) {
	h := newHarness(t, testutil.Records("o", 0, 3), testutil.Records("o", 3, 5))
	ctx := context.Background()

	result, run, err := h.coord.RunSync(ctx, account, family, db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, result.Outcome)
	require.NotNil(t, run)

	assert.Equal(t, db.RunCompleted, run.Status)
	assert.Equal(t, db.Summary{Fetched: 5, Stored: 5}, run.Summary)
	require.NotNil(t, run.WindowFrom)
	assert.True(t, run.WindowFrom.Equal(t0.Add(-24*time.Hour)))
	assert.True(t, run.WindowTo.Equal(t0))
	assert.Nil(t, run.CursorBefore)

	w := h.worker(t)
	require.NotNil(t, w.CursorValue)
	assert.Equal(t, "2024-01-02T00:00:00Z", *w.CursorValue)
	assert.Nil(t, w.ActiveRunID)
	assert.Nil(t, w.LastError)
	assert.Equal(t, run.ID, *w.LastRunID)

	n, err := h.db.CountRecords(ctx, family, account)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	reqs := h.source.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "", reqs[0].Token)
	assert.Equal(t, "1", reqs[1].Token)
	assert.Equal(t, "test-token-value", reqs[0].Credential.Value)
	assert.Equal(t, 10, reqs[0].PageSize)

	msgs := h.messages(t, run.ID)
	assert.Equal(t, "run queued", msgs[0])
	assert.Contains(t, msgs, "run started")
	assert.Equal(t, "run completed", msgs[len(msgs)-1])

	assert.Equal(t, []string{"running", "completed"}, h.path(run.ID))
	assert.True(t, h.logs.Has(slog.LevelInfo, "state transition"))
}

func TestRunSync_SecondRunOverlapsPreviousCursor(t *testing.T) {
	h := newHarness(t, testutil.Records("o", 0, 2))
	ctx := context.Background()

	_, _, err := h.coord.RunSync(ctx, account, family, db.TriggerManual)
	require.NoError(t, err)

	h.clock.Set(t0.Add(time.Hour))
	_, run, err := h.coord.RunSync(ctx, account, family, db.TriggerScheduler)
	require.NoError(t, err)

	assert.True(t, run.WindowFrom.Equal(time.Date(2024, 1, 1, 23, 50, 0, 0, time.UTC)))
	assert.True(t, run.WindowTo.Equal(time.Date(2024, 1, 2, 1, 0, 0, 0, time.UTC)))
	require.NotNil(t, run.CursorBefore)
	assert.Equal(t, "2024-01-02T00:00:00Z", *run.CursorBefore)
	assert.Equal(t, "2024-01-02T01:00:00Z", *h.worker(t).CursorValue)
}

func TestRunSync_IsIdempotent(t *testing.T) {
	h := newHarness(t, testutil.Records("o", 0, 4), testutil.Records("o", 4, 8))
	ctx := context.Background()

	_, first, err := h.coord.RunSync(ctx, account, family, db.TriggerManual)
	require.NoError(t, err)
	before, err := h.db.ListRecords(ctx, family, account)
	require.NoError(t, err)

	_, second, err := h.coord.RunSync(ctx, account, family, db.TriggerManual)
	require.NoError(t, err)
	after, err := h.db.ListRecords(ctx, family, account)
	require.NoError(t, err)

	assert.Equal(t, db.Summary{Fetched: 8, Stored: 8}, first.Summary)
	assert.Equal(t, db.Summary{Fetched: 8, Updated: 8}, second.Summary)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].NaturalKey, after[i].NaturalKey)
		assert.JSONEq(t, string(before[i].Payload), string(after[i].Payload))
		assert.Equal(t, first.ID, after[i].FirstRunID)
		assert.Equal(t, second.ID, after[i].LastRunID)
	}
}

func TestTriggerRun_ConcurrentTriggersAdmitExactlyOne(t *testing.T) {
	h := newHarness(t, testutil.Records("o", 0, 2))
	ctx := context.Background()

	release := make(chan struct{})
	h.source.BeforePage = func(int) { <-release }

	const callers = 50
	results := make([]TriggerResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.coord.TriggerRun(ctx, account, family, db.TriggerManual)
		}(i)
	}
	wg.Wait()

	var started []string
	skipped := 0
	for i := range results {
		require.NoError(t, errs[i])
		switch results[i].Outcome {
		case OutcomeStarted:
			started = append(started, results[i].RunID)
		case OutcomeSkipped:
			skipped++
		}
	}
	require.Len(t, started, 1)
	assert.Equal(t, callers-1, skipped)
	for _, r := range results {
		assert.Equal(t, started[0], r.RunID)
	}

	close(release)
	h.coord.Wait()

	runs, err := h.db.ListRuns(ctx, db.RunFilter{AccountID: account, DataFamily: family})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, db.RunCompleted, runs[0].Status)
}

func TestTriggerRun_Refusals(t *testing.T) {
	h := newHarness(t, testutil.Records("o", 0, 1))
	ctx := context.Background()

	_, err := h.coord.TriggerRun(ctx, account, "unknown", db.TriggerManual)
	assert.ErrorIs(t, err, adapter.ErrUnknownFamily)

	_, err = h.coord.TriggerRun(ctx, "nobody", family, db.TriggerManual)
	assert.ErrorIs(t, err, ErrWorkerDisabled)

	require.NoError(t, h.db.UpsertWorker(ctx, &db.WorkerConfig{
		AccountID: "acct-2", DataFamily: family, Enabled: false, CursorType: db.CursorTimestamp,
	}, t0))
	_, err = h.coord.TriggerRun(ctx, "acct-2", family, db.TriggerManual)
	assert.ErrorIs(t, err, ErrWorkerDisabled)

	require.NoError(t, h.db.SetGlobalSyncEnabled(ctx, false, t0))
	_, err = h.coord.TriggerRun(ctx, account, family, db.TriggerManual)
	assert.ErrorIs(t, err, ErrSyncDisabled)

	runs, err := h.db.ListRuns(ctx, db.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunSync_CursorNeverRegresses(t *testing.T) {
	h := newHarness(t, testutil.Records("o", 0, 2))
	ctx := context.Background()

	h.clock.Set(t0.Add(2 * time.Hour))
	_, _, err := h.coord.RunSync(ctx, account, family, db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T02:00:00Z", *h.worker(t).CursorValue)

	// A host whose clock runs behind completes a later run.
	h.clock.Set(t0.Add(time.Hour))
	_, run, err := h.coord.RunSync(ctx, account, family, db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, db.RunCompleted, run.Status)
	assert.Equal(t, "2024-01-02T02:00:00Z", *h.worker(t).CursorValue)
}

func TestRunSync_PartialFailureThenRecovery(t *testing.T) {
	pages := make([][]json.RawMessage, 5)
	for i := range pages {
		pages[i] = testutil.Records("r", i*10, i*10+10)
	}
	h := newHarness(t, pages...)
	ctx := context.Background()

	h.source.FailAt = 3
	h.source.Err = adapter.Fatal(errors.New("upstream exploded"))

	_, failed, err := h.coord.RunSync(ctx, account, family, db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, db.RunError, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "upstream exploded")
	assert.Equal(t, 30, failed.Summary.Stored)

	w := h.worker(t)
	assert.Nil(t, w.CursorValue)
	require.NotNil(t, w.LastError)
	assert.Equal(t, 1, w.ConsecutiveFailures)
	assert.Nil(t, w.ActiveRunID)

	n, err := h.db.CountRecords(ctx, family, account)
	require.NoError(t, err)
	assert.Equal(t, 30, n)
	assert.Equal(t, []string{"running", "error"}, h.path(failed.ID))
	assert.Equal(t, "run failed", h.messages(t, failed.ID)[len(h.messages(t, failed.ID))-1])

	h.source.Reset()
	_, recovered, err := h.coord.RunSync(ctx, account, family, db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, db.RunCompleted, recovered.Status)
	assert.Equal(t, db.Summary{Fetched: 50, Stored: 20, Updated: 30}, recovered.Summary)

	n, err = h.db.CountRecords(ctx, family, account)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	w = h.worker(t)
	require.NotNil(t, w.CursorValue)
	assert.Nil(t, w.LastError)
	assert.Equal(t, 0, w.ConsecutiveFailures)
}

func TestReclassifyStale_FreesWorkerForNextTrigger(t *testing.T) {
	h := newHarness(t, testutil.Records("o", 0, 2))
	ctx := context.Background()

	reached := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.source.BeforePage = func(int) {
		once.Do(func() { close(reached) })
		<-release
	}

	first, err := h.coord.TriggerRun(ctx, account, family, db.TriggerScheduler)
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, first.Outcome)
	<-reached

	busy, err := h.coord.TriggerRun(ctx, account, family, db.TriggerScheduler)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, busy.Outcome)

	h.clock.Advance(time.Hour)
	n, err := h.coord.ReclassifyStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	close(release)
	h.coord.Wait()

	stale, err := h.db.GetRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStale, stale.Status)
	assert.Equal(t, []string{"running", "stale"}, h.path(first.RunID))
	assert.Contains(t, h.messages(t, first.RunID), "run reclassified as stale")
	assert.NotContains(t, h.messages(t, first.RunID), "run completed")
	assert.Nil(t, h.worker(t).CursorValue)

	// The page in flight when the run was reclaimed is dropped.
	stored, err := h.db.CountRecords(ctx, family, account)
	require.NoError(t, err)
	assert.Zero(t, stored)

	next, err := h.coord.TriggerRun(ctx, account, family, db.TriggerScheduler)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, next.Outcome)
	assert.NotEqual(t, first.RunID, next.RunID)
	h.coord.Wait()

	done, err := h.db.GetRun(ctx, next.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.RunCompleted, done.Status)
}

func TestCancel_StopsBetweenPages(t *testing.T) {
	h := newHarness(t, testutil.Records("o", 0, 2), testutil.Records("o", 2, 4), testutil.Records("o", 4, 6))
	ctx := context.Background()

	h.source.BeforePage = func(index int) {
		if index != 1 {
			return
		}
		runs, err := h.db.ListRuns(ctx, db.RunFilter{Status: db.RunRunning})
		if err == nil && len(runs) == 1 {
			_ = h.coord.Cancel(ctx, runs[0].ID)
		}
	}

	_, run, err := h.coord.RunSync(ctx, account, family, db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, db.RunCancelled, run.Status)
	assert.Equal(t, 4, run.Summary.Stored)
	assert.Len(t, h.source.Requests(), 2)
	assert.Nil(t, h.worker(t).CursorValue)
	assert.Equal(t, []string{"running", "cancelled"}, h.path(run.ID))

	err = h.coord.Cancel(ctx, run.ID)
	assert.ErrorIs(t, err, db.ErrConflict)
	err = h.coord.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRunSync_SkipsRecordsWithoutKey(t *testing.T) {
	page := []json.RawMessage{
		json.RawMessage(`{"id":"a","value":1}`),
		json.RawMessage(`{"value":2}`),
		json.RawMessage(`{"id":"c","value":3}`),
	}
	h := newHarness(t, page)

	_, run, err := h.coord.RunSync(context.Background(), account, family, db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, db.RunCompleted, run.Status)
	assert.Equal(t, db.Summary{Fetched: 3, Stored: 2, Skipped: 1}, run.Summary)
	assert.Contains(t, h.messages(t, run.ID), "record skipped")
}

func TestRunSync_OpaqueTokenCursorResumes(t *testing.T) {
	h := newHarness(t, testutil.Records("e", 0, 2), testutil.Records("e", 2, 4))
	ctx := context.Background()
	require.NoError(t, h.db.UpsertWorker(ctx, &db.WorkerConfig{
		AccountID: account, DataFamily: "events", Enabled: true, CursorType: db.CursorOpaqueToken,
		InitialBackfillSeconds: 3600,
	}, t0))

	_, run, err := h.coord.RunSync(ctx, account, "events", db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, db.RunCompleted, run.Status)

	w, err := h.db.GetWorker(ctx, account, "events")
	require.NoError(t, err)
	require.NotNil(t, w.CursorValue)
	assert.Equal(t, "checkpoint-1", *w.CursorValue)

	h.source.Reset()
	_, _, err = h.coord.RunSync(ctx, account, "events", db.TriggerManual)
	require.NoError(t, err)
	reqs := h.source.Requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, "checkpoint-1", reqs[0].ResumeToken)
}

func TestShutdown_RefusesNewDispatches(t *testing.T) {
	h := newHarness(t, testutil.Records("o", 0, 1))
	require.NoError(t, h.coord.Shutdown(context.Background()))

	_, err := h.coord.TriggerRun(context.Background(), account, family, db.TriggerManual)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func (h *harness) progressPages(t *testing.T, runID string) []int {
	t.Helper()
	evs, err := h.events.List(context.Background(), runID, 1, 0)
	require.NoError(t, err)
	var pages []int
	for _, ev := range evs {
		if ev.Message != "progress" {
			continue
		}
		var p struct {
			Pages int `json:"pages"`
		}
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		pages = append(pages, p.Pages)
	}
	return pages
}

func TestRunSync_ProgressEveryNPages(t *testing.T) {
	pages := make([][]json.RawMessage, 25)
	for i := range pages {
		pages[i] = testutil.Records("p", i*2, i*2+2)
	}
	h := newHarnessWith(t, func(c *Config) {
		c.ProgressEveryPages = 10
		c.ProgressEvery = 0
	}, pages...)

	_, run, err := h.coord.RunSync(context.Background(), account, family, db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, db.RunCompleted, run.Status)
	assert.Equal(t, []int{10, 20}, h.progressPages(t, run.ID))
}

func TestRunSync_ProgressOnElapsedTimeFirst(t *testing.T) {
	pages := make([][]json.RawMessage, 5)
	for i := range pages {
		pages[i] = testutil.Records("p", i, i+1)
	}
	h := newHarnessWith(t, func(c *Config) {
		c.ProgressEveryPages = 100
		c.ProgressEvery = time.Minute
	}, pages...)
	h.source.BeforePage = func(int) { h.clock.Advance(25 * time.Second) }

	_, run, err := h.coord.RunSync(context.Background(), account, family, db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, db.RunCompleted, run.Status)
	// 25s per page: the minute elapses on page 3, then only 50s more pass.
	assert.Equal(t, []int{3}, h.progressPages(t, run.ID))
}

func TestReclassifyStale_SparesRunsWaitingForASlot(t *testing.T) {
	h := newHarnessWith(t, func(c *Config) { c.MaxConcurrentRuns = 1 },
		testutil.Records("o", 0, 2))
	ctx := context.Background()
	require.NoError(t, h.db.UpsertWorker(ctx, &db.WorkerConfig{
		AccountID: account, DataFamily: "events", Enabled: true, CursorType: db.CursorOpaqueToken,
		InitialBackfillSeconds: 3600,
	}, t0))

	reached := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.source.BeforePage = func(int) {
		once.Do(func() { close(reached) })
		<-release
	}

	busy, err := h.coord.TriggerRun(ctx, account, family, db.TriggerScheduler)
	require.NoError(t, err)
	<-reached

	queued, err := h.coord.TriggerRun(ctx, account, "events", db.TriggerScheduler)
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, queued.Outcome)

	h.clock.Advance(time.Hour)
	n, err := h.coord.ReclassifyStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the run with an old heartbeat is reclaimed")

	waiting, err := h.db.GetRun(ctx, queued.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.RunQueued, waiting.Status)

	close(release)
	h.coord.Wait()

	reclaimed, err := h.db.GetRun(ctx, busy.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStale, reclaimed.Status)

	done, err := h.db.GetRun(ctx, queued.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.RunCompleted, done.Status)
}

func TestRunSync_InterruptedWhileWaitingForSlotIsCancelled(t *testing.T) {
	h := newHarnessWith(t, func(c *Config) { c.MaxConcurrentRuns = 1 },
		testutil.Records("o", 0, 2))
	ctx := context.Background()
	require.NoError(t, h.db.UpsertWorker(ctx, &db.WorkerConfig{
		AccountID: account, DataFamily: "events", Enabled: true, CursorType: db.CursorOpaqueToken,
		InitialBackfillSeconds: 3600,
	}, t0))

	reached := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.source.BeforePage = func(int) {
		once.Do(func() { close(reached) })
		<-release
	}
	_, err := h.coord.TriggerRun(ctx, account, family, db.TriggerScheduler)
	require.NoError(t, err)
	<-reached

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	result, run, err := h.coord.RunSync(waitCtx, account, "events", db.TriggerManual)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, run)
	require.Equal(t, OutcomeStarted, result.Outcome)

	close(release)
	h.coord.Wait()

	cancelled, err := h.db.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.RunCancelled, cancelled.Status)
	assert.Contains(t, h.messages(t, result.RunID), "run cancelled")

	w, err := h.db.GetWorker(ctx, account, "events")
	require.NoError(t, err)
	assert.Nil(t, w.ActiveRunID)

	again, err := h.coord.TriggerRun(ctx, account, "events", db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, again.Outcome)
	h.coord.Wait()
}

func TestRunSync_HeartbeatsWhileRetryingAPage(t *testing.T) {
	h := newHarnessWith(t, func(c *Config) { c.Retry.MaxAttempts = 3 },
		testutil.Records("o", 0, 2))
	ctx := context.Background()

	h.source.FailAt = 0
	h.source.FailTimes = 1
	h.source.Err = adapter.RateLimited(errors.New("429"), time.Millisecond)

	calls := 0
	reclaimed := -1
	h.source.BeforePage = func(int) {
		calls++
		switch calls {
		case 1:
			// The first attempt is slow and then rate limited.
			h.clock.Advance(20 * time.Minute)
		case 2:
			n, err := h.coord.ReclassifyStale(ctx, 15*time.Minute)
			if err == nil {
				reclaimed = n
			}
		}
	}

	_, run, err := h.coord.RunSync(ctx, account, family, db.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)
	assert.Equal(t, db.RunCompleted, run.Status)
	assert.Equal(t, []string{"running", "completed"}, h.path(run.ID))
}
