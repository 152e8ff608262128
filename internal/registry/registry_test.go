package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/tideline/internal/adapter"
	"github.com/livinlefevreloca/tideline/internal/db"
	"github.com/livinlefevreloca/tideline/internal/planner"
	"github.com/livinlefevreloca/tideline/internal/testutil"
)

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *db.DB) {
	t.Helper()
	database := testutil.NewDB(t)
	families := adapter.NewRegistry()
	require.NoError(t, families.Register(adapter.Family{
		Name:    "orders",
		Adapter: testutil.NewScriptedAdapter(),
		Keys:    adapter.FieldKeyResolver{Paths: []string{"id"}},
		Policy: planner.Policy{
			Interval:          time.Hour,
			Overlap:           10 * time.Minute,
			Backfill:          24 * time.Hour,
			MaxFailureBackoff: 8 * time.Hour,
		},
	}))

	r := New(database, families, nil)
	clock := testutil.NewMockClock(t0)
	r.now = clock.Now
	return r, database
}

func TestSetEnabled_CreatesWithFamilyDefaults(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	w, err := r.SetEnabled(ctx, "acct", "orders", true)
	require.NoError(t, err)
	assert.True(t, w.Enabled)
	assert.Equal(t, db.CursorTimestamp, w.CursorType)
	assert.Nil(t, w.CursorValue)
	assert.Equal(t, 600, w.OverlapSeconds)
	assert.Equal(t, 86400, w.InitialBackfillSeconds)

	w, err = r.SetEnabled(ctx, "acct", "orders", false)
	require.NoError(t, err)
	assert.False(t, w.Enabled)

	_, err = r.SetEnabled(ctx, "acct", "unknown", true)
	assert.ErrorIs(t, err, adapter.ErrUnknownFamily)
}

func TestSetEnabled_KeepsCursor(t *testing.T) {
	r, database := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.SetEnabled(ctx, "acct", "orders", true)
	require.NoError(t, err)
	_, err = database.AdmitRun(ctx, &db.Run{ID: "r1", AccountID: "acct", DataFamily: "orders", TriggeredBy: db.TriggerManual, CreatedAt: t0})
	require.NoError(t, err)
	cursor := "2024-01-02T00:00:00Z"
	_, err = database.FinishRun(ctx, db.FinishParams{RunID: "r1", Status: db.RunCompleted, CursorAfter: &cursor, Now: t0})
	require.NoError(t, err)

	_, err = r.SetEnabled(ctx, "acct", "orders", false)
	require.NoError(t, err)
	w, err := r.SetEnabled(ctx, "acct", "orders", true)
	require.NoError(t, err)
	require.NotNil(t, w.CursorValue)
	assert.Equal(t, cursor, *w.CursorValue)
}

func TestSetPolicy(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.SetPolicy(ctx, "acct", "orders", time.Minute, time.Hour)
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, err = r.SetEnabled(ctx, "acct", "orders", true)
	require.NoError(t, err)
	w, err := r.SetPolicy(ctx, "acct", "orders", 5*time.Minute, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 300, w.OverlapSeconds)
	assert.Equal(t, 7200, w.InitialBackfillSeconds)

	_, err = r.SetPolicy(ctx, "acct", "orders", -time.Minute, time.Hour)
	assert.Error(t, err)
}

func TestGlobalToggle(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	on, err := r.GlobalEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, r.SetGlobalEnabled(ctx, false))
	on, err = r.GlobalEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestListRecentRuns_NewestFirst(t *testing.T) {
	r, database := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.SetEnabled(ctx, "acct", "orders", true)
	require.NoError(t, err)

	for i, id := range []string{"r1", "r2", "r3"} {
		at := t0.Add(time.Duration(i) * time.Minute)
		_, err := database.AdmitRun(ctx, &db.Run{ID: id, AccountID: "acct", DataFamily: "orders", TriggeredBy: db.TriggerManual, CreatedAt: at})
		require.NoError(t, err)
		_, err = database.FinishRun(ctx, db.FinishParams{RunID: id, Status: db.RunCancelled, Now: at})
		require.NoError(t, err)
	}

	runs, err := r.ListRecentRuns(ctx, "acct", "", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r3", runs[0].ID)
	assert.Equal(t, "r2", runs[1].ID)

	runs, err = r.ListRecentRuns(ctx, "acct", "orders", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	run, err := r.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, db.RunCancelled, run.Status)
}

func TestProjectSchedule(t *testing.T) {
	r, database := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.SetEnabled(ctx, "acct", "orders", true)
	require.NoError(t, err)

	p, err := r.ProjectSchedule(ctx, "acct", "orders", 3)
	require.NoError(t, err)
	assert.True(t, p.NextRunAt.Equal(t0))
	require.Len(t, p.Windows, 3)
	assert.True(t, p.Windows[0].From.Equal(t0.Add(-24*time.Hour)))
	assert.True(t, p.Windows[0].To.Equal(t0))
	assert.True(t, p.Windows[1].From.Equal(t0.Add(-10*time.Minute)))
	assert.True(t, p.Windows[1].To.Equal(t0.Add(time.Hour)))

	// After a failure the first projected run waits out the backoff.
	_, err = database.AdmitRun(ctx, &db.Run{ID: "r1", AccountID: "acct", DataFamily: "orders", TriggeredBy: db.TriggerManual, CreatedAt: t0})
	require.NoError(t, err)
	msg := "boom"
	_, err = database.FinishRun(ctx, db.FinishParams{RunID: "r1", Status: db.RunError, Error: &msg, Now: t0})
	require.NoError(t, err)

	p, err = r.ProjectSchedule(ctx, "acct", "orders", 1)
	require.NoError(t, err)
	assert.True(t, p.NextRunAt.Equal(t0.Add(2*time.Hour)))

	runs, err := database.ListRuns(ctx, db.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = r.ProjectSchedule(ctx, "acct", "orders", 0)
	assert.Error(t, err)
}
