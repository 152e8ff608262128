package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr(t time.Time) *time.Time { return &t }

var basePolicy = Policy{
	Interval: time.Hour,
	Overlap:  600 * time.Second,
	Backfill: 86400 * time.Second,
}

func TestComputeWindow_NullCursorBackfills(t *testing.T) {
	w := ComputeWindow(nil, basePolicy, ts("2024-01-02T00:00:00Z"))
	assert.Equal(t, ts("2024-01-01T00:00:00Z"), w.From)
	assert.Equal(t, ts("2024-01-02T00:00:00Z"), w.To)
	assert.False(t, w.Capped)
	assert.Zero(t, w.Overlap)
}

func TestComputeWindow_CursorOverlaps(t *testing.T) {
	w := ComputeWindow(ptr(ts("2024-01-02T00:00:00Z")), basePolicy, ts("2024-01-02T01:00:00Z"))
	assert.Equal(t, ts("2024-01-01T23:50:00Z"), w.From)
	assert.Equal(t, ts("2024-01-02T01:00:00Z"), w.To)
	assert.Equal(t, 600*time.Second, w.Overlap)
}

func TestComputeWindow_NeverInTheFuture(t *testing.T) {
	now := ts("2024-01-02T00:00:00Z")
	w := ComputeWindow(ptr(now.Add(time.Hour)), basePolicy, now)
	assert.Equal(t, now, w.To)
	assert.False(t, w.From.After(w.To))
}

func TestComputeWindow_MaxWindowCaps(t *testing.T) {
	p := basePolicy
	p.MaxWindow = 6 * time.Hour

	cursor := ts("2024-01-01T00:00:00Z")
	w := ComputeWindow(&cursor, p, ts("2024-01-02T00:00:00Z"))
	assert.True(t, w.Capped)
	assert.Equal(t, ts("2023-12-31T23:50:00Z"), w.From)
	assert.Equal(t, ts("2024-01-01T06:00:00Z"), w.To)

	w = ComputeWindow(nil, p, ts("2024-01-02T00:00:00Z"))
	assert.True(t, w.Capped)
	assert.Equal(t, ts("2024-01-01T00:00:00Z"), w.From)
	assert.Equal(t, ts("2024-01-01T06:00:00Z"), w.To)
}

func TestComputeWindow_MaxWindowNotReached(t *testing.T) {
	p := basePolicy
	p.MaxWindow = 6 * time.Hour
	w := ComputeWindow(ptr(ts("2024-01-02T00:00:00Z")), p, ts("2024-01-02T01:00:00Z"))
	assert.False(t, w.Capped)
	assert.Equal(t, ts("2024-01-02T01:00:00Z"), w.To)
}

func TestDue(t *testing.T) {
	now := ts("2024-01-02T12:00:00Z")
	p := basePolicy
	p.MaxFailureBackoff = 6 * time.Hour

	tests := []struct {
		name   string
		state  DueState
		due    bool
		reason Reason
	}{
		{"disabled", DueState{Enabled: false}, false, ReasonDisabled},
		{"in flight", DueState{Enabled: true, InFlight: true}, false, ReasonInFlight},
		{"never run", DueState{Enabled: true}, true, ReasonNeverRun},
		{"interval not elapsed", DueState{Enabled: true, LastRunAt: ptr(now.Add(-30 * time.Minute))}, false, ReasonWaiting},
		{"interval elapsed", DueState{Enabled: true, LastRunAt: ptr(now.Add(-time.Hour))}, true, ReasonInterval},
		{"capped window catches up", DueState{Enabled: true, LastRunAt: ptr(now.Add(-time.Minute)), LastWindowCapped: true}, true, ReasonCatchUp},
		{"one failure waits two intervals", DueState{Enabled: true, LastRunAt: ptr(now.Add(-90 * time.Minute)), ConsecutiveFailures: 1}, false, ReasonWaiting},
		{"one failure after two intervals", DueState{Enabled: true, LastRunAt: ptr(now.Add(-2 * time.Hour)), ConsecutiveFailures: 1}, true, ReasonBackoff},
		{"many failures hit the cap", DueState{Enabled: true, LastRunAt: ptr(now.Add(-6 * time.Hour)), ConsecutiveFailures: 10}, true, ReasonBackoff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			due, reason := Due(tt.state, p, now)
			assert.Equal(t, tt.due, due)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestRetryDelay(t *testing.T) {
	p := Policy{Interval: time.Minute, MaxFailureBackoff: 10 * time.Minute}
	assert.Equal(t, time.Minute, RetryDelay(p, 0))
	assert.Equal(t, 2*time.Minute, RetryDelay(p, 1))
	assert.Equal(t, 8*time.Minute, RetryDelay(p, 3))
	assert.Equal(t, 10*time.Minute, RetryDelay(p, 4))
	assert.Equal(t, 10*time.Minute, RetryDelay(p, 200))

	p.MaxFailureBackoff = 0
	assert.Equal(t, time.Minute, RetryDelay(p, 5))
}

func TestProject(t *testing.T) {
	now := ts("2024-01-02T00:00:00Z")
	windows := Project(nil, basePolicy, now, 3)
	require.Len(t, windows, 3)

	assert.Equal(t, ts("2024-01-01T00:00:00Z"), windows[0].From)
	assert.Equal(t, now, windows[0].To)
	assert.Equal(t, now.Add(-10*time.Minute), windows[1].From)
	assert.Equal(t, now.Add(time.Hour), windows[1].To)
	assert.Equal(t, now.Add(50*time.Minute), windows[2].From)
	assert.Equal(t, now.Add(2*time.Hour), windows[2].To)
}

func TestProject_CatchUpChainsCappedWindows(t *testing.T) {
	p := basePolicy
	p.MaxWindow = 12 * time.Hour
	now := ts("2024-01-02T00:00:00Z")

	windows := Project(nil, p, now, 3)
	require.Len(t, windows, 3)
	assert.True(t, windows[0].Capped)
	assert.Equal(t, ts("2024-01-01T12:00:00Z"), windows[0].To)
	assert.False(t, windows[1].Capped)
	assert.Equal(t, now, windows[1].To, "catch-up run happens at the same instant")
	assert.Equal(t, now.Add(time.Hour), windows[2].To)
}

func TestProject_DoesNotMutateCursor(t *testing.T) {
	cursor := ts("2024-01-02T00:00:00Z")
	orig := cursor
	Project(&cursor, basePolicy, cursor.Add(time.Hour), 5)
	assert.Equal(t, orig, cursor)
}
