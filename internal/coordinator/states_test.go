package coordinator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/livinlefevreloca/tideline/internal/db"
	"github.com/livinlefevreloca/tideline/internal/planner"
)

func TestStateTransitions_HappyPath(t *testing.T) {
	recorder := NewStateRecorder()

	queued := &QueuedState{}
	recorder.Record(queued)
	running := queued.ToRunning(planner.Window{})
	recorder.Record(running)
	completed := running.ToCompleted()
	recorder.Record(completed)

	assert.Equal(t, []string{"queued", "running", "completed"}, recorder.Path())
	assert.True(t, completed.Status().Terminal())
}

func TestStateTransitions_TerminalStatuses(t *testing.T) {
	running := &RunningState{}

	cases := []struct {
		state  State
		status db.RunStatus
	}{
		{running.ToCompleted(), db.RunCompleted},
		{running.ToError(errors.New("boom")), db.RunError},
		{running.ToCancelled("requested"), db.RunCancelled},
		{running.ToStale(), db.RunStale},
		{(&QueuedState{}).ToStale(), db.RunStale},
		{(&QueuedState{}).ToCancelled("requested before start"), db.RunCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.state.Name(), func(t *testing.T) {
			assert.Equal(t, tc.status, tc.state.Status())
			assert.Equal(t, string(tc.status), tc.state.Name())
			assert.True(t, tc.state.Status().Terminal())
		})
	}
}
