package coordinator

import (
	"github.com/livinlefevreloca/tideline/internal/db"
	"github.com/livinlefevreloca/tideline/internal/planner"
)

// State is the interface that all run states implement. Transitions are
// methods on the source state, so an illegal transition does not compile.
type State interface {
	Name() string
	Status() db.RunStatus
}

// QueuedState - admitted, waiting for a worker slot
type QueuedState struct{}

func (s *QueuedState) Name() string         { return "queued" }
func (s *QueuedState) Status() db.RunStatus { return db.RunQueued }
func (s *QueuedState) ToRunning(w planner.Window) *RunningState {
	return &RunningState{Window: w}
}
func (s *QueuedState) ToError(err error) *ErrorState {
	return &ErrorState{Err: err}
}
func (s *QueuedState) ToCancelled(reason string) *CancelledState {
	return &CancelledState{Reason: reason}
}
func (s *QueuedState) ToStale() *StaleState {
	return &StaleState{}
}

// RunningState - paging through the window
type RunningState struct {
	Window planner.Window
}

func (s *RunningState) Name() string         { return "running" }
func (s *RunningState) Status() db.RunStatus { return db.RunRunning }
func (s *RunningState) ToCompleted() *CompletedState {
	return &CompletedState{Window: s.Window}
}
func (s *RunningState) ToError(err error) *ErrorState {
	return &ErrorState{Err: err}
}
func (s *RunningState) ToCancelled(reason string) *CancelledState {
	return &CancelledState{Reason: reason}
}
func (s *RunningState) ToStale() *StaleState {
	return &StaleState{}
}

// CompletedState - every page committed, cursor may advance
type CompletedState struct {
	Window planner.Window
}

func (s *CompletedState) Name() string         { return "completed" }
func (s *CompletedState) Status() db.RunStatus { return db.RunCompleted }

// ErrorState - aborted, cursor untouched
type ErrorState struct {
	Err error
}

func (s *ErrorState) Name() string         { return "error" }
func (s *ErrorState) Status() db.RunStatus { return db.RunError }

// CancelledState - stopped between pages on request
type CancelledState struct {
	Reason string
}

func (s *CancelledState) Name() string         { return "cancelled" }
func (s *CancelledState) Status() db.RunStatus { return db.RunCancelled }

// StaleState - ownership lost to the stale scanner; nothing more is written
type StaleState struct{}

func (s *StaleState) Name() string         { return "stale" }
func (s *StaleState) Status() db.RunStatus { return db.RunStale }

// StateRecorder tracks state transitions for testing
type StateRecorder struct {
	path []string
}

func NewStateRecorder() *StateRecorder {
	return &StateRecorder{path: make([]string, 0)}
}

func (r *StateRecorder) Record(state State) {
	r.path = append(r.path, state.Name())
}

func (r *StateRecorder) Path() []string {
	return r.path
}
