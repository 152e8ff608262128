// Package planner computes fetch windows and decides when a worker is due.
// Everything here is a pure function of its inputs.
package planner

import (
	"time"
)

// Policy is the scheduling policy of one (account, family) worker.
type Policy struct {
	// Interval between successful runs.
	Interval time.Duration
	// Overlap re-scans the tail of the previous window.
	Overlap time.Duration
	// Backfill is how far back the first run reaches.
	Backfill time.Duration
	// MaxWindow bounds the un-overlapped span of a single run. Zero means unbounded.
	MaxWindow time.Duration
	// MaxFailureBackoff caps the retry delay after consecutive failures. Zero
	// means the delay is never widened.
	MaxFailureBackoff time.Duration
}

// Window is the time range one run fetches.
type Window struct {
	From    time.Time     `json:"from"`
	To      time.Time     `json:"to"`
	Overlap time.Duration `json:"overlap"`
	// Capped is set when To was pulled back by MaxWindow and the worker still
	// lags behind now.
	Capped bool `json:"capped"`
}

// ComputeWindow returns the window for the next run given the worker cursor.
// A nil cursor starts a backfill. To never exceeds now.
func ComputeWindow(cursor *time.Time, p Policy, now time.Time) Window {
	now = now.UTC()

	var start time.Time
	w := Window{}
	if cursor == nil {
		start = now.Add(-p.Backfill)
		w.From = start
	} else {
		start = cursor.UTC()
		w.From = start.Add(-p.Overlap)
		w.Overlap = p.Overlap
	}
	w.To = now

	if p.MaxWindow > 0 && now.Sub(start) > p.MaxWindow {
		w.To = start.Add(p.MaxWindow)
		w.Capped = true
	}
	if w.To.After(now) {
		w.To = now
	}
	if w.From.After(w.To) {
		w.From = w.To
	}
	return w
}

// Reason explains a Due decision.
type Reason string

const (
	ReasonNeverRun Reason = "never_run"
	ReasonCatchUp  Reason = "catch_up"
	ReasonInterval Reason = "interval_elapsed"
	ReasonBackoff  Reason = "failure_backoff_elapsed"
	ReasonWaiting  Reason = "waiting"
	ReasonInFlight Reason = "in_flight"
	ReasonDisabled Reason = "disabled"
)

// DueState is the slice of worker state the due check needs.
type DueState struct {
	Enabled             bool
	InFlight            bool
	LastRunAt           *time.Time
	ConsecutiveFailures int
	LastWindowCapped    bool
}

// Due reports whether a run should be triggered at now.
func Due(s DueState, p Policy, now time.Time) (bool, Reason) {
	switch {
	case !s.Enabled:
		return false, ReasonDisabled
	case s.InFlight:
		return false, ReasonInFlight
	case s.LastRunAt == nil:
		return true, ReasonNeverRun
	case s.ConsecutiveFailures == 0 && s.LastWindowCapped:
		return true, ReasonCatchUp
	}

	delay := RetryDelay(p, s.ConsecutiveFailures)
	if now.Before(s.LastRunAt.Add(delay)) {
		return false, ReasonWaiting
	}
	if s.ConsecutiveFailures > 0 {
		return true, ReasonBackoff
	}
	return true, ReasonInterval
}

// RetryDelay is the wait after the last run: Interval after a success and
// Interval*2^failures, capped at MaxFailureBackoff, after consecutive failures.
func RetryDelay(p Policy, failures int) time.Duration {
	if failures <= 0 || p.MaxFailureBackoff <= 0 || p.Interval <= 0 {
		return p.Interval
	}
	delay := p.Interval
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= p.MaxFailureBackoff || delay <= 0 {
			return max(p.MaxFailureBackoff, p.Interval)
		}
	}
	return delay
}

// Project returns the next k windows assuming every run succeeds on schedule.
// It has no side effects.
func Project(cursor *time.Time, p Policy, now time.Time, k int) []Window {
	windows := make([]Window, 0, max(k, 0))
	for i := 0; i < k; i++ {
		w := ComputeWindow(cursor, p, now)
		windows = append(windows, w)

		to := w.To
		cursor = &to
		if !w.Capped {
			if p.Interval <= 0 {
				break
			}
			now = now.Add(p.Interval)
		}
	}
	return windows
}
