package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/tideline/internal/adapter"
	"github.com/livinlefevreloca/tideline/internal/credentials"
	"github.com/livinlefevreloca/tideline/internal/db"
	"github.com/livinlefevreloca/tideline/internal/eventlog"
	"github.com/livinlefevreloca/tideline/internal/observability"
	"github.com/livinlefevreloca/tideline/internal/planner"
)

// maxShapeWarnings bounds the per-record warning events a single run emits.
const maxShapeWarnings = 20

// execution is a single attempt to sync one run's window
type execution struct {
	c       *Coordinator
	run     *db.Run
	family  adapter.Family
	fetcher *adapter.Fetcher
	logger  *slog.Logger

	state    State
	recorder *StateRecorder
	// cancel interrupts the fetch in flight once ownership is lost.
	cancel context.CancelFunc

	worker     *db.WorkerConfig
	credential credentials.Token
	startedAt  time.Time

	summary       db.Summary
	pages         int
	checkpoint    string
	shapeWarnings int
}

func newExecution(c *Coordinator, run *db.Run, family adapter.Family) *execution {
	logger := c.logger.With("run_id", run.ID, "account_id", run.AccountID, "family", run.DataFamily)
	e := &execution{
		c:       c,
		run:     run,
		family:  family,
		fetcher: adapter.NewFetcher(family.Name, family.Adapter, c.creds, c.config.Retry, logger),
		logger:  logger,
		state:   &QueuedState{},
		summary: run.Summary,
	}
	e.fetcher.OnRetry(e.retryHeartbeat)
	return e
}

// transitionTo performs a state transition and logs it
func (e *execution) transitionTo(newState State) {
	oldStateName := e.state.Name()
	e.state = newState

	if e.recorder != nil {
		e.recorder.Record(newState)
	}

	e.logger.Info("state transition", "from", oldStateName, "to", newState.Name())
}

// drive is the main execution loop. Durable writes use a context detached from
// ctx so that a shutdown still records the outcome.
func (e *execution) drive(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("execution panic recovered", "panic", r)
			e.transitionTo(&ErrorState{Err: fmt.Errorf("panic: %v", r)})
			e.runError(ctx)
		}
	}()

	for {
		switch e.state.(type) {
		case *QueuedState:
			e.runQueued(ctx)
		case *RunningState:
			e.runRunning(ctx)
		case *CompletedState:
			e.runCompleted(ctx)
			return
		case *ErrorState:
			e.runError(ctx)
			return
		case *CancelledState:
			e.runCancelled(ctx)
			return
		case *StaleState:
			e.runStale()
			return
		default:
			e.logger.Error("unknown state type", "state", fmt.Sprintf("%T", e.state))
			e.transitionTo(&ErrorState{Err: fmt.Errorf("unknown state %T", e.state)})
		}
	}
}

// runQueued computes the window and claims the running slot
func (e *execution) runQueued(ctx context.Context) {
	state := e.state.(*QueuedState)
	wctx := context.WithoutCancel(ctx)

	if e.run.Status != db.RunQueued {
		e.logger.Warn("run is no longer queued", "status", e.run.Status)
		e.transitionTo(state.ToStale())
		return
	}
	if e.run.CancelRequested {
		e.transitionTo(state.ToCancelled("requested before start"))
		return
	}

	worker, err := e.c.db.GetWorker(wctx, e.run.AccountID, e.run.DataFamily)
	if err != nil {
		e.transitionTo(state.ToError(fmt.Errorf("load worker: %w", err)))
		return
	}
	e.worker = worker

	window, err := e.window(e.c.now())
	if err != nil {
		e.transitionTo(state.ToError(err))
		return
	}

	tok, err := e.fetcher.Credential(ctx, e.run.AccountID)
	if err != nil {
		e.transitionTo(state.ToError(err))
		return
	}
	e.credential = tok

	e.startedAt = e.c.now()
	err = e.c.db.StartRun(wctx, db.StartParams{
		RunID:        e.run.ID,
		WindowFrom:   window.From,
		WindowTo:     window.To,
		CursorBefore: worker.CursorValue,
		Now:          e.startedAt,
	})
	if err != nil {
		if db.IsConflict(err) {
			if current, gerr := e.c.db.GetRun(wctx, e.run.ID); gerr == nil && current.Status != db.RunQueued {
				e.logger.Warn("run left queued before it could start", "status", current.Status)
				e.transitionTo(state.ToStale())
				return
			}
		}
		e.transitionTo(state.ToError(fmt.Errorf("start run: %w", err)))
		return
	}

	observability.RecordRunStarted()
	e.c.event(ctx, e.run.ID, eventlog.LevelInfo, "run started", map[string]any{
		"window_from":   window.From,
		"window_to":     window.To,
		"overlap":       window.Overlap.String(),
		"window_capped": window.Capped,
		"cursor_before": worker.CursorValue,
		"credential":    tok.Redacted(),
	})
	e.transitionTo(state.ToRunning(window))
}

// window derives the run's window from the worker's stored cursor
func (e *execution) window(now time.Time) (planner.Window, error) {
	policy := e.family.PolicyFor(e.worker)

	var cursor *time.Time
	if e.worker.CursorValue != nil {
		switch e.family.CursorType {
		case db.CursorTimestamp:
			t, err := time.Parse(time.RFC3339Nano, *e.worker.CursorValue)
			if err != nil {
				return planner.Window{}, fmt.Errorf("stored cursor %q: %w", *e.worker.CursorValue, err)
			}
			cursor = &t
		case db.CursorOpaqueToken:
			// The token drives the fetch; the window only documents the span.
			cursor = e.worker.LastRunAt
		}
	}
	return planner.ComputeWindow(cursor, policy, now), nil
}

// runRunning pages through the window until the source is exhausted
func (e *execution) runRunning(ctx context.Context) {
	state := e.state.(*RunningState)
	wctx := context.WithoutCancel(ctx)

	req := adapter.Request{
		AccountID:  e.run.AccountID,
		Family:     e.run.DataFamily,
		Window:     state.Window,
		PageSize:   e.family.PageSize,
		Credential: e.credential,
	}
	if e.family.CursorType == db.CursorOpaqueToken && e.worker.CursorValue != nil {
		req.ResumeToken = *e.worker.CursorValue
	}

	lastProgress := e.c.now()
	sinceProgress := 0
	for {
		cancelRequested, err := e.c.db.HeartbeatRun(wctx, e.run.ID, e.summary, e.c.now())
		if err != nil {
			if db.IsConflict(err) {
				e.transitionTo(state.ToStale())
				return
			}
			e.transitionTo(state.ToError(fmt.Errorf("heartbeat: %w", err)))
			return
		}
		if cancelRequested {
			e.transitionTo(state.ToCancelled("requested"))
			return
		}
		if ctx.Err() != nil {
			e.transitionTo(state.ToCancelled("shutdown"))
			return
		}

		page, err := e.fetcher.Fetch(ctx, &req)
		if !e.stillOwned(ctx, wctx, state) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			e.transitionTo(state.ToError(fmt.Errorf("page %d: %w", e.pages+1, err)))
			return
		}

		pageSummary, err := e.storePage(wctx, page)
		if err != nil {
			e.transitionTo(state.ToError(fmt.Errorf("page %d: %w", e.pages+1, err)))
			return
		}
		e.summary.Add(pageSummary)
		e.pages++
		if page.Checkpoint != "" {
			e.checkpoint = page.Checkpoint
		}

		sinceProgress++
		now := e.c.now()
		if e.progressDue(sinceProgress, now.Sub(lastProgress)) {
			e.c.event(ctx, e.run.ID, eventlog.LevelInfo, "progress", e.progress())
			sinceProgress = 0
			lastProgress = now
		}

		if page.NextToken == "" {
			if !e.stillOwned(ctx, wctx, state) {
				return
			}
			e.transitionTo(state.ToCompleted())
			return
		}
		req.Token = page.NextToken
	}
}

// stillOwned re-heartbeats once ctx has ended, since that is how the stale
// scanner interrupts an execution. It transitions and returns false when the
// run was taken away.
func (e *execution) stillOwned(ctx, wctx context.Context, state *RunningState) bool {
	if ctx.Err() == nil {
		return true
	}
	_, err := e.c.db.HeartbeatRun(wctx, e.run.ID, e.summary, e.c.now())
	switch {
	case err == nil:
		return true
	case db.IsConflict(err):
		e.transitionTo(state.ToStale())
	default:
		e.transitionTo(state.ToError(fmt.Errorf("heartbeat: %w", err)))
	}
	return false
}

// retryHeartbeat keeps heartbeat_at fresh while a single page backs off.
// Losing the run interrupts the retry loop.
func (e *execution) retryHeartbeat(ctx context.Context) {
	_, err := e.c.db.HeartbeatRun(context.WithoutCancel(ctx), e.run.ID, e.summary, e.c.now())
	if err == nil {
		return
	}
	if db.IsConflict(err) {
		e.logger.Warn("run lost ownership while retrying a page")
		if e.cancel != nil {
			e.cancel()
		}
		return
	}
	e.logger.Warn("heartbeat during retry failed", "error", err)
}

func (e *execution) progressDue(pages int, elapsed time.Duration) bool {
	if n := e.c.config.ProgressEveryPages; n > 0 && pages >= n {
		return true
	}
	if d := e.c.config.ProgressEvery; d > 0 && elapsed >= d {
		return true
	}
	return false
}

func (e *execution) progress() map[string]any {
	return map[string]any{
		"pages":   e.pages,
		"fetched": e.summary.Fetched,
		"stored":  e.summary.Stored,
		"updated": e.summary.Updated,
		"skipped": e.summary.Skipped,
	}
}

// storePage resolves natural keys and upserts one page in a single
// transaction. Records without a usable key are skipped with a warning.
func (e *execution) storePage(ctx context.Context, page adapter.Page) (db.Summary, error) {
	records := make([]db.Record, 0, len(page.Records))
	skipped := 0
	for i, raw := range page.Records {
		key, err := e.family.Keys.ResolveKey(raw)
		if err != nil {
			if !adapter.IsDataShape(err) {
				return db.Summary{}, fmt.Errorf("resolve key: %w", err)
			}
			skipped++
			e.shapeWarnings++
			if e.shapeWarnings <= maxShapeWarnings {
				e.c.event(ctx, e.run.ID, eventlog.LevelWarn, "record skipped", map[string]any{
					"page":   e.pages + 1,
					"index":  i,
					"reason": err.Error(),
				})
			}
			continue
		}
		records = append(records, db.Record{NaturalKey: key, Payload: raw})
	}

	up, err := e.c.db.UpsertRecords(ctx, e.run.DataFamily, e.run.AccountID, e.run.ID, records, e.c.now())
	if err != nil {
		return db.Summary{}, fmt.Errorf("upsert: %w", err)
	}
	observability.RecordUpsert(e.run.DataFamily, up.Stored, up.Updated, skipped)

	return db.Summary{
		Fetched: len(page.Records),
		Stored:  up.Stored,
		Updated: up.Updated,
		Skipped: skipped,
	}, nil
}

// runCompleted records success and advances the cursor
func (e *execution) runCompleted(ctx context.Context) {
	state := e.state.(*CompletedState)

	var cursorAfter *string
	switch e.family.CursorType {
	case db.CursorTimestamp:
		v := db.Timestamp(state.Window.To).Format(time.RFC3339Nano)
		cursorAfter = &v
	case db.CursorOpaqueToken:
		if e.checkpoint != "" {
			v := e.checkpoint
			cursorAfter = &v
		}
	}

	run, ok := e.finish(ctx, db.FinishParams{
		RunID:        e.run.ID,
		Status:       db.RunCompleted,
		Summary:      e.summary,
		CursorAfter:  cursorAfter,
		WindowCapped: state.Window.Capped,
	})
	if !ok {
		return
	}

	if e.family.CursorType == db.CursorTimestamp && run.CursorAfter != nil {
		if t, err := time.Parse(time.RFC3339Nano, *run.CursorAfter); err == nil {
			observability.RecordCursor(e.run.AccountID, e.run.DataFamily, t)
		}
	}

	payload := e.progress()
	payload["cursor_after"] = run.CursorAfter
	payload["window_capped"] = state.Window.Capped
	e.c.event(ctx, e.run.ID, eventlog.LevelInfo, "run completed", payload)
}

// runError records the failure and leaves the cursor alone
func (e *execution) runError(ctx context.Context) {
	state := e.state.(*ErrorState)
	msg := state.Err.Error()

	if _, ok := e.finish(ctx, db.FinishParams{
		RunID:   e.run.ID,
		Status:  db.RunError,
		Summary: e.summary,
		Error:   &msg,
	}); !ok {
		return
	}

	e.logger.Error("run failed", "error", state.Err)
	payload := e.progress()
	payload["error"] = msg
	payload["kind"] = adapter.KindOf(state.Err)
	e.c.event(ctx, e.run.ID, eventlog.LevelError, "run failed", payload)
}

// runCancelled records the cancellation and leaves the cursor alone
func (e *execution) runCancelled(ctx context.Context) {
	state := e.state.(*CancelledState)

	if _, ok := e.finish(ctx, db.FinishParams{
		RunID:   e.run.ID,
		Status:  db.RunCancelled,
		Summary: e.summary,
	}); !ok {
		return
	}

	payload := e.progress()
	payload["reason"] = state.Reason
	e.c.event(ctx, e.run.ID, eventlog.LevelInfo, "run cancelled", payload)
}

// runStale abandons a run whose ownership was taken away. The scanner has
// already recorded the outcome; nothing more is written.
func (e *execution) runStale() {
	e.logger.Warn("run lost ownership, abandoning", "pages", e.pages)
}

// finish persists a terminal status. It reports false when the run had
// already been moved to a terminal state by someone else.
func (e *execution) finish(ctx context.Context, p db.FinishParams) (*db.Run, bool) {
	p.Now = e.c.now()
	run, err := e.c.db.FinishRun(context.WithoutCancel(ctx), p)
	if err != nil {
		if db.IsConflict(err) {
			e.logger.Warn("run outcome discarded, run already terminal", "status", p.Status)
		} else {
			e.logger.Error("failed to record run outcome", "status", p.Status, "error", err)
		}
		return nil, false
	}

	started := e.startedAt
	if started.IsZero() {
		started = e.run.CreatedAt
	}
	observability.RecordRunFinished(e.run.DataFamily, string(p.Status), started)
	e.logger.Info("run finished",
		"status", p.Status, "pages", e.pages,
		"fetched", e.summary.Fetched, "stored", e.summary.Stored, "updated", e.summary.Updated)
	return run, true
}
