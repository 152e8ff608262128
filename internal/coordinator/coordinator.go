// Package coordinator admits runs, executes them on a bounded pool and owns
// every write to a worker's cursor.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/livinlefevreloca/tideline/internal/adapter"
	"github.com/livinlefevreloca/tideline/internal/credentials"
	"github.com/livinlefevreloca/tideline/internal/db"
	"github.com/livinlefevreloca/tideline/internal/eventlog"
	"github.com/livinlefevreloca/tideline/internal/observability"
)

var (
	ErrSyncDisabled   = db.ErrSyncDisabled
	ErrWorkerDisabled = db.ErrWorkerDisabled
	ErrShuttingDown   = errors.New("coordinator: shutting down")
)

// Outcome of a trigger request.
type Outcome string

const (
	OutcomeStarted Outcome = "started"
	OutcomeSkipped Outcome = "skipped"
)

// TriggerResult reports what a trigger did. For a skipped trigger RunID is the
// run that already holds the worker.
type TriggerResult struct {
	Outcome Outcome `json:"outcome"`
	RunID   string  `json:"run_id"`
}

// Config holds the coordinator's tunables.
type Config struct {
	MaxConcurrentRuns  int
	ProgressEveryPages int
	ProgressEvery      time.Duration
	Retry              adapter.RetryPolicy
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRuns:  4,
		ProgressEveryPages: 10,
		ProgressEvery:      30 * time.Second,
		Retry:              adapter.DefaultRetryPolicy(),
	}
}

// Coordinator runs syncs for registered families.
type Coordinator struct {
	db       *db.DB
	families *adapter.Registry
	creds    credentials.Provider
	events   *eventlog.Log
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	pool *semaphore.Weighted
	wg   sync.WaitGroup

	// baseCtx parents every dispatched execution; stop cancels it on shutdown.
	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	waiting  map[string]struct{}
	closed   bool
	recorder func(runID string) *StateRecorder
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithStateRecorder installs a hook returning a recorder for each execution.
func WithStateRecorder(fn func(runID string) *StateRecorder) Option {
	return func(c *Coordinator) { c.recorder = fn }
}

// New creates a coordinator.
func New(
	database *db.DB,
	families *adapter.Registry,
	creds credentials.Provider,
	events *eventlog.Log,
	config Config,
	logger *slog.Logger,
	opts ...Option,
) *Coordinator {
	if config.MaxConcurrentRuns <= 0 {
		config.MaxConcurrentRuns = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())

	c := &Coordinator{
		db:       database,
		families: families,
		creds:    creds,
		events:   events,
		config:   config,
		logger:   logger,
		now:      time.Now,
		pool:     semaphore.NewWeighted(int64(config.MaxConcurrentRuns)),
		baseCtx:  ctx,
		stop:     stop,
		running:  make(map[string]context.CancelFunc),
		waiting:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TriggerRun admits a run for the worker and hands it to the pool. Losing the
// admission race is not an error: the result is skipped and names the run
// that holds the worker.
func (c *Coordinator) TriggerRun(ctx context.Context, accountID, family string, triggeredBy db.TriggerSource) (TriggerResult, error) {
	run, result, err := c.admit(ctx, accountID, family, triggeredBy)
	if err != nil || result.Outcome == OutcomeSkipped {
		return result, err
	}

	if !c.dispatch(run.ID) {
		return result, ErrShuttingDown
	}
	return result, nil
}

// RunSync admits a run and executes it on the calling goroutine, returning the
// final run row. A skipped trigger returns a nil run.
func (c *Coordinator) RunSync(ctx context.Context, accountID, family string, triggeredBy db.TriggerSource) (TriggerResult, *db.Run, error) {
	run, result, err := c.admit(ctx, accountID, family, triggeredBy)
	if err != nil || result.Outcome == OutcomeSkipped {
		return result, nil, err
	}

	if err := c.acquire(ctx, run.ID); err != nil {
		c.abandon(ctx, run, "interrupted before a pool slot was free")
		return result, nil, err
	}
	defer c.pool.Release(1)

	if err := c.Execute(ctx, run.ID); err != nil {
		return result, nil, err
	}
	final, err := c.db.GetRun(context.WithoutCancel(ctx), run.ID)
	return result, final, err
}

func (c *Coordinator) admit(ctx context.Context, accountID, family string, triggeredBy db.TriggerSource) (*db.Run, TriggerResult, error) {
	if _, err := c.families.Lookup(family); err != nil {
		observability.RecordTrigger(family, string(triggeredBy), "error")
		return nil, TriggerResult{}, err
	}

	run := &db.Run{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		DataFamily:  family,
		Status:      db.RunQueued,
		TriggeredBy: triggeredBy,
		CreatedAt:   c.now(),
	}

	holder, err := c.db.AdmitRun(ctx, run)
	switch {
	case err == nil:
	case db.IsConflict(err):
		observability.RecordTrigger(family, string(triggeredBy), string(OutcomeSkipped))
		c.logger.Info("trigger skipped, worker busy",
			"account_id", accountID, "family", family, "active_run_id", holder)
		return nil, TriggerResult{Outcome: OutcomeSkipped, RunID: holder}, nil
	case db.IsNotFound(err):
		observability.RecordTrigger(family, string(triggeredBy), "error")
		return nil, TriggerResult{}, fmt.Errorf("worker %s/%s: %w", accountID, family, ErrWorkerDisabled)
	default:
		observability.RecordTrigger(family, string(triggeredBy), "error")
		return nil, TriggerResult{}, fmt.Errorf("admit %s/%s: %w", accountID, family, err)
	}

	observability.RecordTrigger(family, string(triggeredBy), string(OutcomeStarted))
	c.logger.Info("run admitted",
		"run_id", run.ID, "account_id", accountID, "family", family, "triggered_by", triggeredBy)
	c.event(ctx, run.ID, eventlog.LevelInfo, "run queued", map[string]any{
		"account_id":   accountID,
		"data_family":  family,
		"triggered_by": triggeredBy,
	})
	return run, TriggerResult{Outcome: OutcomeStarted, RunID: run.ID}, nil
}

// dispatch executes a run on the pool in the background.
func (c *Coordinator) dispatch(runID string) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.waiting[runID] = struct{}{}
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := c.acquire(c.baseCtx, runID); err != nil {
			if run, gerr := c.db.GetRun(context.WithoutCancel(c.baseCtx), runID); gerr == nil {
				c.abandon(c.baseCtx, run, "shutdown")
			}
			return
		}
		defer c.pool.Release(1)

		if err := c.Execute(c.baseCtx, runID); err != nil {
			c.logger.Error("run execution failed", "run_id", runID, "error", err)
		}
	}()
	return true
}

// acquire waits for a pool slot. Until it returns the run counts as waiting,
// which keeps the stale scanner away from it.
func (c *Coordinator) acquire(ctx context.Context, runID string) error {
	c.mu.Lock()
	c.waiting[runID] = struct{}{}
	c.mu.Unlock()

	err := c.pool.Acquire(ctx, 1)

	c.mu.Lock()
	delete(c.waiting, runID)
	c.mu.Unlock()
	return err
}

// abandon cancels a run that never reached the pool.
func (c *Coordinator) abandon(ctx context.Context, run *db.Run, reason string) {
	_, err := c.db.FinishRun(context.WithoutCancel(ctx), db.FinishParams{
		RunID:   run.ID,
		Status:  db.RunCancelled,
		Summary: run.Summary,
		Now:     c.now(),
	})
	if err != nil {
		c.logger.Warn("failed to cancel queued run", "run_id", run.ID, "error", err)
		return
	}
	observability.RecordRunFinished(run.DataFamily, string(db.RunCancelled), run.CreatedAt)
	c.logger.Info("queued run cancelled", "run_id", run.ID, "reason", reason)
	c.event(ctx, run.ID, eventlog.LevelInfo, "run cancelled", map[string]any{"reason": reason})
}

// Execute drives a queued run to a terminal state. Errors from the sync
// itself are recorded on the run; the returned error only reports that the
// run could not be loaded.
func (c *Coordinator) Execute(ctx context.Context, runID string) error {
	run, err := c.db.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	family, err := c.families.Lookup(run.DataFamily)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.track(runID, cancel)
	defer c.untrack(runID)

	e := newExecution(c, run, family)
	e.cancel = cancel
	if c.recorder != nil {
		e.recorder = c.recorder(runID)
	}
	e.drive(ctx)
	return nil
}

// Cancel requests cancellation. The executing goroutine stops between pages.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	if err := c.db.RequestCancel(ctx, runID); err != nil {
		return err
	}
	c.logger.Info("run cancellation requested", "run_id", runID)
	c.event(ctx, runID, eventlog.LevelInfo, "cancellation requested", nil)
	return nil
}

// ReclassifyStale marks runs with no heartbeat for longer than threshold as
// stale and frees their workers. Runs this process holds for a pool slot are
// refreshed first. In-process executions of reclaimed runs are interrupted.
func (c *Coordinator) ReclassifyStale(ctx context.Context, threshold time.Duration) (int, error) {
	now := c.now()

	c.mu.Lock()
	waiting := make([]string, 0, len(c.waiting))
	for id := range c.waiting {
		waiting = append(waiting, id)
	}
	c.mu.Unlock()
	if err := c.db.TouchQueuedRuns(ctx, waiting, now); err != nil {
		return 0, fmt.Errorf("touch waiting runs: %w", err)
	}

	runs, err := c.db.ReclassifyStaleRuns(ctx, now.Add(-threshold), now)
	if err != nil {
		return 0, err
	}

	for _, r := range runs {
		c.logger.Warn("run reclassified as stale",
			"run_id", r.ID, "account_id", r.AccountID, "family", r.DataFamily)
		c.event(ctx, r.ID, eventlog.LevelWarn, "run reclassified as stale", map[string]any{
			"threshold": threshold.String(),
		})
		c.mu.Lock()
		if cancel, ok := c.running[r.ID]; ok {
			cancel()
		}
		c.mu.Unlock()
	}
	observability.RecordStale(len(runs))
	return len(runs), nil
}

// Wait blocks until every dispatched run has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown stops accepting dispatches, interrupts running executions and
// waits for them to record their outcome.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) track(runID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running[runID] = cancel
}

func (c *Coordinator) untrack(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, runID)
}

// event appends a run event. A failed append is logged and otherwise ignored.
func (c *Coordinator) event(ctx context.Context, runID string, level eventlog.Level, message string, payload any) {
	if c.events == nil {
		return
	}
	if _, err := c.events.Append(context.WithoutCancel(ctx), runID, level, message, payload); err != nil {
		c.logger.Warn("failed to append run event", "run_id", runID, "message", message, "error", err)
	}
}
