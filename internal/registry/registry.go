// Package registry manages worker enablement, the global toggle and read-only
// views over workers and runs.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/tideline/internal/adapter"
	"github.com/livinlefevreloca/tideline/internal/db"
	"github.com/livinlefevreloca/tideline/internal/planner"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 500
)

// MaxProjection bounds ProjectSchedule's k.
const MaxProjection = 100

// Registry is the control surface over worker configuration.
type Registry struct {
	db       *db.DB
	families *adapter.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a registry.
func New(database *db.DB, families *adapter.Registry, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{db: database, families: families, logger: logger, now: time.Now}
}

// SetEnabled turns a worker on or off. The first call for a pair creates the
// worker with its family's defaults and a null cursor. Disabling never
// touches a run in flight.
func (r *Registry) SetEnabled(ctx context.Context, accountID, family string, enabled bool) (*db.WorkerConfig, error) {
	fam, err := r.families.Lookup(family)
	if err != nil {
		return nil, err
	}

	w := &db.WorkerConfig{
		AccountID:              accountID,
		DataFamily:             family,
		Enabled:                enabled,
		CursorType:             fam.CursorType,
		OverlapSeconds:         int(fam.Policy.Overlap / time.Second),
		InitialBackfillSeconds: int(fam.Policy.Backfill / time.Second),
	}
	if err := r.db.UpsertWorker(ctx, w, r.now()); err != nil {
		return nil, fmt.Errorf("set enabled %s/%s: %w", accountID, family, err)
	}
	r.logger.Info("worker updated", "account_id", accountID, "family", family, "enabled", enabled)
	return r.db.GetWorker(ctx, accountID, family)
}

// SetPolicy overrides the overlap and backfill of an existing worker.
func (r *Registry) SetPolicy(ctx context.Context, accountID, family string, overlap, backfill time.Duration) (*db.WorkerConfig, error) {
	if overlap < 0 || backfill < 0 {
		return nil, fmt.Errorf("overlap and backfill must not be negative")
	}
	err := r.db.UpdateWorkerPolicy(ctx, accountID, family, int(overlap/time.Second), int(backfill/time.Second), r.now())
	if err != nil {
		return nil, err
	}
	return r.db.GetWorker(ctx, accountID, family)
}

// SetGlobalEnabled flips the durable global toggle. Turning it off stops new
// admissions only.
func (r *Registry) SetGlobalEnabled(ctx context.Context, enabled bool) error {
	if err := r.db.SetGlobalSyncEnabled(ctx, enabled, r.now()); err != nil {
		return err
	}
	r.logger.Info("global synchronization toggled", "enabled", enabled)
	return nil
}

// GlobalEnabled reads the global toggle.
func (r *Registry) GlobalEnabled(ctx context.Context) (bool, error) {
	return r.db.GlobalSyncEnabled(ctx)
}

// GetWorker returns one worker.
func (r *Registry) GetWorker(ctx context.Context, accountID, family string) (*db.WorkerConfig, error) {
	return r.db.GetWorker(ctx, accountID, family)
}

// ListConfigs returns the workers of an account, or every worker when
// accountID is empty.
func (r *Registry) ListConfigs(ctx context.Context, accountID string) ([]db.WorkerConfig, error) {
	return r.db.ListWorkers(ctx, accountID)
}

// ListRecentRuns returns the newest runs first. family may be empty.
func (r *Registry) ListRecentRuns(ctx context.Context, accountID, family string, limit int) ([]db.Run, error) {
	switch {
	case limit <= 0:
		limit = defaultRunLimit
	case limit > maxRunLimit:
		limit = maxRunLimit
	}
	return r.db.ListRuns(ctx, db.RunFilter{AccountID: accountID, DataFamily: family, Limit: limit})
}

// GetRun returns one run.
func (r *Registry) GetRun(ctx context.Context, runID string) (*db.Run, error) {
	return r.db.GetRun(ctx, runID)
}

// Projection is the expected schedule of a worker if every run succeeds.
type Projection struct {
	AccountID  string           `json:"account_id"`
	DataFamily string           `json:"data_family"`
	Cursor     *string          `json:"cursor"`
	NextRunAt  time.Time        `json:"next_run_at"`
	Windows    []planner.Window `json:"windows"`
}

// ProjectSchedule returns the next k windows of a worker without side effects.
func (r *Registry) ProjectSchedule(ctx context.Context, accountID, family string, k int) (*Projection, error) {
	if k <= 0 || k > MaxProjection {
		return nil, fmt.Errorf("projection size must be between 1 and %d, got %d", MaxProjection, k)
	}
	fam, err := r.families.Lookup(family)
	if err != nil {
		return nil, err
	}
	w, err := r.db.GetWorker(ctx, accountID, family)
	if err != nil {
		return nil, err
	}
	policy := fam.PolicyFor(w)

	var cursor *time.Time
	if w.CursorValue != nil {
		if fam.CursorType == db.CursorTimestamp {
			t, err := time.Parse(time.RFC3339Nano, *w.CursorValue)
			if err != nil {
				return nil, fmt.Errorf("stored cursor %q: %w", *w.CursorValue, err)
			}
			cursor = &t
		} else {
			cursor = w.LastRunAt
		}
	}

	next := nextRunAt(w, policy, r.now())
	return &Projection{
		AccountID:  accountID,
		DataFamily: family,
		Cursor:     w.CursorValue,
		NextRunAt:  next,
		Windows:    planner.Project(cursor, policy, next, k),
	}, nil
}

// nextRunAt is the earliest time the scheduler would trigger the worker.
func nextRunAt(w *db.WorkerConfig, p planner.Policy, now time.Time) time.Time {
	if w.LastRunAt == nil || (w.ConsecutiveFailures == 0 && w.LastWindowCapped) {
		return now
	}
	next := w.LastRunAt.Add(planner.RetryDelay(p, w.ConsecutiveFailures))
	if next.Before(now) {
		return now
	}
	return next
}
