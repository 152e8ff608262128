// Package scheduler decides which workers are due and triggers them. Tick is
// externally driven; Run only wraps it in a ticker.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/tideline/internal/adapter"
	"github.com/livinlefevreloca/tideline/internal/coordinator"
	"github.com/livinlefevreloca/tideline/internal/db"
	"github.com/livinlefevreloca/tideline/internal/eventlog"
	"github.com/livinlefevreloca/tideline/internal/planner"
)

// Coordinator is the part of the run coordinator the scheduler drives.
type Coordinator interface {
	TriggerRun(ctx context.Context, accountID, family string, triggeredBy db.TriggerSource) (coordinator.TriggerResult, error)
	ReclassifyStale(ctx context.Context, threshold time.Duration) (int, error)
}

// Decision is the outcome of evaluating one worker during a tick.
type Decision struct {
	AccountID  string                     `json:"account_id"`
	DataFamily string                     `json:"data_family"`
	Reason     planner.Reason             `json:"reason"`
	Result     *coordinator.TriggerResult `json:"result,omitempty"`
	Error      string                     `json:"error,omitempty"`
}

// RunAllResult is the outcome of one trigger issued by RunAll.
type RunAllResult struct {
	DataFamily string              `json:"data_family"`
	Outcome    coordinator.Outcome `json:"outcome,omitempty"`
	RunID      string              `json:"run_id,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// MaintenanceResult reports one maintenance pass.
type MaintenanceResult struct {
	Stale        int   `json:"stale"`
	EventsPurged int64 `json:"events_purged"`
}

// Scheduler triggers due workers and runs periodic maintenance
type Scheduler struct {
	config   Config
	db       *db.DB
	families *adapter.Registry
	coord    Coordinator
	events   *eventlog.Log
	logger   *slog.Logger
	now      func() time.Time

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewScheduler creates a new scheduler instance with validated configuration
func NewScheduler(
	config Config,
	database *db.DB,
	families *adapter.Registry,
	coord Coordinator,
	events *eventlog.Log,
	logger *slog.Logger,
) (*Scheduler, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		config:   config,
		db:       database,
		families: families,
		coord:    coord,
		events:   events,
		logger:   logger,
		now:      time.Now,
		shutdown: make(chan struct{}),
	}, nil
}

// Run is the main scheduler loop. It returns when ctx ends or Shutdown is called.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("starting scheduler",
		"tick_interval", s.config.TickInterval,
		"maintenance_interval", s.config.MaintenanceInterval)

	tick := time.NewTicker(s.config.TickInterval)
	defer tick.Stop()
	maintenance := time.NewTicker(s.config.MaintenanceInterval)
	defer maintenance.Stop()

	// Reclaim whatever a previous process left behind before triggering anything.
	s.maintain(ctx)
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped", "reason", ctx.Err())
			return
		case <-s.shutdown:
			s.logger.Info("scheduler stopped", "reason", "shutdown")
			return
		case <-tick.C:
			s.tick(ctx)
		case <-maintenance.C:
			s.maintain(ctx)
		}
	}
}

// Shutdown sends a shutdown signal to the scheduler
func (s *Scheduler) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

func (s *Scheduler) tick(ctx context.Context) {
	decisions, err := s.Tick(ctx, s.now())
	if err != nil {
		s.logger.Error("scheduler tick failed", "error", err)
		return
	}
	triggered := 0
	for _, d := range decisions {
		if d.Result != nil {
			triggered++
		}
	}
	if triggered > 0 {
		s.logger.Info("scheduler tick", "evaluated", len(decisions), "triggered", triggered)
	}
}

func (s *Scheduler) maintain(ctx context.Context) {
	if _, err := s.Maintain(ctx); err != nil {
		s.logger.Error("maintenance failed", "error", err)
	}
}

// Tick evaluates every enabled worker at now and triggers those that are due.
// Nothing is triggered while synchronization is globally disabled.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) ([]Decision, error) {
	enabled, err := s.db.GlobalSyncEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if !enabled {
		s.logger.Debug("synchronization disabled, skipping tick")
		return nil, nil
	}

	workers, err := s.db.ListEnabledWorkers(ctx)
	if err != nil {
		return nil, err
	}

	decisions := make([]Decision, 0, len(workers))
	for i := range workers {
		w := &workers[i]
		d := Decision{AccountID: w.AccountID, DataFamily: w.DataFamily}

		fam, err := s.families.Lookup(w.DataFamily)
		if err != nil {
			d.Error = err.Error()
			decisions = append(decisions, d)
			s.logger.Warn("worker has no registered family", "account_id", w.AccountID, "family", w.DataFamily)
			continue
		}

		due, reason := planner.Due(dueState(w), fam.PolicyFor(w), now)
		d.Reason = reason
		if !due {
			decisions = append(decisions, d)
			continue
		}

		result, err := s.coord.TriggerRun(ctx, w.AccountID, w.DataFamily, db.TriggerScheduler)
		if err != nil {
			if errors.Is(err, coordinator.ErrSyncDisabled) {
				// Toggled off mid-tick.
				decisions = append(decisions, d)
				return decisions, nil
			}
			d.Error = err.Error()
			s.logger.Error("scheduled trigger failed",
				"account_id", w.AccountID, "family", w.DataFamily, "error", err)
		} else {
			d.Result = &result
			s.logger.Debug("scheduled trigger",
				"account_id", w.AccountID, "family", w.DataFamily, "reason", reason,
				"outcome", result.Outcome, "run_id", result.RunID)
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func dueState(w *db.WorkerConfig) planner.DueState {
	return planner.DueState{
		Enabled:             w.Enabled,
		InFlight:            w.ActiveRunID != nil,
		LastRunAt:           w.LastRunAt,
		ConsecutiveFailures: w.ConsecutiveFailures,
		LastWindowCapped:    w.LastWindowCapped,
	}
}

// RunAll triggers every enabled worker of an account with bounded
// concurrency. Per-worker failures are reported in the results; the error is
// reserved for failures that prevent the fan-out.
func (s *Scheduler) RunAll(ctx context.Context, accountID string) ([]RunAllResult, error) {
	enabled, err := s.db.GlobalSyncEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, coordinator.ErrSyncDisabled
	}

	workers, err := s.db.ListWorkers(ctx, accountID)
	if err != nil {
		return nil, err
	}

	targets := make([]string, 0, len(workers))
	for _, w := range workers {
		if w.Enabled {
			targets = append(targets, w.DataFamily)
		}
	}

	results := make([]RunAllResult, len(targets))
	var g errgroup.Group
	g.SetLimit(s.config.RunAllConcurrency)
	for i, family := range targets {
		g.Go(func() error {
			res, err := s.coord.TriggerRun(ctx, accountID, family, db.TriggerRunAll)
			results[i] = RunAllResult{DataFamily: family, Outcome: res.Outcome, RunID: res.RunID}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("run-all issued", "account_id", accountID, "workers", len(targets))
	return results, nil
}

// Maintain reclaims stale runs and purges expired run events.
func (s *Scheduler) Maintain(ctx context.Context) (MaintenanceResult, error) {
	var res MaintenanceResult

	stale, err := s.coord.ReclassifyStale(ctx, s.config.StaleThreshold)
	if err != nil {
		return res, err
	}
	res.Stale = stale

	if s.config.EventRetention > 0 && s.events != nil {
		purged, err := s.events.Purge(ctx, s.config.EventRetention)
		if err != nil {
			return res, err
		}
		res.EventsPurged = purged
	}

	if res.Stale > 0 || res.EventsPurged > 0 {
		s.logger.Info("maintenance", "stale", res.Stale, "events_purged", res.EventsPurged)
	}
	return res, nil
}
