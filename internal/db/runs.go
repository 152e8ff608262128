package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const runColumns = `
	id, account_id, data_family, status, triggered_by, window_from, window_to,
	cursor_before, cursor_after, created_at, started_at, heartbeat_at, finished_at,
	fetched, stored, updated, skipped, error, cancel_requested`

func scanRun(s scanner) (*Run, error) {
	run := &Run{}
	err := s.Scan(
		&run.ID,
		&run.AccountID,
		&run.DataFamily,
		&run.Status,
		&run.TriggeredBy,
		&run.WindowFrom,
		&run.WindowTo,
		&run.CursorBefore,
		&run.CursorAfter,
		&run.CreatedAt,
		&run.StartedAt,
		&run.HeartbeatAt,
		&run.FinishedAt,
		&run.Summary.Fetched,
		&run.Summary.Stored,
		&run.Summary.Updated,
		&run.Summary.Skipped,
		&run.Error,
		&run.CancelRequested,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// AdmitRun claims the worker's run slot and inserts run in queued state, all in
// one transaction. The claim is a conditional update on active_run_id, so of
// any number of concurrent callers exactly one wins. Losers get ErrConflict
// together with the id of the run holding the slot.
func (db *DB) AdmitRun(ctx context.Context, run *Run) (string, error) {
	run.Status = RunQueued
	run.CreatedAt = Timestamp(run.CreatedAt)

	var holder string
	err := db.WithTransaction(ctx, func(tx *Tx) error {
		enabled, err := tx.globalSyncEnabled(ctx)
		if err != nil {
			return err
		}
		if !enabled {
			return ErrSyncDisabled
		}

		var workerEnabled bool
		err = tx.queryRow(ctx,
			`SELECT enabled FROM worker_configs WHERE account_id = ? AND data_family = ?`,
			run.AccountID, run.DataFamily,
		).Scan(&workerEnabled)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !workerEnabled {
			return ErrWorkerDisabled
		}

		res, err := tx.exec(ctx, `
			UPDATE worker_configs SET active_run_id = ?, updated_at = ?
			WHERE account_id = ? AND data_family = ? AND active_run_id IS NULL
		`, run.ID, run.CreatedAt, run.AccountID, run.DataFamily)
		if err != nil {
			return err
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			err := tx.queryRow(ctx,
				`SELECT COALESCE(active_run_id, '') FROM worker_configs WHERE account_id = ? AND data_family = ?`,
				run.AccountID, run.DataFamily,
			).Scan(&holder)
			if err != nil {
				return err
			}
			return ErrConflict
		}

		_, err = tx.exec(ctx, `
			INSERT INTO runs (id, account_id, data_family, status, triggered_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, run.ID, run.AccountID, run.DataFamily, run.Status, run.TriggeredBy, run.CreatedAt)
		return err
	})
	return holder, err
}

// StartParams describe the queued -> running transition.
type StartParams struct {
	RunID        string
	WindowFrom   time.Time
	WindowTo     time.Time
	CursorBefore *string
	Now          time.Time
}

// StartRun moves a queued run to running. It fails with ErrConflict when the
// run is no longer queued or another run for the same key is already running.
func (db *DB) StartRun(ctx context.Context, p StartParams) error {
	now := Timestamp(p.Now)
	query := `
		UPDATE runs
		SET status = ?, started_at = ?, heartbeat_at = ?, window_from = ?, window_to = ?, cursor_before = ?
		WHERE id = ? AND status = ?
	`

	res, err := db.exec(ctx, query,
		RunRunning, now, now, Timestamp(p.WindowFrom), Timestamp(p.WindowTo), p.CursorBefore,
		p.RunID, RunQueued,
	)
	if err != nil {
		if IsDuplicate(err) {
			return fmt.Errorf("start run %s: %w", p.RunID, ErrConflict)
		}
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("start run %s: %w", p.RunID, ErrConflict)
	}
	return nil
}

// HeartbeatRun records progress of a running run and returns whether
// cancellation has been requested. ErrConflict means the run was moved out of
// running by someone else (for example the stale scanner).
func (db *DB) HeartbeatRun(ctx context.Context, runID string, summary Summary, now time.Time) (bool, error) {
	query := `
		UPDATE runs
		SET heartbeat_at = ?, fetched = ?, stored = ?, updated = ?, skipped = ?
		WHERE id = ? AND status = ?
	`

	res, err := db.exec(ctx, query,
		Timestamp(now), summary.Fetched, summary.Stored, summary.Updated, summary.Skipped,
		runID, RunRunning,
	)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, fmt.Errorf("heartbeat run %s: %w", runID, ErrConflict)
	}

	var cancel bool
	if err := db.queryRow(ctx, `SELECT cancel_requested FROM runs WHERE id = ?`, runID).Scan(&cancel); err != nil {
		return false, err
	}
	return cancel, nil
}

// RequestCancel sets the durable cancellation flag on a queued or running run.
func (db *DB) RequestCancel(ctx context.Context, runID string) error {
	res, err := db.exec(ctx, `
		UPDATE runs SET cancel_requested = TRUE
		WHERE id = ? AND status IN (?, ?)
	`, runID, RunQueued, RunRunning)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	if _, err := db.GetRun(ctx, runID); err != nil {
		return err
	}
	return fmt.Errorf("cancel run %s: %w", runID, ErrConflict)
}

// FinishParams describe a terminal transition.
type FinishParams struct {
	RunID   string
	Status  RunStatus
	Summary Summary
	Error   *string
	// CursorAfter is the cursor a completed run advances the worker to.
	CursorAfter  *string
	WindowCapped bool
	Now          time.Time
}

// FinishRun moves a queued or running run to a terminal status exactly once and
// applies the outcome to its worker in the same transaction. Only a completed
// run writes the cursor, and a timestamp cursor never moves backwards.
func (db *DB) FinishRun(ctx context.Context, p FinishParams) (*Run, error) {
	switch p.Status {
	case RunCompleted, RunError, RunCancelled:
	default:
		return nil, fmt.Errorf("finish run %s: invalid terminal status %q", p.RunID, p.Status)
	}
	now := Timestamp(p.Now)

	var finished *Run
	err := db.WithTransaction(ctx, func(tx *Tx) error {
		run, err := scanRun(tx.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, p.RunID))
		if err != nil {
			return err
		}
		if run.Status != RunQueued && run.Status != RunRunning {
			return fmt.Errorf("finish run %s from %s: %w", p.RunID, run.Status, ErrConflict)
		}

		var (
			cursorType  CursorType
			cursorValue *string
		)
		err = tx.queryRow(ctx,
			`SELECT cursor_type, cursor_value FROM worker_configs WHERE account_id = ? AND data_family = ?`,
			run.AccountID, run.DataFamily,
		).Scan(&cursorType, &cursorValue)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		cursorAfter := cursorValue
		if p.Status == RunCompleted && p.CursorAfter != nil {
			cursorAfter = advanceCursor(cursorType, cursorValue, *p.CursorAfter)
		}

		res, err := tx.exec(ctx, `
			UPDATE runs
			SET status = ?, finished_at = ?, fetched = ?, stored = ?, updated = ?, skipped = ?,
			    error = ?, cursor_after = ?
			WHERE id = ? AND status IN (?, ?)
		`, p.Status, now, p.Summary.Fetched, p.Summary.Stored, p.Summary.Updated, p.Summary.Skipped,
			p.Error, cursorAfter, p.RunID, RunQueued, RunRunning)
		if err != nil {
			return err
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("finish run %s: %w", p.RunID, ErrConflict)
		}

		const release = `active_run_id = CASE WHEN active_run_id = ? THEN NULL ELSE active_run_id END`
		switch p.Status {
		case RunCompleted:
			_, err = tx.exec(ctx, `
				UPDATE worker_configs
				SET cursor_value = ?, last_error = NULL, consecutive_failures = 0, last_window_capped = ?,
				    last_run_id = ?, last_run_at = ?, updated_at = ?, `+release+`
				WHERE account_id = ? AND data_family = ?
			`, cursorAfter, p.WindowCapped, p.RunID, now, now, p.RunID, run.AccountID, run.DataFamily)
		case RunError:
			_, err = tx.exec(ctx, `
				UPDATE worker_configs
				SET last_error = ?, consecutive_failures = consecutive_failures + 1, last_window_capped = FALSE,
				    last_run_id = ?, last_run_at = ?, updated_at = ?, `+release+`
				WHERE account_id = ? AND data_family = ?
			`, p.Error, p.RunID, now, now, p.RunID, run.AccountID, run.DataFamily)
		case RunCancelled:
			_, err = tx.exec(ctx, `
				UPDATE worker_configs
				SET last_window_capped = FALSE, last_run_id = ?, last_run_at = ?, updated_at = ?, `+release+`
				WHERE account_id = ? AND data_family = ?
			`, p.RunID, now, now, p.RunID, run.AccountID, run.DataFamily)
		}
		if err != nil {
			return err
		}

		run.Status = p.Status
		run.FinishedAt = &now
		run.Summary = p.Summary
		run.Error = p.Error
		run.CursorAfter = cursorAfter
		finished = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return finished, nil
}

// advanceCursor returns the cursor to store after a successful run. Timestamp
// cursors only move forward; opaque tokens are taken as given.
func advanceCursor(t CursorType, current *string, next string) *string {
	if t != CursorTimestamp || current == nil {
		return &next
	}
	cur, err := time.Parse(time.RFC3339Nano, *current)
	if err != nil {
		return &next
	}
	nxt, err := time.Parse(time.RFC3339Nano, next)
	if err != nil || nxt.Before(cur) {
		return current
	}
	return &next
}

// TouchQueuedRuns stamps heartbeat_at on queued runs a live process is still
// holding for a pool slot, so waiting is not mistaken for abandonment.
func (db *DB) TouchQueuedRuns(ctx context.Context, runIDs []string, now time.Time) error {
	if len(runIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(runIDs)+2)
	args = append(args, Timestamp(now), RunQueued)
	for _, id := range runIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(runIDs)), ", ")

	_, err := db.exec(ctx, `
		UPDATE runs SET heartbeat_at = ?
		WHERE status = ? AND id IN (`+placeholders+`)
	`, args...)
	return err
}

// ReclassifyStaleRuns flips queued or running runs with no heartbeat since
// cutoff to stale and frees their workers' run slots. Records already written
// by those runs are left alone.
func (db *DB) ReclassifyStaleRuns(ctx context.Context, cutoff, now time.Time) ([]Run, error) {
	cutoff = Timestamp(cutoff)
	now = Timestamp(now)

	var stale []Run
	err := db.WithTransaction(ctx, func(tx *Tx) error {
		rows, err := tx.query(ctx, `
			SELECT `+runColumns+` FROM runs
			WHERE status IN (?, ?) AND COALESCE(heartbeat_at, created_at) < ?
			ORDER BY created_at
		`, RunQueued, RunRunning, cutoff)
		if err != nil {
			return err
		}
		var candidates []Run
		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, *run)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, run := range candidates {
			lastSeen := run.CreatedAt
			if run.HeartbeatAt != nil {
				lastSeen = *run.HeartbeatAt
			}
			reason := fmt.Sprintf("stale: no heartbeat since %s", lastSeen.UTC().Format(time.RFC3339))

			res, err := tx.exec(ctx, `
				UPDATE runs SET status = ?, finished_at = ?, error = ?
				WHERE id = ? AND status IN (?, ?)
			`, RunStale, now, reason, run.ID, RunQueued, RunRunning)
			if err != nil {
				return err
			}
			n, err := rowsAffected(res)
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}

			_, err = tx.exec(ctx, `
				UPDATE worker_configs SET active_run_id = NULL, updated_at = ?
				WHERE account_id = ? AND data_family = ? AND active_run_id = ?
			`, now, run.AccountID, run.DataFamily, run.ID)
			if err != nil {
				return err
			}

			run.Status = RunStale
			run.FinishedAt = &now
			run.Error = &reason
			stale = append(stale, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

// GetRun retrieves a run by id
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	return scanRun(db.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
}

// RunFilter narrows ListRuns. Empty fields match everything.
type RunFilter struct {
	AccountID  string
	DataFamily string
	Status     RunStatus
	Limit      int
}

// ListRuns returns the most recently created runs matching f
func (db *DB) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1 = 1`
	var args []any
	if f.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, f.AccountID)
	}
	if f.DataFamily != "" {
		query += ` AND data_family = ?`
		args = append(args, f.DataFamily)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
