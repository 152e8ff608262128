package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const workerColumns = `
	account_id, data_family, enabled, cursor_type, cursor_value, overlap_seconds,
	initial_backfill_seconds, last_run_id, last_error, active_run_id, last_run_at,
	consecutive_failures, last_window_capped, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWorker(s scanner) (*WorkerConfig, error) {
	w := &WorkerConfig{}
	err := s.Scan(
		&w.AccountID,
		&w.DataFamily,
		&w.Enabled,
		&w.CursorType,
		&w.CursorValue,
		&w.OverlapSeconds,
		&w.InitialBackfillSeconds,
		&w.LastRunID,
		&w.LastError,
		&w.ActiveRunID,
		&w.LastRunAt,
		&w.ConsecutiveFailures,
		&w.LastWindowCapped,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// UpsertWorker creates the worker row from w, or flips the enabled flag of an
// existing row. Cursor and run state of an existing row are never touched.
func (db *DB) UpsertWorker(ctx context.Context, w *WorkerConfig, now time.Time) error {
	now = Timestamp(now)
	query := `
		INSERT INTO worker_configs (
			account_id, data_family, enabled, cursor_type, cursor_value,
			overlap_seconds, initial_backfill_seconds, consecutive_failures,
			last_window_capped, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, FALSE, ?, ?)
		ON CONFLICT (account_id, data_family)
		DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at
	`

	_, err := db.exec(ctx, query,
		w.AccountID,
		w.DataFamily,
		w.Enabled,
		w.CursorType,
		w.CursorValue,
		w.OverlapSeconds,
		w.InitialBackfillSeconds,
		now,
		now,
	)
	return err
}

// UpdateWorkerPolicy rewrites the overlap and backfill of an existing worker.
func (db *DB) UpdateWorkerPolicy(ctx context.Context, accountID, family string, overlapSeconds, backfillSeconds int, now time.Time) error {
	query := `
		UPDATE worker_configs
		SET overlap_seconds = ?, initial_backfill_seconds = ?, updated_at = ?
		WHERE account_id = ? AND data_family = ?
	`

	res, err := db.exec(ctx, query, overlapSeconds, backfillSeconds, Timestamp(now), accountID, family)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWorker retrieves the worker for an (account, family) pair
func (db *DB) GetWorker(ctx context.Context, accountID, family string) (*WorkerConfig, error) {
	query := `SELECT ` + workerColumns + ` FROM worker_configs WHERE account_id = ? AND data_family = ?`
	return scanWorker(db.queryRow(ctx, query, accountID, family))
}

// ListWorkers returns the workers of one account, or of every account when
// accountID is empty.
func (db *DB) ListWorkers(ctx context.Context, accountID string) ([]WorkerConfig, error) {
	query := `SELECT ` + workerColumns + ` FROM worker_configs`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY account_id, data_family`

	return db.listWorkers(ctx, query, args...)
}

// ListEnabledWorkers returns every enabled worker
func (db *DB) ListEnabledWorkers(ctx context.Context) ([]WorkerConfig, error) {
	query := `SELECT ` + workerColumns + ` FROM worker_configs WHERE enabled = TRUE ORDER BY account_id, data_family`
	return db.listWorkers(ctx, query)
}

func (db *DB) listWorkers(ctx context.Context, query string, args ...any) ([]WorkerConfig, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	workers := []WorkerConfig{}
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}
