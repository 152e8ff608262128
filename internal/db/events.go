package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const maxAppendAttempts = 5

// AppendEvent stores ev as the next event of its run and sets ev.Sequence.
// Sequences come from a per-run counter that survives purges, so a number is
// never handed out twice for the same run.
func (db *DB) AppendEvent(ctx context.Context, ev *RunEvent) error {
	ev.CreatedAt = Timestamp(ev.CreatedAt)

	var payload *string
	if len(ev.Payload) > 0 {
		s := string(ev.Payload)
		payload = &s
	}

	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		var seq int64
		err := db.WithTransaction(ctx, func(tx *Tx) error {
			if err := tx.queryRow(ctx, `
				INSERT INTO run_event_sequences (run_id, last_sequence) VALUES (?, 1)
				ON CONFLICT (run_id) DO UPDATE SET last_sequence = run_event_sequences.last_sequence + 1
				RETURNING last_sequence
			`, ev.RunID).Scan(&seq); err != nil {
				return err
			}
			_, err := tx.exec(ctx, `
				INSERT INTO run_events (run_id, sequence, created_at, level, message, payload)
				VALUES (?, ?, ?, ?, ?, ?)
			`, ev.RunID, seq, ev.CreatedAt, ev.Level, ev.Message, payload)
			return err
		})
		if err == nil {
			ev.Sequence = seq
			return nil
		}
		if !IsDuplicate(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("append event to run %s: %w", ev.RunID, lastErr)
}

// ListEvents returns up to limit events of a run with sequence >= fromSeq, in
// sequence order. A limit <= 0 returns everything.
func (db *DB) ListEvents(ctx context.Context, runID string, fromSeq int64, limit int) ([]RunEvent, error) {
	query := `
		SELECT run_id, sequence, created_at, level, message, payload
		FROM run_events
		WHERE run_id = ? AND sequence >= ?
		ORDER BY sequence
	`
	args := []any{runID, fromSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []RunEvent{}
	for rows.Next() {
		var (
			ev      RunEvent
			payload sql.NullString
		)
		if err := rows.Scan(&ev.RunID, &ev.Sequence, &ev.CreatedAt, &ev.Level, &ev.Message, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PurgeEvents deletes events created before cutoff. Run rows are untouched.
func (db *DB) PurgeEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.exec(ctx, `DELETE FROM run_events WHERE created_at < ?`, Timestamp(cutoff))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}
