package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// UpsertRecords writes one page of records in a single transaction. Records
// are applied in slice order; an existing natural key is updated in place
// (last write wins) and a new one is inserted.
func (db *DB) UpsertRecords(ctx context.Context, family, accountID, runID string, records []Record, now time.Time) (UpsertSummary, error) {
	summary := UpsertSummary{Fetched: len(records)}
	if len(records) == 0 {
		return summary, nil
	}
	now = Timestamp(now)

	err := db.WithTransaction(ctx, func(tx *Tx) error {
		for _, rec := range records {
			var exists int
			err := tx.queryRow(ctx, `
				SELECT 1 FROM records WHERE data_family = ? AND account_id = ? AND natural_key = ?
			`, family, accountID, rec.NaturalKey).Scan(&exists)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				summary.Stored++
			case err != nil:
				return err
			default:
				summary.Updated++
			}

			_, err = tx.exec(ctx, `
				INSERT INTO records (data_family, account_id, natural_key, payload, first_run_id, last_run_id, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (data_family, account_id, natural_key)
				DO UPDATE SET payload = excluded.payload, last_run_id = excluded.last_run_id, updated_at = excluded.updated_at
			`, family, accountID, rec.NaturalKey, string(rec.Payload), runID, runID, now, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return UpsertSummary{}, err
	}
	return summary, nil
}

const recordColumns = `data_family, account_id, natural_key, payload, first_run_id, last_run_id, created_at, updated_at`

func scanRecord(s scanner) (*StoredRecord, error) {
	var (
		rec     StoredRecord
		payload string
	)
	err := s.Scan(&rec.DataFamily, &rec.AccountID, &rec.NaturalKey, &payload, &rec.FirstRunID, &rec.LastRunID, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

// GetRecord retrieves one stored record by its natural key
func (db *DB) GetRecord(ctx context.Context, family, accountID, naturalKey string) (*StoredRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE data_family = ? AND account_id = ? AND natural_key = ?`
	return scanRecord(db.queryRow(ctx, query, family, accountID, naturalKey))
}

// ListRecords returns every stored record of a family for an account, ordered by natural key
func (db *DB) ListRecords(ctx context.Context, family, accountID string) ([]StoredRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE data_family = ? AND account_id = ? ORDER BY natural_key`
	rows, err := db.query(ctx, query, family, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []StoredRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// CountRecords returns the number of stored records of a family for an account
func (db *DB) CountRecords(ctx context.Context, family, accountID string) (int, error) {
	var n int
	err := db.queryRow(ctx, `SELECT COUNT(*) FROM records WHERE data_family = ? AND account_id = ?`, family, accountID).Scan(&n)
	return n, err
}
