package db

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// SettingSyncEnabled is the durable global toggle consulted at admission.
const SettingSyncEnabled = "sync.enabled"

// GetSetting returns the value stored under key
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := db.queryRow(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// SetSetting stores value under key, replacing any previous value
func (db *DB) SetSetting(ctx context.Context, key, value string, now time.Time) error {
	query := `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	_, err := db.exec(ctx, query, key, value, Timestamp(now))
	return err
}

// GlobalSyncEnabled reports the global toggle. A missing row means enabled.
func (db *DB) GlobalSyncEnabled(ctx context.Context) (bool, error) {
	value, err := db.GetSetting(ctx, SettingSyncEnabled)
	if IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(value)
}

// SetGlobalSyncEnabled flips the global toggle
func (db *DB) SetGlobalSyncEnabled(ctx context.Context, enabled bool, now time.Time) error {
	return db.SetSetting(ctx, SettingSyncEnabled, strconv.FormatBool(enabled), now)
}

func (tx *Tx) globalSyncEnabled(ctx context.Context) (bool, error) {
	var value string
	err := tx.queryRow(ctx, `SELECT value FROM settings WHERE key = ?`, SettingSyncEnabled).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(value)
}
