// Package testutil holds fixtures shared by package tests: an in-memory
// store, scripted adapters, a controllable clock and a capturing logger.
package testutil

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/tideline/internal/db"
)

// NewDB opens an in-memory SQLite store with the shipped schema applied.
func NewDB(t testing.TB) *db.DB {
	t.Helper()

	database, err := db.Open(db.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})

	if _, err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return database
}

// SeedWorker creates an enabled timestamp-cursor worker with the given overlap
// and backfill.
func SeedWorker(t testing.TB, database *db.DB, accountID, family string, overlap, backfill time.Duration) {
	t.Helper()

	w := &db.WorkerConfig{
		AccountID:              accountID,
		DataFamily:             family,
		Enabled:                true,
		CursorType:             db.CursorTimestamp,
		OverlapSeconds:         int(overlap / time.Second),
		InitialBackfillSeconds: int(backfill / time.Second),
	}
	if err := database.UpsertWorker(context.Background(), w, time.Now()); err != nil {
		t.Fatalf("failed to seed worker: %v", err)
	}
}
