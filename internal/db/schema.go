package db

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a Run row.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
	RunCancelled RunStatus = "cancelled"
	RunStale     RunStatus = "stale"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunError, RunCancelled, RunStale:
		return true
	}
	return false
}

// CursorType says how a worker's cursor_value is interpreted.
type CursorType string

const (
	CursorTimestamp   CursorType = "timestamp"
	CursorOpaqueToken CursorType = "opaque_token"
)

// TriggerSource records who asked for a run.
type TriggerSource string

const (
	TriggerScheduler TriggerSource = "scheduler"
	TriggerManual    TriggerSource = "manual"
	TriggerRunAll    TriggerSource = "run_all"
)

// WorkerConfig is the durable configuration and sync state of one
// (account, data family) pair.
type WorkerConfig struct {
	AccountID              string     `json:"account_id"`
	DataFamily             string     `json:"data_family"`
	Enabled                bool       `json:"enabled"`
	CursorType             CursorType `json:"cursor_type"`
	CursorValue            *string    `json:"cursor_value"`
	OverlapSeconds         int        `json:"overlap_seconds"`
	InitialBackfillSeconds int        `json:"initial_backfill_seconds"`
	LastRunID              *string    `json:"last_run_id"`
	LastError              *string    `json:"last_error"`
	ActiveRunID            *string    `json:"active_run_id"`
	LastRunAt              *time.Time `json:"last_run_at"`
	ConsecutiveFailures    int        `json:"consecutive_failures"`
	LastWindowCapped       bool       `json:"last_window_capped"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Summary counts what a run did to the store.
type Summary struct {
	Fetched int `json:"fetched"`
	Stored  int `json:"stored"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Add accumulates another page's counts.
func (s *Summary) Add(o Summary) {
	s.Fetched += o.Fetched
	s.Stored += o.Stored
	s.Updated += o.Updated
	s.Skipped += o.Skipped
}

// Run is one execution attempt for an (account, data family) pair.
type Run struct {
	ID              string        `json:"id"`
	AccountID       string        `json:"account_id"`
	DataFamily      string        `json:"data_family"`
	Status          RunStatus     `json:"status"`
	TriggeredBy     TriggerSource `json:"triggered_by"`
	WindowFrom      *time.Time    `json:"window_from"`
	WindowTo        *time.Time    `json:"window_to"`
	CursorBefore    *string       `json:"cursor_before"`
	CursorAfter     *string       `json:"cursor_after"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at"`
	HeartbeatAt     *time.Time    `json:"heartbeat_at"`
	FinishedAt      *time.Time    `json:"finished_at"`
	Summary         Summary       `json:"summary"`
	Error           *string       `json:"error"`
	CancelRequested bool          `json:"cancel_requested"`
}

// RunEvent is one append-only log line owned by a run.
type RunEvent struct {
	RunID     string          `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	CreatedAt time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Record is a raw payload with its resolved natural key, ready to upsert.
type Record struct {
	NaturalKey string
	Payload    json.RawMessage
}

// StoredRecord is a persisted synchronized entity.
type StoredRecord struct {
	DataFamily string          `json:"data_family"`
	AccountID  string          `json:"account_id"`
	NaturalKey string          `json:"natural_key"`
	Payload    json.RawMessage `json:"payload"`
	FirstRunID string          `json:"first_run_id"`
	LastRunID  string          `json:"last_run_id"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// UpsertSummary reports the outcome of one UpsertRecords call.
type UpsertSummary struct {
	Fetched int
	Stored  int
	Updated int
}
