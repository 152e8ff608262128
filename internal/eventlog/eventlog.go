// Package eventlog is the append-only per-run event log. Events are durable in
// the run_events table; subscribers replay from an offset and then follow new
// appends until the run is over.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/tideline/internal/db"
	"github.com/livinlefevreloca/tideline/internal/observability"
)

// Level is the severity of a run event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Publisher mirrors appended events to an external sink.
type Publisher interface {
	Publish(ctx context.Context, ev db.RunEvent) error
	Close() error
}

const subscribeBatch = 500

// Log appends and streams run events.
type Log struct {
	db           *db.DB
	logger       *slog.Logger
	publisher    Publisher
	pollInterval time.Duration
	drainGrace   time.Duration
	now          func() time.Time

	mu          sync.Mutex
	waiters     map[string]chan struct{}
	subscribers map[string]int
}

// Option configures a Log.
type Option func(*Log)

// WithPublisher mirrors every appended event to p.
func WithPublisher(p Publisher) Option {
	return func(l *Log) { l.publisher = p }
}

// WithPollInterval sets how often subscribers re-check the store for events
// written by other processes.
func WithPollInterval(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates an event log over database
func New(database *db.DB, opts ...Option) *Log {
	l := &Log{
		db:           database,
		logger:       slog.Default(),
		pollInterval: time.Second,
		now:          time.Now,
		waiters:      make(map[string]chan struct{}),
		subscribers:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.drainGrace = 2 * l.pollInterval
	return l
}

// Append stores a new event for runID. payload is marshalled to JSON when not nil.
func (l *Log) Append(ctx context.Context, runID string, level Level, message string, payload any) (db.RunEvent, error) {
	ev := db.RunEvent{
		RunID:     runID,
		CreatedAt: l.now(),
		Level:     string(level),
		Message:   message,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return db.RunEvent{}, fmt.Errorf("marshal event payload: %w", err)
		}
		ev.Payload = raw
	}

	if err := l.db.AppendEvent(ctx, &ev); err != nil {
		return db.RunEvent{}, fmt.Errorf("append event: %w", err)
	}
	l.wake(runID)

	if l.publisher != nil {
		if err := l.publisher.Publish(ctx, ev); err != nil {
			observability.RecordPublishFailure()
			l.logger.Warn("failed to mirror run event", "run_id", runID, "sequence", ev.Sequence, "error", err)
		}
	}
	return ev, nil
}

// Subscribe streams the events of runID starting at sequence fromSeq. The
// channel is closed once the run is terminal and every event has been
// delivered, or when ctx ends.
func (l *Log) Subscribe(ctx context.Context, runID string, fromSeq int64) (<-chan db.RunEvent, error) {
	if _, err := l.db.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	if fromSeq < 1 {
		fromSeq = 1
	}

	l.mu.Lock()
	l.subscribers[runID]++
	l.mu.Unlock()

	out := make(chan db.RunEvent, 64)
	go l.follow(ctx, runID, fromSeq, out)
	return out, nil
}

func (l *Log) follow(ctx context.Context, runID string, next int64, out chan<- db.RunEvent) {
	defer close(out)
	defer l.unsubscribe(runID)

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	var drainUntil time.Time
	for {
		changed := l.changed(runID)

		events, err := l.db.ListEvents(ctx, runID, next, subscribeBatch)
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("event subscription aborted", "run_id", runID, "error", err)
			}
			return
		}
		for _, ev := range events {
			select {
			case out <- ev:
				next = ev.Sequence + 1
			case <-ctx.Done():
				return
			}
		}
		if len(events) == subscribeBatch {
			continue
		}

		if drainUntil.IsZero() {
			run, err := l.db.GetRun(ctx, runID)
			if err != nil {
				if ctx.Err() == nil {
					l.logger.Warn("event subscription aborted", "run_id", runID, "error", err)
				}
				return
			}
			if run.Status.Terminal() {
				// Final events are appended right after the terminal write.
				drainUntil = time.Now().Add(l.drainGrace)
			}
		} else if len(events) == 0 && time.Now().After(drainUntil) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-ticker.C:
		}
	}
}

// changed returns a channel closed on the next append to runID.
func (l *Log) changed(runID string) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.waiters[runID]
	if !ok {
		ch = make(chan struct{})
		l.waiters[runID] = ch
	}
	return ch
}

// unsubscribe drops the run's waiter once its last subscriber is gone.
func (l *Log) unsubscribe(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers[runID]--
	if l.subscribers[runID] > 0 {
		return
	}
	delete(l.subscribers, runID)
	delete(l.waiters, runID)
}

func (l *Log) wake(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.waiters[runID]; ok {
		close(ch)
		delete(l.waiters, runID)
	}
}

// List returns up to limit events of runID from sequence fromSeq.
func (l *Log) List(ctx context.Context, runID string, fromSeq int64, limit int) ([]db.RunEvent, error) {
	return l.db.ListEvents(ctx, runID, fromSeq, limit)
}

// Purge deletes events older than retention and returns how many were removed.
func (l *Log) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := l.db.PurgeEvents(ctx, l.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	observability.RecordEventsPurged(n)
	return n, nil
}

// Close releases the publisher, if any.
func (l *Log) Close() error {
	if l.publisher == nil {
		return nil
	}
	return l.publisher.Close()
}
