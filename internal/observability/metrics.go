// Package observability holds the Prometheus collectors of the sync engine.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tideline"

var (
	runsTriggered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "triggers_total",
		Help:      "Trigger requests by family, source and outcome (started, skipped, error).",
	}, []string{"family", "triggered_by", "outcome"})

	runsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "runs_finished_total",
		Help:      "Runs that reached a terminal status.",
	}, []string{"family", "status"})

	runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "run_duration_seconds",
		Help:      "Wall time from start to terminal status.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"family", "status"})

	runsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "runs_in_flight",
		Help:      "Runs currently executing in this process.",
	})

	staleRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "stale_runs_total",
		Help:      "Runs reclassified as stale by the scanner.",
	})

	pagesFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "pages_total",
		Help:      "Pages returned by adapters.",
	}, []string{"family"})

	fetchRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "retries_total",
		Help:      "Page fetch retries by failure kind.",
	}, []string{"family", "kind"})

	recordsUpserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "records_total",
		Help:      "Records written to the upsert store by result (stored, updated, skipped).",
	}, []string{"family", "result"})

	cursorWatermark = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "cursor_timestamp_seconds",
		Help:      "Unix timestamp of the latest committed timestamp cursor.",
	}, []string{"account_id", "family"})

	eventsPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventlog",
		Name:      "purged_total",
		Help:      "Run events deleted by retention.",
	})

	eventsPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventlog",
		Name:      "publish_failures_total",
		Help:      "Run events that could not be mirrored to Kafka.",
	})

	httpRequests = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Trigger surface request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "code"})
)

func init() {
	prometheus.MustRegister(
		runsTriggered,
		runsFinished,
		runDuration,
		runsInFlight,
		staleRuns,
		pagesFetched,
		fetchRetries,
		recordsUpserted,
		cursorWatermark,
		eventsPurged,
		eventsPublishFailures,
		httpRequests,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTrigger counts one trigger attempt.
func RecordTrigger(family, triggeredBy, outcome string) {
	runsTriggered.WithLabelValues(family, triggeredBy, outcome).Inc()
}

// RecordRunStarted marks a run as executing.
func RecordRunStarted() {
	runsInFlight.Inc()
}

// RecordRunFinished counts a terminal run. A zero started time skips the
// duration observation.
func RecordRunFinished(family, status string, started time.Time) {
	runsInFlight.Dec()
	runsFinished.WithLabelValues(family, status).Inc()
	if !started.IsZero() {
		runDuration.WithLabelValues(family, status).Observe(time.Since(started).Seconds())
	}
}

// RecordStale counts runs flipped to stale.
func RecordStale(n int) {
	staleRuns.Add(float64(n))
}

// RecordPage counts one fetched page.
func RecordPage(family string) {
	pagesFetched.WithLabelValues(family).Inc()
}

// RecordFetchRetry counts a retried page fetch.
func RecordFetchRetry(family, kind string) {
	fetchRetries.WithLabelValues(family, kind).Inc()
}

// RecordUpsert counts the outcome of one page write.
func RecordUpsert(family string, stored, updated, skipped int) {
	recordsUpserted.WithLabelValues(family, "stored").Add(float64(stored))
	recordsUpserted.WithLabelValues(family, "updated").Add(float64(updated))
	recordsUpserted.WithLabelValues(family, "skipped").Add(float64(skipped))
}

// RecordCursor updates the cursor watermark of a worker.
func RecordCursor(accountID, family string, ts time.Time) {
	if ts.IsZero() {
		return
	}
	cursorWatermark.WithLabelValues(accountID, family).Set(float64(ts.Unix()))
}

// RecordEventsPurged counts events removed by retention.
func RecordEventsPurged(n int64) {
	eventsPurged.Add(float64(n))
}

// RecordPublishFailure counts a failed Kafka mirror write.
func RecordPublishFailure() {
	eventsPublishFailures.Inc()
}

// RecordHTTPRequest observes one API request.
func RecordHTTPRequest(method, route, code string, d time.Duration) {
	httpRequests.WithLabelValues(method, route, code).Observe(d.Seconds())
}
