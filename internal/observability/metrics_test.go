package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTrigger(t *testing.T) {
	before := testutil.ToFloat64(runsTriggered.WithLabelValues("invoices", "manual", "skipped"))
	RecordTrigger("invoices", "manual", "skipped")
	after := testutil.ToFloat64(runsTriggered.WithLabelValues("invoices", "manual", "skipped"))
	assert.Equal(t, before+1, after)
}

func TestRecordRunLifecycle(t *testing.T) {
	inFlight := testutil.ToFloat64(runsInFlight)
	RecordRunStarted()
	assert.Equal(t, inFlight+1, testutil.ToFloat64(runsInFlight))
	RecordRunFinished("invoices", "completed", time.Now().Add(-time.Second))
	assert.Equal(t, inFlight, testutil.ToFloat64(runsInFlight))
}

func TestRecordCursor_IgnoresZero(t *testing.T) {
	series := testutil.CollectAndCount(cursorWatermark)
	RecordCursor("acct", "zero-family", time.Time{})
	assert.Equal(t, series, testutil.CollectAndCount(cursorWatermark))

	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	RecordCursor("acct", "invoices", ts)
	assert.Equal(t, float64(ts.Unix()), testutil.ToFloat64(cursorWatermark.WithLabelValues("acct", "invoices")))
}

func TestHandler(t *testing.T) {
	RecordPage("invoices")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "tideline_fetch_pages_total"))
}
