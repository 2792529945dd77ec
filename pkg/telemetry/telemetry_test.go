package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := New()

	m.Assignment("control", "new")
	m.Assignment("control", "new")
	m.Assignment("variant", "store")
	m.JobRun("daily_metrics_rollup", "succeeded", 20*time.Millisecond)
	m.JobItems("daily_metrics_rollup", 3, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.assignments.WithLabelValues("control", "new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("daily_metrics_rollup", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobItems.WithLabelValues("daily_metrics_rollup", "failed")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Assignment("control", "new")
	m.Analysis("no_winner", 0.5)
	m.JobRun("x", "failed", time.Second)
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Analysis("variant", 0.01)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tinyexp_analyses_total{winner="variant"} 1`)
}
