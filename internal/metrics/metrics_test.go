package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveStep("sort_rows", StatusOK, time.Millisecond)
	m.ObserveStep("sort_rows", StatusOK, time.Millisecond)
	m.ObserveStep("unknown_op", StatusSkipped, 0)
	m.ObserveSequence(false)
	m.ObserveSandbox(true, 10*time.Millisecond)
	m.ObserveRepair("failure")
	m.ObserveLLM("ollama", false, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.steps.WithLabelValues("sort_rows", StatusOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("unknown_op", StatusSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sequences.WithLabelValues("partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sandboxRuns.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.repairAttempts.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.llmRequests.WithLabelValues("ollama", "failure")))

	// skipped steps have no duration sample
	assert.Equal(t, 1, testutil.CollectAndCount(m.stepDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStep("x", StatusFailed, time.Second)
		m.ObserveSequence(true)
		m.ObserveSandbox(false, time.Second)
		m.ObserveRepair("success")
		m.ObserveLLM("openai", true, time.Second)
	})
}

func TestSeparateRegistries(t *testing.T) {
	a, b := prometheus.NewRegistry(), prometheus.NewRegistry()
	require.NotPanics(t, func() {
		New(a)
		New(b)
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg).ObserveRepair("success")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `tabula_repair_attempts_total{outcome="success"} 1`))
}
