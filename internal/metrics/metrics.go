// Package metrics holds the Prometheus collectors for plan execution,
// sandbox runs, repair attempts and generator calls.
//
// Collectors are registered on the Registerer passed to New, never on the
// global default registry, so independent sessions and tests can each own
// a set. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tabula"

// Step outcomes.
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Metrics groups every collector.
type Metrics struct {
	steps           *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	sequences       *prometheus.CounterVec
	sandboxRuns     *prometheus.CounterVec
	sandboxDuration prometheus.Histogram
	repairAttempts  *prometheus.CounterVec
	llmRequests     *prometheus.CounterVec
	llmDuration     *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Labels: op (operation wire name), status (ok, skipped, failed)
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "steps_total",
			Help:      "Instruction steps by operation and outcome",
		}, []string{"op", "status"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "step_duration_seconds",
			Help:      "Time spent applying one operation",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"op"}),
		// Labels: outcome (complete, partial)
		sequences: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "sequences_total",
			Help:      "Executed instruction sequences by outcome",
		}, []string{"outcome"}),
		sandboxRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Sandbox runs by outcome",
		}, []string{"outcome"}),
		sandboxDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a sandbox run",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		// Labels: outcome (success, failure, generator_error)
		repairAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repair",
			Name:      "attempts_total",
			Help:      "Repair loop attempts by outcome",
		}, []string{"outcome"}),
		llmRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Generator requests by provider and outcome",
		}, []string{"provider", "outcome"}),
		llmDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Generator request latency",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
	}
}

// ObserveStep records one instruction step.
func (m *Metrics) ObserveStep(op, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(op, status).Inc()
	if status != StatusSkipped {
		m.stepDuration.WithLabelValues(op).Observe(d.Seconds())
	}
}

// ObserveSequence records a finished sequence.
func (m *Metrics) ObserveSequence(complete bool) {
	if m == nil {
		return
	}
	outcome := "complete"
	if !complete {
		outcome = "partial"
	}
	m.sequences.WithLabelValues(outcome).Inc()
}

// ObserveSandbox records a sandbox run.
func (m *Metrics) ObserveSandbox(success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.sandboxRuns.WithLabelValues(outcome(success)).Inc()
	m.sandboxDuration.Observe(d.Seconds())
}

// ObserveRepair records one repair loop attempt.
func (m *Metrics) ObserveRepair(result string) {
	if m == nil {
		return
	}
	m.repairAttempts.WithLabelValues(result).Inc()
}

// ObserveLLM records one generator request.
func (m *Metrics) ObserveLLM(provider string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(provider, outcome(success)).Inc()
	m.llmDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
