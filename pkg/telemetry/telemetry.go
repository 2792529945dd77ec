// Package telemetry owns the Prometheus collectors exported on /metrics.
//
// Collectors are registered on a caller-supplied registry so tests can use a
// fresh one. All methods are safe on a nil *Metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tinyexp"

// Metrics groups the service's collectors.
type Metrics struct {
	registry *prometheus.Registry

	assignments     *prometheus.CounterVec
	analyses        *prometheus.CounterVec
	pValue          prometheus.Histogram
	recommendations *prometheus.CounterVec
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobItems        *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

// New registers all collectors, plus Go runtime and process collectors, on a
// new registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		assignments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Subject assignments served, by group and where the answer came from.",
		}, []string{"group", "origin"}),
		analyses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Experiment analyses completed, by winner.",
		}, []string{"winner"}),
		pValue: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_p_value",
			Help:      "Distribution of reported p-values.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		recommendations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommendations_total",
			Help:      "Offer recommendations produced, by prediction source.",
		}, []string{"source"}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs, by job and outcome.",
		}, []string{"job", "outcome"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Scheduled job run duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),
		jobItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_items_total",
			Help:      "Batch items processed by scheduled jobs, by outcome.",
		}, []string{"job", "outcome"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code.",
		}, []string{"route", "code"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Assignment counts one served assignment.
func (m *Metrics) Assignment(group, origin string) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(group, origin).Inc()
}

// Analysis records one completed analysis.
func (m *Metrics) Analysis(winner string, pValue float64) {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues(winner).Inc()
	m.pValue.Observe(pValue)
}

// Recommendation counts one offer recommendation.
func (m *Metrics) Recommendation(source string) {
	if m == nil {
		return
	}
	m.recommendations.WithLabelValues(source).Inc()
}

// JobRun records a finished job run.
func (m *Metrics) JobRun(job, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// JobItems adds batch item outcomes for a job.
func (m *Metrics) JobItems(job string, succeeded, failed int) {
	if m == nil {
		return
	}
	m.jobItems.WithLabelValues(job, "succeeded").Add(float64(succeeded))
	m.jobItems.WithLabelValues(job, "failed").Add(float64(failed))
}

// HTTPRequest counts one request.
func (m *Metrics) HTTPRequest(route, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
}
