package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the sandbox system. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	WorkerSpawns      *prometheus.CounterVec
	PolicyDenials     *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	Detections        *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	RateLimited       prometheus.Counter
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "executions_total",
				Help:      "Total number of submissions by outcome kind and status code.",
			},
			[]string{"kind", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Duration of submissions in seconds, validation included.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "execution_errors_total",
				Help:      "Total engine errors by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Name:      "active_executions",
				Help:      "Number of worker processes currently running.",
			},
		),

		WorkerSpawns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "worker",
				Name:      "spawns_total",
				Help:      "Worker process starts by result.",
			},
			[]string{"result"},
		),

		PolicyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "policy",
				Name:      "denials_total",
				Help:      "Submissions rejected by the static policy, by rule.",
			},
			[]string{"rule"},
		),

		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Result cache lookups by result.",
			},
			[]string{"result"},
		),

		Detections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "suspicious_patterns_total",
				Help:      "Suspicious patterns seen in submissions.",
			},
			[]string{"pattern", "severity"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "api",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the per-client rate limiter.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "output_size_bytes",
				Help:      "Size of result text in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.WorkerSpawns,
		m.PolicyDenials,
		m.CacheLookups,
		m.Detections,
		m.RequestsInFlight,
		m.RateLimited,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordOutcome records metrics for a finished submission.
func (m *Metrics) RecordOutcome(kind string, status int, durationSec float64) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(kind, strconv.Itoa(status)).Inc()
	m.ExecutionDuration.WithLabelValues(kind).Observe(durationSec)
}

// RecordError records an engine error by type.
func (m *Metrics) RecordError(errType string) {
	if m == nil {
		return
	}
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

func (m *Metrics) RecordWorkerSpawn(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.WorkerSpawns.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordPolicyDenial(rule string) {
	if m == nil {
		return
	}
	m.PolicyDenials.WithLabelValues(rule).Inc()
}

// RecordCacheLookup records a cache hit, miss or error.
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordDetection(pattern, severity string) {
	if m == nil {
		return
	}
	m.Detections.WithLabelValues(pattern, severity).Inc()
}

func (m *Metrics) SetActive(n int64) {
	if m == nil {
		return
	}
	m.ActiveExecutions.Set(float64(n))
}

func (m *Metrics) ObserveCodeSize(n int) {
	if m == nil {
		return
	}
	m.CodeSizeBytes.Observe(float64(n))
}

func (m *Metrics) ObserveOutputSize(n int) {
	if m == nil {
		return
	}
	m.OutputSizeBytes.Observe(float64(n))
}
