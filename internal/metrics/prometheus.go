package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds all Prometheus metrics for ledgerbench.
type PrometheusMetrics struct {
	// Counters
	SubmissionsTotal   *prometheus.CounterVec
	PhaseTotal         *prometheus.CounterVec
	FailuresTotal      *prometheus.CounterVec
	ConnectAttempts    *prometheus.CounterVec
	RegistrationsTotal *prometheus.CounterVec

	// Gauges
	WorkersRunning prometheus.Gauge
	RunStatus      *prometheus.GaugeVec

	// Histograms
	SubmitLatency  *prometheus.HistogramVec
	GatewayLatency *prometheus.HistogramVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		SubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerbench_submissions_total",
				Help: "Completed submissions by completion mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		PhaseTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerbench_phase_total",
				Help: "Submissions that reached each protocol phase",
			},
			[]string{"phase"},
		),

		FailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerbench_failures_total",
				Help: "Failed submissions by failure kind",
			},
			[]string{"kind"},
		),

		ConnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerbench_connect_attempts_total",
				Help: "Ledger client handle construction attempts by outcome",
			},
			[]string{"outcome"},
		),

		RegistrationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerbench_registrations_total",
				Help: "Meter registrations by outcome",
			},
			[]string{"outcome"},
		),

		WorkersRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledgerbench_workers_running",
				Help: "Workers currently in the running state",
			},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledgerbench_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		SubmitLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerbench_submit_latency_seconds",
				Help:    "End-to-end submission latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"mode"},
		),

		GatewayLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerbench_gateway_latency_seconds",
				Help:    "Gateway call latency by method",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "status"},
		),
	}
}

// RecordSubmission records a finished submission. kind is empty on success.
func (m *PrometheusMetrics) RecordSubmission(mode, kind string, latencySeconds float64) {
	outcome := "success"
	if kind != "" {
		outcome = "failure"
		m.FailuresTotal.WithLabelValues(kind).Inc()
	}
	m.SubmissionsTotal.WithLabelValues(mode, outcome).Inc()
	m.SubmitLatency.WithLabelValues(mode).Observe(latencySeconds)
}

// RecordPhase records a phase transition.
func (m *PrometheusMetrics) RecordPhase(phase Phase) {
	m.PhaseTotal.WithLabelValues(phase.String()).Inc()
}

// RecordConnectAttempt records a handle construction attempt.
func (m *PrometheusMetrics) RecordConnectAttempt(success bool) {
	m.ConnectAttempts.WithLabelValues(outcomeLabel(success)).Inc()
}

// RecordRegistration records a meter registration.
func (m *PrometheusMetrics) RecordRegistration(success bool) {
	m.RegistrationsTotal.WithLabelValues(outcomeLabel(success)).Inc()
}

// knownGatewayMethods is a fixed set of gateway methods to bound label cardinality.
var knownGatewayMethods = map[string]bool{
	"ledger_endorse":          true,
	"ledger_broadcast":        true,
	"ledger_queryTransaction": true,
	"ledger_query":            true,
	"ledger_ping":             true,
}

// RecordGatewayLatency records gateway call latency.
func (m *PrometheusMetrics) RecordGatewayLatency(method string, success bool, latencySeconds float64) {
	bucketedMethod := method
	if !knownGatewayMethods[method] {
		bucketedMethod = "other"
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.GatewayLatency.WithLabelValues(bucketedMethod, status).Observe(latencySeconds)
}

// WorkerStarted increments the running worker gauge.
func (m *PrometheusMetrics) WorkerStarted() {
	m.WorkersRunning.Inc()
}

// WorkerStopped decrements the running worker gauge.
func (m *PrometheusMetrics) WorkerStopped() {
	m.WorkersRunning.Dec()
}

// SetRunStatus updates the run status gauges.
func (m *PrometheusMetrics) SetRunStatus(status string) {
	for _, s := range []string{"idle", "starting", "running", "stopping", "completed", "error"} {
		if s == status {
			m.RunStatus.WithLabelValues(s).Set(1)
		} else {
			m.RunStatus.WithLabelValues(s).Set(0)
		}
	}
}

// Reset resets counters and gauges. Histograms are cumulative and kept.
func (m *PrometheusMetrics) Reset() {
	m.SubmissionsTotal.Reset()
	m.PhaseTotal.Reset()
	m.FailuresTotal.Reset()
	m.ConnectAttempts.Reset()
	m.RegistrationsTotal.Reset()
	m.SubmitLatency.Reset()
	m.GatewayLatency.Reset()
	m.WorkersRunning.Set(0)
	m.SetRunStatus("idle")
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
