package metrics

import (
	"time"

	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// Recorder fans submission events out to the in-memory counters and, when
// configured, the Prometheus metric set. Safe for concurrent use.
type Recorder struct {
	phases  *PhaseCounters
	latency *Reservoir
	prom    *PrometheusMetrics
}

// NewRecorder creates a recorder. prom may be nil.
func NewRecorder(prom *PrometheusMetrics) *Recorder {
	return &Recorder{
		phases:  NewPhaseCounters(),
		latency: NewReservoir(0),
		prom:    prom,
	}
}

// ObservePhase records that a submission reached phase.
func (r *Recorder) ObservePhase(phase Phase) {
	r.phases.Record(phase)
	if r.prom != nil {
		r.prom.RecordPhase(phase)
	}
}

// ObserveSubmit records a finished submission. kind is empty on success.
func (r *Recorder) ObserveSubmit(mode types.CompletionMode, kind string, elapsed time.Duration) {
	r.phases.Done()
	r.latency.Add(elapsed)
	if r.prom != nil {
		r.prom.RecordSubmission(mode.String(), kind, elapsed.Seconds())
	}
}

// ObserveGatewayCall records one gateway round trip.
func (r *Recorder) ObserveGatewayCall(method string, err error, elapsed time.Duration) {
	if r.prom != nil {
		r.prom.RecordGatewayLatency(method, err == nil, elapsed.Seconds())
	}
}

// ObserveConnect records a client construction attempt.
func (r *Recorder) ObserveConnect(err error) {
	if r.prom != nil {
		r.prom.RecordConnectAttempt(err == nil)
	}
}

// ObserveRegistration records the outcome of one meter registration.
func (r *Recorder) ObserveRegistration(ok bool) {
	if r.prom != nil {
		r.prom.RecordRegistration(ok)
	}
}

// ObserveWorker records a worker entering (true) or leaving (false) the
// running state.
func (r *Recorder) ObserveWorker(running bool) {
	if r.prom == nil {
		return
	}
	if running {
		r.prom.WorkerStarted()
	} else {
		r.prom.WorkerStopped()
	}
}

// Phases returns a snapshot of the phase counters.
func (r *Recorder) Phases() PhaseStats {
	return r.phases.Snapshot()
}

// Latency returns the submit latency statistics, or nil before any sample.
func (r *Recorder) Latency() *types.LatencyStats {
	return r.latency.Stats()
}
