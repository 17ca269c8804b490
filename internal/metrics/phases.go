package metrics

// Phase is a step of the submission protocol a transaction reached.
type Phase int

const (
	PhaseProposed Phase = iota
	PhaseEndorsed
	PhaseBroadcast
	PhaseCommitted
	PhaseFailed
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseProposed:
		return "proposed"
	case PhaseEndorsed:
		return "endorsed"
	case PhaseBroadcast:
		return "broadcast"
	case PhaseCommitted:
		return "committed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PhaseStats is a snapshot of PhaseCounters.
type PhaseStats struct {
	Proposed     int64 `json:"proposed"`
	Endorsed     int64 `json:"endorsed"`
	Broadcast    int64 `json:"broadcast"`
	Committed    int64 `json:"committed"`
	Failed       int64 `json:"failed"`
	InFlight     int64 `json:"inFlight"`
	PeakInFlight int64 `json:"peakInFlight"`
}

// PhaseCounters counts how many submissions reached each phase.
// A submission that is proposed enters flight; committing, failing or
// finishing early in a short-circuit mode leaves it.
type PhaseCounters struct {
	proposed  Counter
	endorsed  Counter
	broadcast Counter
	committed Counter
	failed    Counter
	inFlight  Counter
	peak      Counter
}

// NewPhaseCounters creates zeroed counters.
func NewPhaseCounters() *PhaseCounters {
	return &PhaseCounters{}
}

// Record counts one transition into phase.
func (c *PhaseCounters) Record(phase Phase) {
	switch phase {
	case PhaseProposed:
		c.proposed.Inc()
		c.peak.Max(c.inFlight.Inc())
	case PhaseEndorsed:
		c.endorsed.Inc()
	case PhaseBroadcast:
		c.broadcast.Inc()
	case PhaseCommitted:
		c.committed.Inc()
	case PhaseFailed:
		c.failed.Inc()
	}
}

// Done marks a submission as no longer in flight.
func (c *PhaseCounters) Done() {
	c.inFlight.Dec()
}

// Snapshot returns the current counts.
func (c *PhaseCounters) Snapshot() PhaseStats {
	return PhaseStats{
		Proposed:     c.proposed.Load(),
		Endorsed:     c.endorsed.Load(),
		Broadcast:    c.broadcast.Load(),
		Committed:    c.committed.Load(),
		Failed:       c.failed.Load(),
		InFlight:     c.inFlight.Load(),
		PeakInFlight: c.peak.Load(),
	}
}

// Reset zeroes all counters.
func (c *PhaseCounters) Reset() {
	c.proposed.Reset()
	c.endorsed.Reset()
	c.broadcast.Reset()
	c.committed.Reset()
	c.failed.Reset()
	c.inFlight.Reset()
	c.peak.Reset()
}
