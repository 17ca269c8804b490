// Package types contains public API types for ledgerbench.
// These types form the external interface and must remain backwards-compatible.
package types

import (
	"fmt"
	"strings"
	"time"
)

// CompletionMode selects how far the submission protocol proceeds before
// returning. The numeric values are the ones used on the ledger invoke call.
type CompletionMode int

const (
	ModeFull          CompletionMode = 1 // endorse, broadcast and wait for commit
	ModeEndorseOnly   CompletionMode = 2 // stop after endorsement
	ModeBroadcastOnly CompletionMode = 3 // stop after the orderer accepted the envelope
)

// String returns the mode name.
func (m CompletionMode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeEndorseOnly:
		return "endorse-only"
	case ModeBroadcastOnly:
		return "broadcast-only"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Valid reports whether m is one of the known modes.
func (m CompletionMode) Valid() bool {
	return m == ModeFull || m == ModeEndorseOnly || m == ModeBroadcastOnly
}

// ParseCompletionMode accepts either the numeric form (1, 2, 3) or the name.
func ParseCompletionMode(s string) (CompletionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "full":
		return ModeFull, nil
	case "2", "endorse", "endorse-only":
		return ModeEndorseOnly, nil
	case "3", "broadcast", "broadcast-only":
		return ModeBroadcastOnly, nil
	}
	return 0, fmt.Errorf("invalid completion mode %q (valid: 1=full, 2=endorse-only, 3=broadcast-only)", s)
}

// PayloadKind selects how measurements are encoded.
type PayloadKind string

const (
	PayloadPlaintext PayloadKind = "plaintext"
	PayloadEncrypted PayloadKind = "encrypted"
	PayloadSignature PayloadKind = "signature"
)

// RunStatus represents the current run state.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusStarting  RunStatus = "starting"
	StatusRunning   RunStatus = "running"
	StatusStopping  RunStatus = "stopping"
	StatusCompleted RunStatus = "completed"
	StatusError     RunStatus = "error"
)

// ProcessState is the lifecycle state of one worker process.
type ProcessState string

const (
	ProcessPending ProcessState = "pending"
	ProcessRunning ProcessState = "running"
	ProcessExited  ProcessState = "exited"
	ProcessFailed  ProcessState = "failed"
)

// TxRecord brackets one full submission attempt.
type TxRecord struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Latency returns End - Start.
func (r TxRecord) Latency() time.Duration {
	return r.End.Sub(r.Start)
}

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`     // ms
	Max     float64         `json:"max"`     // ms
	Avg     float64         `json:"avg"`     // ms
	P50     float64         `json:"p50"`     // ms
	P75     float64         `json:"p75"`     // ms
	P90     float64         `json:"p90"`     // ms
	P95     float64         `json:"p95"`     // ms
	P99     float64         `json:"p99"`     // ms
	Buckets []LatencyBucket `json:"buckets"` // histogram
}

// ProcessStatus reports one worker process as seen by the coordinator.
type ProcessStatus struct {
	Index    int          `json:"index"`
	PID      int          `json:"pid,omitempty"`
	State    ProcessState `json:"state"`
	ExitCode int          `json:"exitCode"`
	Error    string       `json:"error,omitempty"`
}

// RunMetrics is the live view of a run served by the status API.
type RunMetrics struct {
	RunID       string          `json:"runId,omitempty"`
	Status      RunStatus       `json:"status"`
	Mode        string          `json:"mode,omitempty"`
	PayloadKind PayloadKind     `json:"payloadKind,omitempty"`
	Processes   int             `json:"processes"`
	Threads     int             `json:"threads"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	ElapsedMs   int64           `json:"elapsedMs"`
	DurationMs  int64           `json:"durationMs"`
	Workers     []ProcessStatus `json:"workers,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// RunSummary aggregates the recorded transactions of a finished run.
type RunSummary struct {
	RunID      string        `json:"runId"`
	Records    int           `json:"records"`
	Workers    int           `json:"workers"`
	FirstStart time.Time     `json:"firstStart"`
	LastEnd    time.Time     `json:"lastEnd"`
	TPS        float64       `json:"tps"`
	Latency    *LatencyStats `json:"latency,omitempty"`
}

// StartRunRequest is the body of a run start request.
type StartRunRequest struct {
	Mode        CompletionMode `json:"mode"`
	Processes   int            `json:"processes"`
	Threads     int            `json:"threads"`
	DurationSec int            `json:"durationSec"`
	PubKeyPath  string         `json:"pubKeyPath,omitempty"`
	KeyBits     int            `json:"keyBits,omitempty"`
	SignKeyPath string         `json:"signKeyPath,omitempty"`
}
