// Package storage provides persistence for benchmark run history.
package storage

import (
	"time"

	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// Run represents a persisted benchmark run.
// JSON tags use camelCase to match the HTTP API.
type Run struct {
	ID           string              `json:"id"`
	StartedAt    time.Time           `json:"startedAt"`
	CompletedAt  *time.Time          `json:"completedAt,omitempty"`
	Mode         string              `json:"mode"`
	Processes    int                 `json:"processes"`
	Threads      int                 `json:"threads"`
	PayloadKind  types.PayloadKind   `json:"payloadKind"`
	DurationMs   int64               `json:"durationMs"`
	Status       string              `json:"status"` // "running", "completed", "error"
	ErrorMessage string              `json:"errorMessage,omitempty"`
	LatencyStats *types.LatencyStats `json:"latencyStats,omitempty"`
	TxCount      int                 `json:"txCount"`
	TPS          float64             `json:"tps"`
	// User-defined metadata
	Label      *string `json:"label,omitempty"`
	IsFavorite bool    `json:"isFavorite"`
}

// RunMetadataUpdate carries optional metadata changes.
type RunMetadataUpdate struct {
	Label      *string `json:"label,omitempty"`
	IsFavorite *bool   `json:"isFavorite,omitempty"`
}

// WorkerKey identifies the worker that produced a batch of records.
type WorkerKey struct {
	Process   int `json:"process"`
	Worker    int `json:"worker"`
	MeterBase int `json:"meterBase"`
}

// TxRecordRow is one stored transaction record.
type TxRecordRow struct {
	WorkerKey
	Seq   int       `json:"seq"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Record converts the row back to the in-memory record type.
func (r TxRecordRow) Record() types.TxRecord {
	return types.TxRecord{Start: r.Start, End: r.End}
}

// RunDetail is a run together with its per-run summary.
type RunDetail struct {
	Run     *Run              `json:"run"`
	Summary *types.RunSummary `json:"summary,omitempty"`
}

// PaginatedRuns represents a paginated list of runs.
type PaginatedRuns struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}
