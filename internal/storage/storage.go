package storage

import (
	"context"

	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// Storage defines the persistence interface for benchmark runs.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, id string, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error

	// Transaction records (written by worker processes when they stop)
	RecordWriter
	GetTxRecords(ctx context.Context, runID string) ([]TxRecordRow, error)
	CountTxRecords(ctx context.Context, runID string) (int, error)

	// Lifecycle
	Close() error
}

// RecordWriter persists one worker's transaction records.
type RecordWriter interface {
	BulkInsertTxRecords(ctx context.Context, runID string, w WorkerKey, records []types.TxRecord) error
}
