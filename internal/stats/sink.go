// Package stats persists per-worker transaction records when workers stop.
package stats

import (
	"context"
	"errors"
	"strconv"

	"github.com/gateway-fm/ledgerbench/internal/storage"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// WorkerID identifies the worker whose records are being flushed.
type WorkerID struct {
	Process   int
	Worker    int
	MeterBase int // First meter identifier of the worker's block
}

// String returns the meter base as a decimal string. It names the
// worker's statistics file.
func (w WorkerID) String() string {
	return strconv.Itoa(w.MeterBase)
}

// Sink receives the records of a worker once, when it stops.
// Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, w WorkerID, records []types.TxRecord) error
}

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

// Record implements Sink. A failing sink does not prevent later sinks
// from receiving the records.
func (m MultiSink) Record(ctx context.Context, w WorkerID, records []types.TxRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, w, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StoreSink writes records to the run database.
type StoreSink struct {
	store storage.RecordWriter
	runID string
}

// NewStoreSink creates a sink writing records of runID to store.
func NewStoreSink(store storage.RecordWriter, runID string) *StoreSink {
	return &StoreSink{store: store, runID: runID}
}

// Record implements Sink.
func (s *StoreSink) Record(ctx context.Context, w WorkerID, records []types.TxRecord) error {
	key := storage.WorkerKey{Process: w.Process, Worker: w.Worker, MeterBase: w.MeterBase}
	return s.store.BulkInsertTxRecords(ctx, s.runID, key, records)
}

// Discard drops all records.
type Discard struct{}

// Record implements Sink.
func (Discard) Record(context.Context, WorkerID, []types.TxRecord) error { return nil }
