// Package worker runs the benchmark loop of one process: a pool of workers
// sharing one ledger client, each writing to its own block of meters.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/ledgerbench/internal/keyspace"
	"github.com/gateway-fm/ledgerbench/internal/metrics"
	"github.com/gateway-fm/ledgerbench/internal/payload"
	"github.com/gateway-fm/ledgerbench/internal/ratelimit"
	"github.com/gateway-fm/ledgerbench/internal/stats"
	"github.com/gateway-fm/ledgerbench/internal/submitter"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

const (
	// DefaultInterval is the pause between a worker's submissions.
	DefaultInterval = time.Second

	// flushTimeout bounds the final write of a worker's records.
	flushTimeout = 30 * time.Second
)

// State is the lifecycle state of a Worker.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateDone
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Submitter runs one request to completion. *submitter.Submitter implements it.
type Submitter interface {
	Submit(ctx context.Context, req submitter.Request) submitter.Result
}

// Config holds the dependencies of one worker.
type Config struct {
	ID        stats.WorkerID
	Cursor    *keyspace.Cursor
	Submitter Submitter
	Builder   payload.Builder
	Rand      *payload.Rand

	// Request is the template every submission starts from; Function and
	// Args are filled in per iteration.
	Request submitter.Request

	Interval time.Duration
	Policy   ratelimit.Policy
	Signal   *Signal
	Sink     stats.Sink
	Metrics  *metrics.Recorder // optional
	Logger   *slog.Logger
}

// Worker submits one measurement per iteration until its signal is set.
// A Worker runs once; it is driven by Run on a single goroutine.
type Worker struct {
	cfg     Config
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	state      atomic.Int32
	iterations metrics.Counter
	failures   metrics.Counter

	mu      sync.Mutex
	records []types.TxRecord
}

// New creates a worker in the created state.
func New(cfg Config) (*Worker, error) {
	if cfg.Cursor == nil || cfg.Submitter == nil || cfg.Builder == nil {
		return nil, fmt.Errorf("worker %d/%d: cursor, submitter and builder are required", cfg.ID.Process, cfg.ID.Worker)
	}
	if cfg.Rand == nil {
		cfg.Rand = payload.NewRand(payload.DefaultSeed)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Signal == nil {
		cfg.Signal = NewSignal()
	}
	if cfg.Sink == nil {
		cfg.Sink = stats.Discard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		cfg:     cfg,
		limiter: ratelimit.NewInterval(cfg.Interval, cfg.Policy),
		logger: logger.With(
			slog.Int("worker", cfg.ID.Worker),
			slog.Int("meterBase", cfg.ID.MeterBase),
		),
	}, nil
}

// Run executes iterations until the signal is set or ctx ends, then flushes
// the records to the sink. A submission already in flight when the signal
// is set runs to completion; only the next iteration is prevented.
// Cancelling ctx aborts in-flight submissions as well.
// The returned error is the sink's; submission failures are never fatal.
func (w *Worker) Run(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return fmt.Errorf("worker %d/%d: already started", w.cfg.ID.Process, w.cfg.ID.Worker)
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.ObserveWorker(true)
		defer w.cfg.Metrics.ObserveWorker(false)
	}

	// Pacing waits end early on stop; submissions only on ctx.
	pacingCtx, cancel := w.cfg.Signal.Context(ctx)
	defer cancel()

	for w.running(ctx) {
		if err := w.limiter.Wait(pacingCtx); err != nil {
			break
		}
		if !w.running(ctx) {
			break
		}
		w.iterate(ctx)
	}

	w.state.Store(int32(StateStopping))
	err := w.flush(ctx)
	w.state.Store(int32(StateDone))

	w.logger.Debug("worker stopped",
		slog.Int64("iterations", w.iterations.Load()),
		slog.Int64("failures", w.failures.Load()),
	)
	return err
}

func (w *Worker) running(ctx context.Context) bool {
	return !w.cfg.Signal.IsSet() && ctx.Err() == nil
}

// iterate submits one measurement for the meter under the cursor.
func (w *Worker) iterate(ctx context.Context) {
	meterID := w.cfg.Cursor.CurrentString()
	start := time.Now()

	res := w.submit(ctx, meterID)

	end := time.Now()
	w.mu.Lock()
	w.records = append(w.records, types.TxRecord{Start: start, End: end})
	w.mu.Unlock()

	w.iterations.Inc()
	if !res.OK {
		w.failures.Inc()
		w.logger.Debug("iteration failed",
			slog.String("meter", meterID),
			slog.String("error", res.AsError().Error()),
		)
	}

	// The offset advances on failure too
	w.cfg.Cursor.Advance()
}

func (w *Worker) submit(ctx context.Context, meterID string) submitter.Result {
	call, err := w.cfg.Builder.Build(meterID, w.cfg.Rand.Measurement())
	if err != nil {
		return submitter.Result{Err: &submitter.Error{Kind: submitter.KindEndorse, Message: "build payload: " + err.Error()}}
	}

	req := w.cfg.Request
	req.Function = call.Function
	req.Args = call.Args
	return w.cfg.Submitter.Submit(ctx, req)
}

func (w *Worker) flush(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()

	records := w.Records()
	if err := w.cfg.Sink.Record(flushCtx, w.cfg.ID, records); err != nil {
		w.logger.Error("failed to write statistics",
			slog.Int("records", len(records)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("worker %d/%d: %w", w.cfg.ID.Process, w.cfg.ID.Worker, err)
	}
	return nil
}

// ID returns the worker's identity.
func (w *Worker) ID() stats.WorkerID {
	return w.cfg.ID
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Iterations returns the number of completed iterations.
func (w *Worker) Iterations() int64 {
	return w.iterations.Load()
}

// Failures returns the number of iterations whose submission failed.
func (w *Worker) Failures() int64 {
	return w.failures.Load()
}

// Records returns a copy of the records collected so far.
func (w *Worker) Records() []types.TxRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]types.TxRecord, len(w.records))
	copy(out, w.records)
	return out
}
