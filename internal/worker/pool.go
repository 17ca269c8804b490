package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/ledgerbench/internal/keyspace"
	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/internal/metrics"
	"github.com/gateway-fm/ledgerbench/internal/payload"
	"github.com/gateway-fm/ledgerbench/internal/ratelimit"
	"github.com/gateway-fm/ledgerbench/internal/stats"
	"github.com/gateway-fm/ledgerbench/internal/submitter"
)

// ErrConstructFailed is returned when the ledger client could not be built
// within the retry budget. It is fatal for the process.
var ErrConstructFailed = errors.New("ledger client construction failed")

// Connector builds the ledger client shared by a pool. Implementations need
// not be safe for concurrent use; the pool serializes calls.
type Connector func(ctx context.Context) (ledger.Client, error)

// RetryPolicy bounds client construction attempts.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns the construction retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// PoolConfig holds the configuration of a process's worker pool.
type PoolConfig struct {
	Process   int
	Threads   int
	Allocator keyspace.Allocator

	Connect Connector
	Retry   RetryPolicy

	Builder payload.Builder
	Rand    *payload.Rand

	// Request is the submission template shared by all workers.
	Request      submitter.Request
	PollInterval time.Duration

	Interval time.Duration
	Policy   ratelimit.Policy

	Sink    stats.Sink
	Metrics *metrics.Recorder // optional
	Logger  *slog.Logger
}

// PoolStats summarizes the workers of a pool.
type PoolStats struct {
	Workers    int   `json:"workers"`
	Iterations int64 `json:"iterations"`
	Failures   int64 `json:"failures"`
}

// Pool hosts the workers of one process.
type Pool struct {
	cfg    PoolConfig
	signal *Signal
	logger *slog.Logger

	// guard serializes client construction and nothing else.
	guard  sync.Mutex
	client ledger.Client

	mu      sync.Mutex
	workers []*Worker
	started bool
	wg      sync.WaitGroup
	errs    []error
}

// NewPool validates cfg and creates an idle pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Threads < 1 {
		return nil, fmt.Errorf("threads must be at least 1")
	}
	if cfg.Allocator == (keyspace.Allocator{}) {
		cfg.Allocator = keyspace.Default()
	}
	if err := cfg.Allocator.Check(cfg.Process, cfg.Threads-1); err != nil {
		return nil, err
	}
	if cfg.Connect == nil {
		return nil, fmt.Errorf("connector is required")
	}
	if cfg.Builder == nil {
		return nil, fmt.Errorf("payload builder is required")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Rand == nil {
		cfg.Rand = payload.NewRand(payload.DefaultSeed)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		cfg:    cfg,
		signal: NewSignal(),
		logger: logger.With(slog.Int("process", cfg.Process)),
	}, nil
}

// Client returns the shared ledger client, building it on first use.
// Concurrent callers wait for the construction in progress.
func (p *Pool) Client(ctx context.Context) (ledger.Client, error) {
	p.guard.Lock()
	defer p.guard.Unlock()

	if p.client != nil {
		return p.client, nil
	}

	client, err := p.construct(ctx)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

// construct calls the connector with exponential backoff until it succeeds
// or the attempts are exhausted.
func (p *Pool) construct(ctx context.Context) (ledger.Client, error) {
	policy := p.cfg.Retry
	backoff := policy.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		client, err := p.cfg.Connect(ctx)
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.ObserveConnect(err)
		}
		if err == nil {
			if attempt > 1 {
				p.logger.Info("ledger client constructed", slog.Int("attempts", attempt))
			}
			return client, nil
		}
		lastErr = err

		if attempt == policy.MaxAttempts {
			break
		}
		p.logger.Warn("ledger client construction failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrConstructFailed, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, policy.MaxBackoff)
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrConstructFailed, policy.MaxAttempts, lastErr)
}

// Start builds the shared client and starts the workers. Workers run until
// Stop is called or ctx ends.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pool already started")
	}
	p.started = true
	p.mu.Unlock()

	client, err := p.Client(ctx)
	if err != nil {
		return err
	}

	sub := submitter.New(submitter.Config{
		Client:       client,
		PollInterval: p.cfg.PollInterval,
		Observer:     p.observer(),
		Logger:       p.logger,
	})

	workers := make([]*Worker, 0, p.cfg.Threads)
	for i := 0; i < p.cfg.Threads; i++ {
		cursor, err := p.cfg.Allocator.NewCursor(p.cfg.Process, i)
		if err != nil {
			return err
		}
		w, err := New(Config{
			ID:        stats.WorkerID{Process: p.cfg.Process, Worker: i, MeterBase: cursor.Base()},
			Cursor:    cursor,
			Submitter: sub,
			Builder:   p.cfg.Builder,
			Rand:      p.cfg.Rand,
			Request:   p.cfg.Request,
			Interval:  p.cfg.Interval,
			Policy:    p.cfg.Policy,
			Signal:    p.signal,
			Sink:      p.cfg.Sink,
			Metrics:   p.cfg.Metrics,
			Logger:    p.logger,
		})
		if err != nil {
			return err
		}
		workers = append(workers, w)
	}

	p.mu.Lock()
	p.workers = workers
	p.mu.Unlock()

	for _, w := range workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			if err := w.Run(ctx); err != nil {
				p.mu.Lock()
				p.errs = append(p.errs, err)
				p.mu.Unlock()
			}
		}(w)
	}

	first, _ := p.cfg.Allocator.Range(p.cfg.Process, 0)
	_, last := p.cfg.Allocator.Range(p.cfg.Process, p.cfg.Threads-1)
	p.logger.Info("workers started",
		slog.Int("threads", p.cfg.Threads),
		slog.Int("firstMeter", first),
		slog.Int("lastMeter", last),
		slog.String("mode", p.cfg.Request.Mode.String()),
	)
	return nil
}

func (p *Pool) observer() submitter.Observer {
	if p.cfg.Metrics == nil {
		return nil
	}
	return p.cfg.Metrics
}

// Stop sets the shared signal. Workers finish their current iteration.
func (p *Pool) Stop() {
	p.signal.Set()
}

// Wait blocks until every worker has flushed its records and returns the
// joined sink errors.
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

// Workers returns the pool's workers, empty before Start.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Worker(nil), p.workers...)
}

// Stats sums the worker counters.
func (p *Pool) Stats() PoolStats {
	var s PoolStats
	for _, w := range p.Workers() {
		s.Workers++
		s.Iterations += w.Iterations()
		s.Failures += w.Failures()
	}
	return s
}
