// Package register creates on the ledger every meter a run will write to.
//
// Meters are enumerated with the same keyspace allocator the workers use, so
// a run configured with the same process and thread counts only ever writes
// to registered meters.
package register

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gateway-fm/ledgerbench/internal/keyspace"
	"github.com/gateway-fm/ledgerbench/internal/metrics"
	"github.com/gateway-fm/ledgerbench/internal/payload"
	"github.com/gateway-fm/ledgerbench/internal/sender"
	"github.com/gateway-fm/ledgerbench/internal/submitter"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// maxReportedFailures caps the failures kept in a Report.
const maxReportedFailures = 100

// Config holds the parameters of a registration pass.
type Config struct {
	Allocator keyspace.Allocator
	Processes int
	Threads   int

	// PublicKey is stored with every meter: a "kbits,N,G,Nsq" Paillier key
	// or a PEM ECDSA key. Empty registers plaintext meters.
	PublicKey string

	Sender *sender.Sender

	// Request is the submission template; Function and Args are set per
	// meter. A zero Mode selects full mode.
	Request submitter.Request

	Metrics *metrics.Recorder // optional
	Logger  *slog.Logger
}

// Failure is one meter that could not be registered.
type Failure struct {
	MeterID int                 `json:"meterId"`
	Kind    submitter.ErrorKind `json:"kind"`
	Message string              `json:"message"`
}

// Report summarizes a registration pass.
type Report struct {
	Total      int           `json:"total"`
	Registered int           `json:"registered"`
	Failed     int           `json:"failed"`
	Failures   []Failure     `json:"failures,omitempty"` // first failures, sorted by meter
	Elapsed    time.Duration `json:"elapsed"`
}

// Run registers every meter of processes x threads x worker block.
// Per-meter failures are counted, not fatal. The error is non-nil only if
// the configuration is invalid or ctx ends before every registration was
// dispatched; the Report then covers the meters dispatched so far.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if cfg.Processes < 1 || cfg.Threads < 1 {
		return nil, fmt.Errorf("processes and threads must be at least 1")
	}
	if cfg.Allocator == (keyspace.Allocator{}) {
		cfg.Allocator = keyspace.Default()
	}
	if err := cfg.Allocator.Check(cfg.Processes-1, cfg.Threads-1); err != nil {
		return nil, err
	}
	if cfg.Request.Mode == 0 {
		cfg.Request.Mode = types.ModeFull
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	start := time.Now()
	var (
		mu     sync.Mutex
		report Report
	)

	logger.Info("registering meters",
		slog.Int("processes", cfg.Processes),
		slog.Int("threads", cfg.Threads),
		slog.Int("meters", cfg.Processes*cfg.Threads*cfg.Allocator.WorkerBlock),
		slog.Bool("withKey", cfg.PublicKey != ""),
	)

	err := cfg.Allocator.Each(cfg.Processes, cfg.Threads, func(process, worker, id int) error {
		call := payload.RegisterCall(strconv.Itoa(id), cfg.PublicKey)
		req := cfg.Request
		req.Function = call.Function
		req.Args = call.Args

		return cfg.Sender.Send(ctx, req, func(res submitter.Result) {
			if cfg.Metrics != nil {
				cfg.Metrics.ObserveRegistration(res.OK)
			}

			mu.Lock()
			defer mu.Unlock()
			report.Total++
			if res.OK {
				report.Registered++
				return
			}
			report.Failed++
			if len(report.Failures) < maxReportedFailures {
				report.Failures = append(report.Failures, Failure{MeterID: id, Kind: res.Err.Kind, Message: res.Err.Message})
			}
			logger.Debug("meter registration failed",
				slog.Int("meter", id),
				slog.String("kind", string(res.Err.Kind)),
				slog.String("message", res.Err.Message),
			)
		})
	})

	cfg.Sender.Wait()

	mu.Lock()
	defer mu.Unlock()
	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].MeterID < report.Failures[j].MeterID })
	report.Elapsed = time.Since(start)

	logger.Info("registration finished",
		slog.Int("registered", report.Registered),
		slog.Int("failed", report.Failed),
		slog.Duration("elapsed", report.Elapsed),
	)

	out := report
	if err != nil {
		return &out, fmt.Errorf("registration interrupted: %w", err)
	}
	return &out, nil
}
