// Package coordinator runs a benchmark across worker processes.
//
// A run spawns one process per requested process index, each hosting a
// worker pool, lets them run for the configured duration and then stops and
// joins them. Workers persist their own records; the coordinator only tracks
// process lifecycles and records the run's outcome in the history store.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/ledgerbench/internal/config"
	"github.com/gateway-fm/ledgerbench/internal/keyspace"
	"github.com/gateway-fm/ledgerbench/internal/metrics"
	"github.com/gateway-fm/ledgerbench/internal/stats"
	"github.com/gateway-fm/ledgerbench/internal/storage"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

const (
	// MaxDuration caps the duration of a single run.
	MaxDuration = 24 * time.Hour

	// storeTimeout bounds each history write.
	storeTimeout = 30 * time.Second
)

var (
	// ErrRunActive is returned when a run is started while another is active.
	ErrRunActive = errors.New("a run is already active")

	// ErrNoHistory is returned by history queries when no store is configured.
	ErrNoHistory = errors.New("run history is disabled")
)

// Plan describes one run.
type Plan struct {
	config.RunArgs
	Duration time.Duration
}

// PlanFromRequest converts an API request into a Plan.
func PlanFromRequest(req types.StartRunRequest) Plan {
	return Plan{
		RunArgs: config.RunArgs{
			Mode:        req.Mode,
			Processes:   req.Processes,
			Threads:     req.Threads,
			PubKeyPath:  req.PubKeyPath,
			KeyBits:     req.KeyBits,
			SignKeyPath: req.SignKeyPath,
		},
		Duration: time.Duration(req.DurationSec) * time.Second,
	}
}

// Validate checks the plan against the allocator bounds.
func (p Plan) Validate() error {
	if !p.Mode.Valid() {
		return fmt.Errorf("invalid completion mode %d", p.Mode)
	}
	if err := p.RunArgs.Validate(keyspace.Default()); err != nil {
		return err
	}
	if p.Duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if p.Duration > MaxDuration {
		return fmt.Errorf("duration exceeds maximum of %s", MaxDuration)
	}
	return nil
}

// Config holds the dependencies of a Coordinator.
type Config struct {
	Launcher Launcher
	Store    storage.Storage // optional, disables history when nil

	// Collector is the metrics collector command line, empty for none.
	Collector       []string
	CollectorOutput io.Writer

	Metrics *metrics.PrometheusMetrics // optional
	Logger  *slog.Logger
}

// Result is the outcome of a finished run.
type Result struct {
	RunID     string                `json:"runId"`
	Status    types.RunStatus       `json:"status"`
	Processes []types.ProcessStatus `json:"processes"`
	Summary   *types.RunSummary     `json:"summary,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// Coordinator runs one benchmark at a time.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	status    types.RunStatus
	runID     string
	plan      Plan
	startedAt time.Time
	procs     []types.ProcessStatus
	runErr    string
	stop      chan struct{}
	stopOnce  *sync.Once
	done      chan struct{}
	result    *Result

	elapsedAtFinish int64
}

// New creates an idle coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	done := make(chan struct{})
	close(done)
	c := &Coordinator{
		cfg:    cfg,
		logger: logger,
		status: types.StatusIdle,
		done:   done,
	}
	c.reportStatus(types.StatusIdle)
	return c, nil
}

// Start begins a run in the background and returns its id. The run does not
// end with ctx; use Stop.
func (c *Coordinator) Start(ctx context.Context, plan Plan) (string, error) {
	if err := plan.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.activeLocked() {
		c.mu.Unlock()
		return "", ErrRunActive
	}
	runID := uuid.NewString()
	stop := make(chan struct{})
	done := make(chan struct{})

	c.status = types.StatusStarting
	c.runID = runID
	c.plan = plan
	c.startedAt = time.Now()
	c.runErr = ""
	c.result = nil
	c.stop = stop
	c.stopOnce = new(sync.Once)
	c.done = done
	c.procs = make([]types.ProcessStatus, plan.Processes)
	for i := range c.procs {
		c.procs[i] = types.ProcessStatus{Index: i, State: types.ProcessPending}
	}
	c.mu.Unlock()
	c.reportStatus(types.StatusStarting)

	go c.execute(context.WithoutCancel(ctx), runID, plan, stop, done)
	return runID, nil
}

// Run starts a run and blocks until it finished. Cancelling ctx stops the
// run early; the result is still complete.
func (c *Coordinator) Run(ctx context.Context, plan Plan) (*Result, error) {
	if _, err := c.Start(ctx, plan); err != nil {
		return nil, err
	}

	done := c.Done()
	select {
	case <-done:
	case <-ctx.Done():
		c.Stop()
		<-done
	}

	res := c.LastResult()
	if res.Status == types.StatusError {
		return res, fmt.Errorf("run %s failed: %s", res.RunID, res.Error)
	}
	return res, nil
}

// Stop ends the active run before its duration elapsed. It returns
// immediately; use Done to wait for the processes to exit.
func (c *Coordinator) Stop() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopOnce != nil && c.activeLocked() {
		c.stopOnce.Do(func() { close(c.stop) })
	}
}

// Done returns a channel closed when the current run finished. It is
// already closed when no run was started.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// LastResult returns the result of the most recent finished run, or nil.
func (c *Coordinator) LastResult() *Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.result
}

// Status returns the live view of the current or last run.
func (c *Coordinator) Status() types.RunMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := types.RunMetrics{
		RunID:  c.runID,
		Status: c.status,
		Error:  c.runErr,
	}
	if c.runID == "" {
		return m
	}

	m.Mode = c.plan.Mode.String()
	m.PayloadKind = c.plan.PayloadKind()
	m.Processes = c.plan.Processes
	m.Threads = c.plan.Threads
	m.DurationMs = c.plan.Duration.Milliseconds()
	startedAt := c.startedAt
	m.StartedAt = &startedAt
	m.Workers = append([]types.ProcessStatus(nil), c.procs...)
	if c.activeLocked() {
		m.ElapsedMs = time.Since(c.startedAt).Milliseconds()
	} else if c.result != nil {
		m.ElapsedMs = c.elapsedAtFinish
	}
	return m
}

func (c *Coordinator) activeLocked() bool {
	switch c.status {
	case types.StatusStarting, types.StatusRunning, types.StatusStopping:
		return true
	}
	return false
}

// execute drives one run from launch to history record.
func (c *Coordinator) execute(ctx context.Context, runID string, plan Plan, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	logger := c.logger.With(slog.String("runId", runID))

	logger.Info("run starting",
		slog.String("mode", plan.Mode.String()),
		slog.Int("processes", plan.Processes),
		slog.Int("threads", plan.Threads),
		slog.String("payload", string(plan.PayloadKind())),
		slog.Duration("duration", plan.Duration),
	)

	if err := c.recordStart(ctx, runID, plan); err != nil {
		c.finish(ctx, runID, logger, fmt.Errorf("record run: %w", err))
		return
	}

	var collector *Collector
	if len(c.cfg.Collector) > 0 {
		var err error
		collector, err = StartCollector(c.cfg.Collector, c.cfg.CollectorOutput, logger)
		if err != nil {
			c.finish(ctx, runID, logger, err)
			return
		}
	}

	var (
		wg        sync.WaitGroup
		procs     []Process
		launchErr error
	)
	for i := 0; i < plan.Processes; i++ {
		spec := ProcessSpec{
			RunID:       runID,
			Index:       i,
			Mode:        plan.Mode,
			Threads:     plan.Threads,
			PubKeyPath:  plan.PubKeyPath,
			KeyBits:     plan.KeyBits,
			SignKeyPath: plan.SignKeyPath,
		}
		p, err := c.cfg.Launcher.Launch(ctx, spec)
		if err != nil {
			launchErr = err
			c.setProcess(i, func(ps *types.ProcessStatus) {
				ps.State = types.ProcessFailed
				ps.Error = err.Error()
			})
			break
		}
		procs = append(procs, p)
		c.setProcess(i, func(ps *types.ProcessStatus) {
			ps.State = types.ProcessRunning
			ps.PID = p.PID()
		})

		wg.Add(1)
		go func(i int, p Process) {
			defer wg.Done()
			err := p.Wait()
			c.setProcess(i, func(ps *types.ProcessStatus) {
				ps.ExitCode = exitCode(err)
				if err != nil {
					ps.State = types.ProcessFailed
					ps.Error = err.Error()
				} else {
					ps.State = types.ProcessExited
				}
			})
			if err != nil {
				logger.Warn("worker process failed", slog.Int("process", i), slog.String("error", err.Error()))
			}
		}(i, p)
	}

	allExited := make(chan struct{})
	go func() {
		wg.Wait()
		close(allExited)
	}()

	if launchErr == nil {
		c.setStatus(types.StatusRunning)
		logger.Info("run started", slog.Int("processes", len(procs)))

		timer := time.NewTimer(plan.Duration)
		select {
		case <-timer.C:
			logger.Info("run duration elapsed")
		case <-stop:
			logger.Info("run stopped early")
		case <-allExited:
			logger.Warn("all worker processes exited before the run ended")
		}
		timer.Stop()
	}

	c.setStatus(types.StatusStopping)
	for _, p := range procs {
		p.Stop()
	}
	<-allExited

	if collector != nil {
		collector.Stop()
	}

	c.finish(ctx, runID, logger, launchErr)
}

func (c *Coordinator) recordStart(ctx context.Context, runID string, plan Plan) error {
	if c.cfg.Store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	c.mu.RLock()
	startedAt := c.startedAt
	c.mu.RUnlock()

	return c.cfg.Store.CreateRun(ctx, &storage.Run{
		ID:          runID,
		StartedAt:   startedAt,
		Mode:        plan.Mode.String(),
		Processes:   plan.Processes,
		Threads:     plan.Threads,
		PayloadKind: plan.PayloadKind(),
		DurationMs:  plan.Duration.Milliseconds(),
	})
}

// finish summarizes the run, records the outcome and publishes the result.
func (c *Coordinator) finish(ctx context.Context, runID string, logger *slog.Logger, runErr error) {
	c.mu.RLock()
	procs := append([]types.ProcessStatus(nil), c.procs...)
	c.mu.RUnlock()

	var failures []string
	if runErr != nil {
		failures = append(failures, runErr.Error())
	}
	for _, p := range procs {
		if p.State == types.ProcessFailed && (runErr == nil || p.Error != runErr.Error()) {
			failures = append(failures, fmt.Sprintf("process %d: %s", p.Index, p.Error))
		}
	}

	status := types.StatusCompleted
	errMsg := ""
	if len(failures) > 0 {
		status = types.StatusError
		errMsg = strings.Join(failures, "; ")
	}

	summary := c.summarize(ctx, runID, logger)
	c.recordFinish(ctx, runID, status, errMsg, summary, logger)

	c.mu.Lock()
	c.status = status
	c.runErr = errMsg
	c.elapsedAtFinish = time.Since(c.startedAt).Milliseconds()
	c.result = &Result{
		RunID:     runID,
		Status:    status,
		Processes: procs,
		Summary:   summary,
		Error:     errMsg,
	}
	c.mu.Unlock()
	c.reportStatus(status)

	attrs := []any{slog.String("status", string(status))}
	if summary != nil {
		attrs = append(attrs, slog.Int("records", summary.Records), slog.Float64("tps", summary.TPS))
	}
	if errMsg != "" {
		attrs = append(attrs, slog.String("error", errMsg))
	}
	logger.Info("run finished", attrs...)
}

func (c *Coordinator) summarize(ctx context.Context, runID string, logger *slog.Logger) *types.RunSummary {
	if c.cfg.Store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	rows, err := c.cfg.Store.GetTxRecords(ctx, runID)
	if err != nil {
		logger.Error("failed to load run records", slog.String("error", err.Error()))
		return nil
	}
	return stats.Summarize(runID, rows)
}

func (c *Coordinator) recordFinish(ctx context.Context, runID string, status types.RunStatus, errMsg string, summary *types.RunSummary, logger *slog.Logger) {
	if c.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	run := &storage.Run{Status: string(status), ErrorMessage: errMsg}
	if summary != nil {
		run.LatencyStats = summary.Latency
		run.TxCount = summary.Records
		run.TPS = summary.TPS
	}
	if err := c.cfg.Store.CompleteRun(ctx, runID, run); err != nil {
		logger.Error("failed to record run outcome", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) setStatus(status types.RunStatus) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	c.reportStatus(status)
}

func (c *Coordinator) setProcess(i int, update func(*types.ProcessStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < len(c.procs) {
		update(&c.procs[i])
	}
}

func (c *Coordinator) reportStatus(status types.RunStatus) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SetRunStatus(string(status))
	}
}

// History returns a page of past runs.
func (c *Coordinator) History(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error) {
	if c.cfg.Store == nil {
		return nil, ErrNoHistory
	}
	return c.cfg.Store.ListRuns(ctx, limit, offset)
}

// RunDetail returns a stored run with the summary of its records, or nil
// when the run does not exist.
func (c *Coordinator) RunDetail(ctx context.Context, id string) (*storage.RunDetail, error) {
	if c.cfg.Store == nil {
		return nil, ErrNoHistory
	}
	run, err := c.cfg.Store.GetRun(ctx, id)
	if err != nil || run == nil {
		return nil, err
	}
	rows, err := c.cfg.Store.GetTxRecords(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load records of run %s: %w", id, err)
	}
	return &storage.RunDetail{Run: run, Summary: stats.Summarize(id, rows)}, nil
}

// DeleteRun removes a finished run and its records.
func (c *Coordinator) DeleteRun(ctx context.Context, id string) error {
	if c.cfg.Store == nil {
		return ErrNoHistory
	}
	c.mu.RLock()
	active := c.activeLocked() && c.runID == id
	c.mu.RUnlock()
	if active {
		return ErrRunActive
	}
	return c.cfg.Store.DeleteRun(ctx, id)
}

// UpdateRunMetadata changes the label or favorite flag of a run.
func (c *Coordinator) UpdateRunMetadata(ctx context.Context, id string, update *storage.RunMetadataUpdate) error {
	if c.cfg.Store == nil {
		return ErrNoHistory
	}
	return c.cfg.Store.UpdateRunMetadata(ctx, id, update)
}
