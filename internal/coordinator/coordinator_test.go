package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gateway-fm/ledgerbench/internal/config"
	"github.com/gateway-fm/ledgerbench/internal/keyspace"
	"github.com/gateway-fm/ledgerbench/internal/stats"
	"github.com/gateway-fm/ledgerbench/internal/storage"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// recordingRun waits for the stop request, then flushes perWorker records
// for every worker of the process, like a real worker pool does.
func recordingRun(store storage.RecordWriter, perWorker int) RunFunc {
	return func(ctx context.Context, spec ProcessSpec) error {
		<-ctx.Done()
		sink := stats.NewStoreSink(store, spec.RunID)
		alloc := keyspace.Default()
		t0 := time.Now()
		for w := 0; w < spec.Threads; w++ {
			records := make([]types.TxRecord, perWorker)
			for i := range records {
				start := t0.Add(time.Duration(i) * time.Second)
				records[i] = types.TxRecord{Start: start, End: start.Add(200 * time.Millisecond)}
			}
			id := stats.WorkerID{Process: spec.Index, Worker: w, MeterBase: alloc.Base(spec.Index, w)}
			if err := sink.Record(context.Background(), id, records); err != nil {
				return err
			}
		}
		return nil
	}
}

func testPlan(processes, threads int, d time.Duration) Plan {
	return Plan{
		RunArgs:  config.RunArgs{Mode: types.ModeFull, Processes: processes, Threads: threads},
		Duration: d,
	}
}

func waitForStatus(t *testing.T, c *Coordinator, want types.RunStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status().Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status never reached %s (last %s)", want, c.Status().Status)
}

func TestRunRecordsHistory(t *testing.T) {
	store := newStore(t)
	c, err := New(Config{
		Launcher: &InProcessLauncher{Run: recordingRun(store, 5)},
		Store:    store,
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := c.Run(context.Background(), testPlan(2, 3, 30*time.Millisecond))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != types.StatusCompleted || res.RunID == "" {
		t.Errorf("result = %+v", res)
	}
	for _, p := range res.Processes {
		if p.State != types.ProcessExited || p.ExitCode != 0 {
			t.Errorf("process %d: %+v", p.Index, p)
		}
	}
	if res.Summary == nil || res.Summary.Records != 30 || res.Summary.Workers != 6 {
		t.Fatalf("summary = %+v", res.Summary)
	}

	run, err := store.GetRun(context.Background(), res.RunID)
	if err != nil || run == nil {
		t.Fatalf("GetRun: %v, %v", run, err)
	}
	if run.Status != string(types.StatusCompleted) || run.TxCount != 30 || run.CompletedAt == nil {
		t.Errorf("stored run = %+v", run)
	}
	if run.LatencyStats == nil || run.LatencyStats.P50 != 200 {
		t.Errorf("stored latency = %+v", run.LatencyStats)
	}

	st := c.Status()
	if st.Status != types.StatusCompleted || st.RunID != res.RunID || st.Processes != 2 || st.Threads != 3 {
		t.Errorf("status = %+v", st)
	}
	if st.Mode != "full" || st.PayloadKind != types.PayloadPlaintext {
		t.Errorf("status mode/payload = %s/%s", st.Mode, st.PayloadKind)
	}
}

func TestStopEndsRunEarly(t *testing.T) {
	c, _ := New(Config{Launcher: &InProcessLauncher{Run: recordingRun(nopWriter{}, 1)}})

	if _, err := c.Start(context.Background(), testPlan(3, 1, time.Hour)); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, c, types.StatusRunning)

	st := c.Status()
	if len(st.Workers) != 3 || st.Workers[0].State != types.ProcessRunning {
		t.Errorf("workers = %+v", st.Workers)
	}

	c.Stop()
	c.Stop() // idempotent
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not end after Stop")
	}
	if got := c.LastResult(); got.Status != types.StatusCompleted {
		t.Errorf("result = %+v", got)
	}
}

func TestRunContextCancellationStops(t *testing.T) {
	c, _ := New(Config{Launcher: &InProcessLauncher{Run: recordingRun(nopWriter{}, 1)}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	res, err := c.Run(ctx, testPlan(1, 1, time.Hour))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 5*time.Second || res.Status != types.StatusCompleted {
		t.Errorf("result after %v: %+v", time.Since(start), res)
	}
}

func TestProcessFailureMarksRunError(t *testing.T) {
	store := newStore(t)
	run := func(ctx context.Context, spec ProcessSpec) error {
		if spec.Index == 1 {
			return errors.New("ledger client construction failed")
		}
		<-ctx.Done()
		return nil
	}
	c, _ := New(Config{Launcher: &InProcessLauncher{Run: run}, Store: store})

	res, err := c.Run(context.Background(), testPlan(2, 1, 50*time.Millisecond))
	if err == nil {
		t.Fatal("expected run error")
	}
	if res.Status != types.StatusError || !strings.Contains(res.Error, "process 1") {
		t.Errorf("result = %+v", res)
	}
	if res.Processes[0].State != types.ProcessExited || res.Processes[1].State != types.ProcessFailed {
		t.Errorf("processes = %+v", res.Processes)
	}

	stored, _ := store.GetRun(context.Background(), res.RunID)
	if stored.Status != string(types.StatusError) || stored.ErrorMessage == "" {
		t.Errorf("stored run = %+v", stored)
	}
}

func TestAllProcessesExitingEndsRun(t *testing.T) {
	run := func(ctx context.Context, spec ProcessSpec) error {
		return fmt.Errorf("process %d gave up", spec.Index)
	}
	c, _ := New(Config{Launcher: &InProcessLauncher{Run: run}})

	start := time.Now()
	res, _ := c.Run(context.Background(), testPlan(2, 1, time.Hour))
	if time.Since(start) > 5*time.Second {
		t.Fatal("run waited for its duration after every process exited")
	}
	if res.Status != types.StatusError {
		t.Errorf("status = %s", res.Status)
	}
}

// failingLauncher launches processes until index failAt.
type failingLauncher struct {
	inner   Launcher
	failAt  int
	stopped atomic.Int32
}

func (l *failingLauncher) Launch(ctx context.Context, spec ProcessSpec) (Process, error) {
	if spec.Index == l.failAt {
		return nil, errors.New("fork: resource temporarily unavailable")
	}
	p, err := l.inner.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &countingProcess{Process: p, stopped: &l.stopped}, nil
}

type countingProcess struct {
	Process
	stopped *atomic.Int32
}

func (p *countingProcess) Stop() {
	p.stopped.Add(1)
	p.Process.Stop()
}

func TestLaunchFailureStopsLaunchedProcesses(t *testing.T) {
	l := &failingLauncher{inner: &InProcessLauncher{Run: recordingRun(nopWriter{}, 1)}, failAt: 2}
	c, _ := New(Config{Launcher: l})

	res, err := c.Run(context.Background(), testPlan(4, 1, time.Hour))
	if err == nil || res.Status != types.StatusError {
		t.Fatalf("Run = %+v, %v", res, err)
	}
	if l.stopped.Load() != 2 {
		t.Errorf("stopped %d processes, want 2", l.stopped.Load())
	}
	if res.Processes[2].State != types.ProcessFailed || res.Processes[3].State != types.ProcessPending {
		t.Errorf("processes = %+v", res.Processes)
	}
	if strings.Count(res.Error, "resource temporarily unavailable") != 1 {
		t.Errorf("error = %q", res.Error)
	}
}

func TestStartWhileActive(t *testing.T) {
	c, _ := New(Config{Launcher: &InProcessLauncher{Run: recordingRun(nopWriter{}, 1)}})
	if _, err := c.Start(context.Background(), testPlan(1, 1, time.Hour)); err != nil {
		t.Fatal(err)
	}
	defer func() {
		c.Stop()
		<-c.Done()
	}()

	if _, err := c.Start(context.Background(), testPlan(1, 1, time.Hour)); !errors.Is(err, ErrRunActive) {
		t.Errorf("second Start = %v, want ErrRunActive", err)
	}
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name string
		plan Plan
		ok   bool
	}{
		{"valid", testPlan(2, 4, time.Minute), true},
		{"bad mode", Plan{RunArgs: config.RunArgs{Mode: 7, Processes: 1, Threads: 1}, Duration: time.Minute}, false},
		{"no processes", testPlan(0, 1, time.Minute), false},
		{"too many threads", testPlan(1, 101, time.Minute), false},
		{"no duration", testPlan(1, 1, 0), false},
		{"too long", testPlan(1, 1, 48*time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.plan.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() = %v", err)
			}
		})
	}
}

func TestPlanFromRequest(t *testing.T) {
	p := PlanFromRequest(types.StartRunRequest{
		Mode: types.ModeBroadcastOnly, Processes: 2, Threads: 8, DurationSec: 120,
		PubKeyPath: "100.pub", KeyBits: 1024,
	})
	if p.Duration != 2*time.Minute || p.PayloadKind() != types.PayloadEncrypted || p.Threads != 8 {
		t.Errorf("plan = %+v", p)
	}

	p = PlanFromRequest(types.StartRunRequest{
		Mode: types.ModeFull, Processes: 1, Threads: 1, DurationSec: 60,
		SignKeyPath: "meter.priv",
	})
	if p.PayloadKind() != types.PayloadSignature || p.SignKeyPath != "meter.priv" {
		t.Errorf("plan = %+v", p)
	}
}

func TestCollectorBracketsRun(t *testing.T) {
	var out bytes.Buffer
	c, _ := New(Config{
		Launcher:        &InProcessLauncher{Run: recordingRun(nopWriter{}, 1)},
		Collector:       []string{"sh", "-c", "echo collecting; exec sleep 30"},
		CollectorOutput: &out,
	})

	start := time.Now()
	if _, err := c.Run(context.Background(), testPlan(1, 1, 500*time.Millisecond)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("collector was not killed")
	}
	if !strings.Contains(out.String(), "collecting") {
		t.Errorf("collector output = %q", out.String())
	}
}

func TestCollectorStartFailure(t *testing.T) {
	var launched atomic.Int32
	run := func(ctx context.Context, spec ProcessSpec) error {
		launched.Add(1)
		return nil
	}
	c, _ := New(Config{
		Launcher:  &InProcessLauncher{Run: run},
		Collector: []string{filepath.Join(t.TempDir(), "no-such-collector")},
	})

	res, err := c.Run(context.Background(), testPlan(2, 1, time.Second))
	if err == nil || res.Status != types.StatusError {
		t.Fatalf("Run = %+v, %v", res, err)
	}
	if launched.Load() != 0 {
		t.Error("workers launched without the collector")
	}
}

func TestHistoryQueries(t *testing.T) {
	store := newStore(t)
	c, _ := New(Config{Launcher: &InProcessLauncher{Run: recordingRun(store, 2)}, Store: store})
	ctx := context.Background()

	res, err := c.Run(ctx, testPlan(1, 2, 20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	page, err := c.History(ctx, 10, 0)
	if err != nil || page.Total != 1 || page.Runs[0].ID != res.RunID {
		t.Fatalf("History = %+v, %v", page, err)
	}

	detail, err := c.RunDetail(ctx, res.RunID)
	if err != nil || detail == nil || detail.Summary.Records != 4 {
		t.Fatalf("RunDetail = %+v, %v", detail, err)
	}
	if missing, err := c.RunDetail(ctx, "missing"); missing != nil || err != nil {
		t.Errorf("RunDetail(missing) = %+v, %v", missing, err)
	}

	label := "smoke"
	if err := c.UpdateRunMetadata(ctx, res.RunID, &storage.RunMetadataUpdate{Label: &label}); err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteRun(ctx, res.RunID); err != nil {
		t.Fatal(err)
	}
	if page, _ := c.History(ctx, 10, 0); page.Total != 0 {
		t.Errorf("run not deleted")
	}
}

func TestDeleteActiveRunRefused(t *testing.T) {
	store := newStore(t)
	c, _ := New(Config{Launcher: &InProcessLauncher{Run: recordingRun(store, 1)}, Store: store})
	id, err := c.Start(context.Background(), testPlan(1, 1, time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, c, types.StatusRunning)

	if err := c.DeleteRun(context.Background(), id); !errors.Is(err, ErrRunActive) {
		t.Errorf("DeleteRun(active) = %v", err)
	}
	c.Stop()
	<-c.Done()
}

func TestHistoryDisabled(t *testing.T) {
	c, _ := New(Config{Launcher: &InProcessLauncher{}})
	ctx := context.Background()
	if _, err := c.History(ctx, 10, 0); !errors.Is(err, ErrNoHistory) {
		t.Errorf("History = %v", err)
	}
	if _, err := c.RunDetail(ctx, "x"); !errors.Is(err, ErrNoHistory) {
		t.Errorf("RunDetail = %v", err)
	}
	if err := c.DeleteRun(ctx, "x"); !errors.Is(err, ErrNoHistory) {
		t.Errorf("DeleteRun = %v", err)
	}
	if st := c.Status(); st.Status != types.StatusIdle || st.RunID != "" {
		t.Errorf("idle status = %+v", st)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done should be closed before any run")
	}
}

func TestNewRequiresLauncher(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New accepted a config without launcher")
	}
}

type nopWriter struct{}

func (nopWriter) BulkInsertTxRecords(context.Context, string, storage.WorkerKey, []types.TxRecord) error {
	return nil
}
