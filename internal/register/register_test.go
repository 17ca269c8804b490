package register

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/gateway-fm/ledgerbench/internal/keyspace"
	"github.com/gateway-fm/ledgerbench/internal/metrics"
	"github.com/gateway-fm/ledgerbench/internal/payload"
	"github.com/gateway-fm/ledgerbench/internal/sender"
	"github.com/gateway-fm/ledgerbench/internal/submitter"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// fakeSubmitter records registrations and fails meters listed in failing.
type fakeSubmitter struct {
	mu      sync.Mutex
	seen    map[int]string // meter -> public key arg
	modes   map[types.CompletionMode]int
	failing map[int]bool
}

var _ sender.Submitter = (*fakeSubmitter)(nil)

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{seen: make(map[int]string), modes: make(map[types.CompletionMode]int), failing: make(map[int]bool)}
}

func (f *fakeSubmitter) Submit(ctx context.Context, req submitter.Request) submitter.Result {
	id, _ := strconv.Atoi(req.Args[0])
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Function != payload.FnRegisterMeter {
		return submitter.Result{Err: &submitter.Error{Kind: submitter.KindStatus, Message: "unexpected function " + req.Function}}
	}
	f.seen[id] = req.Args[1]
	f.modes[req.Mode]++
	if f.failing[id] {
		return submitter.Result{Err: &submitter.Error{Kind: submitter.KindTimeout, Message: "no commit"}}
	}
	return submitter.Result{OK: true}
}

func TestRunRegistersEveryWorkerBlock(t *testing.T) {
	fs := newFakeSubmitter()
	rep, err := Run(context.Background(), Config{
		Processes: 2,
		Threads:   3,
		PublicKey: "128,15,16,225",
		Sender:    sender.New(sender.Config{Submitter: fs, Concurrency: 8}),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Total != 600 || rep.Registered != 600 || rep.Failed != 0 {
		t.Errorf("report = %+v", rep)
	}

	// Exactly the meters the workers will walk, and nothing else
	alloc := keyspace.Default()
	want := 0
	for p := 0; p < 2; p++ {
		for w := 0; w < 3; w++ {
			cursor, _ := alloc.NewCursor(p, w)
			for k := 0; k < alloc.WorkerBlock; k++ {
				id := cursor.Current()
				if key, ok := fs.seen[id]; !ok {
					t.Fatalf("meter %d not registered", id)
				} else if key != "128,15,16,225" {
					t.Errorf("meter %d registered with key %q", id, key)
				}
				cursor.Advance()
				want++
			}
		}
	}
	if len(fs.seen) != want {
		t.Errorf("registered %d meters, want %d", len(fs.seen), want)
	}
	if fs.modes[types.ModeFull] != 600 {
		t.Errorf("registrations should wait for commit: %v", fs.modes)
	}
}

func TestRunCountsFailures(t *testing.T) {
	fs := newFakeSubmitter()
	fs.failing[105] = true
	fs.failing[3] = true
	m := metrics.NewRecorder(nil)

	rep, err := Run(context.Background(), Config{
		Processes: 1,
		Threads:   2,
		Sender:    sender.New(sender.Config{Submitter: fs, Concurrency: 4}),
		Metrics:   m,
	})
	if err != nil {
		t.Fatalf("failures must not be fatal: %v", err)
	}
	if rep.Total != 200 || rep.Registered != 198 || rep.Failed != 2 {
		t.Errorf("report = %+v", rep)
	}
	if len(rep.Failures) != 2 || rep.Failures[0].MeterID != 3 || rep.Failures[1].MeterID != 105 {
		t.Errorf("failures = %+v", rep.Failures)
	}
	if rep.Failures[0].Kind != submitter.KindTimeout {
		t.Errorf("kind = %s", rep.Failures[0].Kind)
	}
	if fs.seen[3] != "" {
		t.Errorf("plaintext meters get an empty key, got %q", fs.seen[3])
	}
}

func TestRunCancelled(t *testing.T) {
	fs := newFakeSubmitter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := Run(ctx, Config{
		Processes: 1,
		Threads:   1,
		Sender:    sender.New(sender.Config{Submitter: fs, Concurrency: 1}),
	})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if rep == nil || rep.Total != 0 {
		t.Errorf("report = %+v, want nothing dispatched", rep)
	}
}

func TestRunValidation(t *testing.T) {
	s := sender.New(sender.Config{Submitter: newFakeSubmitter()})
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no sender", Config{Processes: 1, Threads: 1}},
		{"no processes", Config{Processes: 0, Threads: 1, Sender: s}},
		{"too many threads", Config{Processes: 1, Threads: 101, Sender: s}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Run(context.Background(), tt.cfg); err == nil {
				t.Error("Run accepted invalid config")
			}
		})
	}
}
