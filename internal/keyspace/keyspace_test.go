package keyspace

import (
	"errors"
	"testing"
)

func TestAllocatorMatchesRegistrationFormula(t *testing.T) {
	a := Default()

	tests := []struct {
		process, worker, offset int
		want                    int
	}{
		{0, 0, 0, 0},
		{0, 1, 0, 100},
		{0, 1, 99, 199},
		{1, 0, 0, 10000},
		{2, 3, 4, 20304},
		{2, 3, 104, 20304}, // offsets wrap inside the block
	}

	for _, tt := range tests {
		got := a.ID(tt.process, tt.worker, tt.offset)
		if got != tt.want {
			t.Errorf("ID(%d, %d, %d) = %d, want %d", tt.process, tt.worker, tt.offset, got, tt.want)
		}
	}
}

func TestAllocatorDisjoint(t *testing.T) {
	a := Default()
	const nprocesses, nthreads = 4, 12

	owner := make(map[int][2]int)
	err := a.Each(nprocesses, nthreads, func(p, w, id int) error {
		if prev, ok := owner[id]; ok {
			t.Fatalf("id %d produced by (%d,%d) and (%d,%d)", id, prev[0], prev[1], p, w)
		}
		owner[id] = [2]int{p, w}
		return nil
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}

	if want := nprocesses * nthreads * a.WorkerBlock; len(owner) != want {
		t.Errorf("got %d distinct ids, want %d", len(owner), want)
	}
}

func TestAllocatorDisjointAtWorkerBound(t *testing.T) {
	a := Default()
	last := a.MaxWorkers() - 1

	_, hi := a.Range(0, last)
	lo, _ := a.Range(1, 0)
	if hi >= lo {
		t.Errorf("last block of process 0 ends at %d, overlaps process 1 starting at %d", hi, lo)
	}
}

func TestAllocatorCheck(t *testing.T) {
	a := Default()

	if err := a.Check(0, a.MaxWorkers()-1); err != nil {
		t.Errorf("Check at bound: %v", err)
	}
	if err := a.Check(0, a.MaxWorkers()); !errors.Is(err, ErrKeySpaceExhausted) {
		t.Errorf("Check past bound = %v, want ErrKeySpaceExhausted", err)
	}
	if err := a.Check(-1, 0); err == nil {
		t.Error("Check accepted negative process index")
	}
	bad := Allocator{ProcessBlock: 10, WorkerBlock: 100}
	if err := bad.Check(0, 0); err == nil {
		t.Error("Check accepted worker block larger than process block")
	}
}

func TestCursorWrapsAfterWorkerBlock(t *testing.T) {
	a := Default()
	c, err := a.NewCursor(3, 7)
	if err != nil {
		t.Fatalf("NewCursor: %v", err)
	}

	base := c.Current()
	if base != 30700 {
		t.Fatalf("base = %d, want 30700", base)
	}

	seen := make(map[int]bool)
	for i := 0; i < a.WorkerBlock; i++ {
		id := c.Current()
		if seen[id] {
			t.Fatalf("id %d repeated before wraparound at step %d", id, i)
		}
		seen[id] = true
		c.Advance()
	}

	if c.Current() != base {
		t.Errorf("after %d steps Current() = %d, want base %d", a.WorkerBlock, c.Current(), base)
	}
	if c.Offset() != 0 {
		t.Errorf("Offset() = %d, want 0", c.Offset())
	}
	if c.CurrentString() != "30700" {
		t.Errorf("CurrentString() = %q", c.CurrentString())
	}
}

func TestEachStopsOnError(t *testing.T) {
	a := Default()
	stop := errors.New("stop")
	calls := 0
	err := a.Each(2, 2, func(p, w, id int) error {
		calls++
		if calls == 5 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("Each error = %v, want stop", err)
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
}
