// Package keyspace partitions the meter identifier space across
// (process, worker) pairs so concurrent workers never write the same key.
//
// The same Allocator is used by the registration procedure that creates the
// meters on the ledger and by the benchmark workers that write to them; the
// two must agree exactly or writes target unregistered keys.
package keyspace

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	// DefaultProcessBlock is the identifier block reserved per process.
	DefaultProcessBlock = 10000
	// DefaultWorkerBlock is the identifier block reserved per worker.
	DefaultWorkerBlock = 100
)

// ErrKeySpaceExhausted is returned when a (process, worker) pair falls outside
// the bounds in which blocks are guaranteed disjoint.
var ErrKeySpaceExhausted = errors.New("key space exhausted")

// Allocator computes id = process*ProcessBlock + worker*WorkerBlock + offset.
type Allocator struct {
	ProcessBlock int
	WorkerBlock  int
}

// Default returns the allocator used by both registration and runs.
func Default() Allocator {
	return Allocator{ProcessBlock: DefaultProcessBlock, WorkerBlock: DefaultWorkerBlock}
}

// MaxWorkers is the number of workers a process can host before worker
// blocks spill into the next process's block.
func (a Allocator) MaxWorkers() int {
	if a.WorkerBlock <= 0 {
		return 0
	}
	return a.ProcessBlock / a.WorkerBlock
}

// Check validates that the pair owns a disjoint block.
func (a Allocator) Check(process, worker int) error {
	if a.ProcessBlock <= 0 || a.WorkerBlock <= 0 || a.WorkerBlock > a.ProcessBlock {
		return fmt.Errorf("invalid allocator blocks: process=%d worker=%d", a.ProcessBlock, a.WorkerBlock)
	}
	if process < 0 || worker < 0 {
		return fmt.Errorf("negative index: process=%d worker=%d", process, worker)
	}
	if worker >= a.MaxWorkers() {
		return fmt.Errorf("%w: worker %d exceeds %d workers per process", ErrKeySpaceExhausted, worker, a.MaxWorkers())
	}
	return nil
}

// Base returns the first identifier of the pair's block.
func (a Allocator) Base(process, worker int) int {
	return process*a.ProcessBlock + worker*a.WorkerBlock
}

// ID returns the identifier for the given offset. Offsets outside [0, W)
// are reduced modulo W so the result always stays inside the block.
func (a Allocator) ID(process, worker, offset int) int {
	return a.Base(process, worker) + wrap(offset, a.WorkerBlock)
}

// Range returns the inclusive identifier range owned by the pair.
func (a Allocator) Range(process, worker int) (first, last int) {
	first = a.Base(process, worker)
	return first, first + a.WorkerBlock - 1
}

// Each calls fn for every identifier owned by the first nprocesses x
// nthreads pairs, in registration order. It stops at the first error.
func (a Allocator) Each(nprocesses, nthreads int, fn func(process, worker, id int) error) error {
	for p := 0; p < nprocesses; p++ {
		for w := 0; w < nthreads; w++ {
			if err := a.Check(p, w); err != nil {
				return err
			}
			for k := 0; k < a.WorkerBlock; k++ {
				if err := fn(p, w, a.ID(p, w, k)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Cursor walks one worker's block, wrapping after WorkerBlock steps.
// A Cursor is owned by a single worker and is not safe for concurrent use.
type Cursor struct {
	alloc   Allocator
	process int
	worker  int
	offset  int
}

// NewCursor returns a cursor positioned at the pair's base identifier.
func (a Allocator) NewCursor(process, worker int) (*Cursor, error) {
	if err := a.Check(process, worker); err != nil {
		return nil, err
	}
	return &Cursor{alloc: a, process: process, worker: worker}, nil
}

// Current returns the identifier at the cursor.
func (c *Cursor) Current() int {
	return c.alloc.ID(c.process, c.worker, c.offset)
}

// CurrentString returns Current formatted as a meter ID.
func (c *Cursor) CurrentString() string {
	return strconv.Itoa(c.Current())
}

// Offset returns the current offset in [0, WorkerBlock).
func (c *Cursor) Offset() int {
	return c.offset
}

// Base returns the first identifier of the block.
func (c *Cursor) Base() int {
	return c.alloc.Base(c.process, c.worker)
}

// Advance moves to the next offset, wrapping to 0 after the last one.
func (c *Cursor) Advance() {
	c.offset = (c.offset + 1) % c.alloc.WorkerBlock
}

func wrap(offset, n int) int {
	offset %= n
	if offset < 0 {
		offset += n
	}
	return offset
}
