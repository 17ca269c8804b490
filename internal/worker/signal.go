package worker

import (
	"context"
	"sync"
	"sync/atomic"
)

// Signal is a write-once stop flag shared by the workers of a pool.
// Set may be called any number of times from any goroutine.
type Signal struct {
	once sync.Once
	set  atomic.Bool
	ch   chan struct{}
}

// NewSignal returns an unset signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set raises the signal. Only the first call has an effect.
func (s *Signal) Set() {
	s.once.Do(func() {
		s.set.Store(true)
		close(s.ch)
	})
}

// IsSet reports whether Set has been called.
func (s *Signal) IsSet() bool {
	return s.set.Load()
}

// Done returns a channel closed by Set.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// Context returns a child of parent that is cancelled when the signal is
// set. The returned cancel func releases the watcher goroutine.
func (s *Signal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
