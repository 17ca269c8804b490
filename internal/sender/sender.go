// Package sender provides async submission with backpressure.
package sender

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gateway-fm/ledgerbench/internal/submitter"
)

// DefaultConcurrency is the number of submissions allowed in flight.
const DefaultConcurrency = 64

// Submitter runs one request to completion. *submitter.Submitter implements it.
type Submitter interface {
	Submit(ctx context.Context, req submitter.Request) submitter.Result
}

// Sender dispatches submissions on goroutines with semaphore-based
// backpressure.
type Sender struct {
	submitter Submitter
	semaphore chan struct{}
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// Config for creating a Sender.
type Config struct {
	Submitter   Submitter
	Concurrency int // Max concurrent submissions (default: 64)
	Logger      *slog.Logger
}

// New creates a new Sender.
func New(cfg Config) *Sender {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		submitter: cfg.Submitter,
		semaphore: make(chan struct{}, concurrency),
		logger:    logger,
	}
}

// Send blocks until a slot is free, then starts the submission.
// It returns ctx.Err() if the context ends first.
func (s *Sender) Send(ctx context.Context, req submitter.Request, callback func(submitter.Result)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.semaphore <- struct{}{}:
		s.dispatch(ctx, req, callback)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sender) dispatch(ctx context.Context, req submitter.Request, callback func(submitter.Result)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.semaphore }()

		res := s.submitter.Submit(ctx, req)
		if callback != nil {
			callback(res)
		}
	}()
}

// Wait blocks until every started submission has delivered its callback.
func (s *Sender) Wait() {
	s.wg.Wait()
}
