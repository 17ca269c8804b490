package sender

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gateway-fm/ledgerbench/internal/submitter"
)

// mockSubmitter implements Submitter for testing.
type mockSubmitter struct {
	delay       time.Duration
	submitCount int32 // atomic
	shouldFail  bool

	running atomic.Int32
	peak    atomic.Int32
}

// Ensure mockSubmitter implements Submitter
var _ Submitter = (*mockSubmitter)(nil)

func (m *mockSubmitter) Submit(ctx context.Context, req submitter.Request) submitter.Result {
	atomic.AddInt32(&m.submitCount, 1)
	n := m.running.Add(1)
	defer m.running.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.shouldFail {
		return submitter.Result{Err: &submitter.Error{Kind: submitter.KindEndorse, Message: "peer unavailable"}}
	}
	return submitter.Result{OK: true}
}

func testRequest() submitter.Request {
	return submitter.Request{Function: "registerMeter", Args: []string{"100", ""}}
}

func TestSenderBasic(t *testing.T) {
	sub := &mockSubmitter{}
	s := New(Config{
		Submitter:   sub,
		Concurrency: 10,
	})

	var wg sync.WaitGroup
	var callbackCalled atomic.Bool

	wg.Add(1)
	err := s.Send(context.Background(), testRequest(), func(res submitter.Result) {
		callbackCalled.Store(true)
		if !res.OK {
			t.Errorf("unexpected failure: %v", res.AsError())
		}
		wg.Done()
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	wg.Wait()

	if !callbackCalled.Load() {
		t.Error("callback was not called")
	}

	if got := atomic.LoadInt32(&sub.submitCount); got != 1 {
		t.Errorf("submitCount = %d, want 1", got)
	}
}

func TestSenderSendBlocksForSlot(t *testing.T) {
	sub := &mockSubmitter{delay: 30 * time.Millisecond}
	s := New(Config{Submitter: sub, Concurrency: 1})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := s.Send(context.Background(), testRequest(), nil); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	s.Wait()

	if got := atomic.LoadInt32(&sub.submitCount); got != 3 {
		t.Errorf("submitCount = %d, want 3", got)
	}
	// One slot forces the three submissions to run back to back.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("three serialized submissions took %v", elapsed)
	}
}

func TestSenderSendCancelled(t *testing.T) {
	s := New(Config{
		Submitter:   &mockSubmitter{delay: 100 * time.Millisecond},
		Concurrency: 1,
	})
	_ = s.Send(context.Background(), testRequest(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Send(ctx, testRequest(), nil); err != context.DeadlineExceeded {
		t.Errorf("Send error = %v, want DeadlineExceeded", err)
	}
	s.Wait()
}

func TestSenderConcurrency(t *testing.T) {
	sub := &mockSubmitter{}
	s := New(Config{
		Submitter:   sub,
		Concurrency: 16,
	})

	const numSends = 500
	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < numSends; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Send(context.Background(), testRequest(), func(res submitter.Result) {
				if res.OK {
					ok.Add(1)
				}
			})
		}()
	}
	wg.Wait()
	s.Wait()

	if got := atomic.LoadInt32(&sub.submitCount); got != numSends {
		t.Errorf("submitCount = %d, want %d", got, numSends)
	}
	if ok.Load() != numSends {
		t.Errorf("successful callbacks = %d, want %d", ok.Load(), numSends)
	}
	if peak := sub.peak.Load(); peak > 16 {
		t.Errorf("%d submissions in flight, limit 16", peak)
	}
}

func TestSenderFailureCallback(t *testing.T) {
	s := New(Config{
		Submitter:   &mockSubmitter{shouldFail: true},
		Concurrency: 10,
	})

	var got submitter.Result
	done := make(chan struct{})
	if err := s.Send(context.Background(), testRequest(), func(res submitter.Result) {
		got = res
		close(done)
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-done

	if got.OK || got.Err == nil || got.Err.Kind != submitter.KindEndorse {
		t.Errorf("expected endorse failure in callback, got %+v", got)
	}
}
