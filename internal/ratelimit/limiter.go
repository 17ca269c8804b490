// Package ratelimit paces benchmark workers.
//
// A Limiter issues permits either on a strict schedule (a caller that fell
// behind proceeds immediately, so the long-run rate is exact) or with a
// fixed gap after each call (every caller waits the full interval, so the
// rate drops as submissions get slower).
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Policy selects how permit times are computed.
type Policy int

const (
	// Strict enforces a minimum interval between permits on a fixed
	// schedule.
	Strict Policy = iota

	// Gap makes every Wait after the first block for a full interval.
	Gap
)

// String returns the policy name.
func (p Policy) String() string {
	if p == Gap {
		return "gap"
	}
	return "strict"
}

// ParsePolicy accepts "strict" or "gap".
func ParsePolicy(s string) (Policy, bool) {
	switch s {
	case "strict":
		return Strict, true
	case "gap", "":
		return Gap, true
	}
	return Strict, false
}

// Limiter issues permits no faster than the configured rate.
type Limiter struct {
	mu             sync.Mutex
	policy         Policy
	nextPermitTime time.Time
	interval       time.Duration
	started        bool
}

// NewInterval creates a Limiter with the given interval and policy.
// A non-positive interval means one second.
func NewInterval(interval time.Duration, policy Policy) *Limiter {
	if interval <= 0 {
		interval = time.Second
	}
	return &Limiter{
		policy:         policy,
		nextPermitTime: time.Now(),
		interval:       interval,
	}
}

// Wait blocks until a permit is available or the context is cancelled.
// A cancelled Wait gives its permit back when no later permit was issued.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	var permitTime time.Time
	switch {
	case l.policy == Gap && l.started:
		permitTime = now.Add(l.interval)
	case l.policy == Gap:
		permitTime = now
	default:
		permitTime = l.nextPermitTime
	}
	l.started = true
	l.nextPermitTime = permitTime.Add(l.interval)
	issued := l.nextPermitTime
	l.mu.Unlock()

	waitDuration := permitTime.Sub(now)
	if waitDuration <= 0 {
		// Behind schedule, catch up
		return nil
	}

	timer := time.NewTimer(waitDuration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		l.mu.Lock()
		if l.nextPermitTime.Equal(issued) {
			l.nextPermitTime = permitTime
		}
		l.mu.Unlock()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
