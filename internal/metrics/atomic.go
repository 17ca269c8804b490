package metrics

import "sync/atomic"

// Counter is an int64 counter safe for concurrent use. The zero value is
// ready to use.
type Counter struct {
	atomic.Int64
}

// Inc adds one and returns the new value.
func (c *Counter) Inc() int64 {
	return c.Add(1)
}

// Dec subtracts one without going below zero and returns the new value.
func (c *Counter) Dec() int64 {
	for {
		cur := c.Load()
		if cur <= 0 {
			return 0
		}
		if c.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

// Max raises the counter to v if v is larger and returns the resulting value.
func (c *Counter) Max(v int64) int64 {
	for {
		cur := c.Load()
		if v <= cur {
			return cur
		}
		if c.CompareAndSwap(cur, v) {
			return v
		}
	}
}

// Reset sets the counter to zero.
func (c *Counter) Reset() {
	c.Store(0)
}
