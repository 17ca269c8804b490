// Package metrics provides latency aggregation, submission phase counters and
// the Prometheus metric set.
package metrics

import (
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// DefaultReservoirSize is the number of samples kept for percentiles.
// 10000 keeps the p99 estimate within about 1%.
const DefaultReservoirSize = 10000

// latencyBuckets are the upper bounds of the submission latency histogram.
// A full-mode submission spends at least one commit poll interval.
var latencyBuckets = []struct {
	bound time.Duration
	label string
}{
	{500 * time.Millisecond, "0-500ms"},
	{time.Second, "500ms-1s"},
	{2 * time.Second, "1-2s"},
	{5 * time.Second, "2-5s"},
	{math.MaxInt64, "5s+"},
}

// Reservoir aggregates latency samples in constant memory: exact count, sum,
// min, max and histogram, and percentiles estimated from a uniform sample
// (Vitter's Algorithm R). It is safe for concurrent use.
type Reservoir struct {
	mu sync.Mutex

	count    int64
	sum      time.Duration
	min, max time.Duration
	hist     []int

	size    int
	samples []time.Duration
	rng     *rand.Rand
}

// NewReservoir returns an empty Reservoir keeping up to size samples.
// A non-positive size selects DefaultReservoirSize.
func NewReservoir(size int) *Reservoir {
	if size <= 0 {
		size = DefaultReservoirSize
	}
	return &Reservoir{
		hist:    make([]int, len(latencyBuckets)),
		size:    size,
		samples: make([]time.Duration, 0, size),
		// Fixed seed: the same input gives the same estimate.
		rng: rand.New(rand.NewPCG(1, 2)),
	}
}

// Add records one latency sample.
func (r *Reservoir) Add(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 || d < r.min {
		r.min = d
	}
	if d > r.max {
		r.max = d
	}
	r.count++
	r.sum += d

	for i, b := range latencyBuckets {
		if d < b.bound {
			r.hist[i]++
			break
		}
	}

	if len(r.samples) < r.size {
		r.samples = append(r.samples, d)
		return
	}
	if j := r.rng.Int64N(r.count); j < int64(r.size) {
		r.samples[j] = d
	}
}

// Stats returns the aggregate in milliseconds, or nil before the first
// sample.
func (r *Reservoir) Stats() *types.LatencyStats {
	r.mu.Lock()
	if r.count == 0 {
		r.mu.Unlock()
		return nil
	}
	sorted := slices.Clone(r.samples)
	out := &types.LatencyStats{
		Count:   int(r.count),
		Min:     millis(r.min),
		Max:     millis(r.max),
		Avg:     millis(r.sum) / float64(r.count),
		Buckets: make([]types.LatencyBucket, len(latencyBuckets)),
	}
	for i, b := range latencyBuckets {
		out.Buckets[i] = types.LatencyBucket{Label: b.label, Count: r.hist[i]}
	}
	r.mu.Unlock()

	slices.Sort(sorted)
	out.P50 = percentile(sorted, 0.50)
	out.P75 = percentile(sorted, 0.75)
	out.P90 = percentile(sorted, 0.90)
	out.P95 = percentile(sorted, 0.95)
	out.P99 = percentile(sorted, 0.99)
	return out
}

// Count returns the number of samples recorded.
func (r *Reservoir) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Reset discards every sample.
func (r *Reservoir) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count, r.sum, r.min, r.max = 0, 0, 0, 0
	clear(r.hist)
	r.samples = r.samples[:0]
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// percentile interpolates linearly between the closest ranks of sorted,
// returning milliseconds.
func percentile(sorted []time.Duration, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return millis(sorted[0])
	}
	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return millis(sorted[len(sorted)-1])
	}
	frac := pos - float64(lo)
	return millis(sorted[lo])*(1-frac) + millis(sorted[lo+1])*frac
}
