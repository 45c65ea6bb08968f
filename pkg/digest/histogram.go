package digest

import (
	"math/bits"
	"sync/atomic"
	"time"
)

// NumBuckets is the number of latency buckets per histogram.
const NumBuckets = 32

// bucketBase is the upper bound of bucket 0. Bucket i covers
// [bucketBase<<(i-1), bucketBase<<i); the last bucket is unbounded.
const bucketBase = time.Microsecond

// Histogram counts executions per log2 latency bucket. Each bucket is updated
// independently with atomic adds.
type Histogram struct {
	buckets [NumBuckets]atomic.Uint64
}

// BucketFor returns the index of the bucket d falls into.
func BucketFor(d time.Duration) int {
	if d < bucketBase {
		return 0
	}
	i := bits.Len64(uint64(d / bucketBase))
	if i >= NumBuckets {
		return NumBuckets - 1
	}
	return i
}

// BucketUpperBound returns the exclusive upper bound of bucket i. The last
// bucket reports its lower bound doubled.
func BucketUpperBound(i int) time.Duration {
	if i < 0 {
		return 0
	}
	if i >= NumBuckets {
		i = NumBuckets - 1
	}
	return bucketBase << uint(i)
}

// Observe counts one execution of duration d.
func (h *Histogram) Observe(d time.Duration) {
	h.buckets[BucketFor(d)].Add(1)
}

// Buckets returns a copy of the bucket counts.
func (h *Histogram) Buckets() [NumBuckets]uint64 {
	var out [NumBuckets]uint64
	for i := range h.buckets {
		out[i] = h.buckets[i].Load()
	}
	return out
}

// Total returns the number of observations.
func (h *Histogram) Total() uint64 {
	var n uint64
	for i := range h.buckets {
		n += h.buckets[i].Load()
	}
	return n
}

// Quantile returns the upper bound of the bucket holding quantile q
// (0 < q <= 1), or 0 if the histogram is empty.
func (h *Histogram) Quantile(q float64) time.Duration {
	b := h.Buckets()
	var total uint64
	for _, n := range b {
		total += n
	}
	if total == 0 {
		return 0
	}
	if q <= 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	rank := uint64(q * float64(total))
	if rank == 0 {
		rank = 1
	}
	var seen uint64
	for i, n := range b {
		seen += n
		if seen >= rank {
			return BucketUpperBound(i)
		}
	}
	return BucketUpperBound(NumBuckets - 1)
}

// Reset zeroes every bucket.
func (h *Histogram) Reset() {
	for i := range h.buckets {
		h.buckets[i].Store(0)
	}
}
