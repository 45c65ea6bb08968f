// Package digest implements the statement digest table: a fixed number of
// slots aggregating execution statistics per statement fingerprint, shared by
// any number of goroutines without blocking on each other.
//
// Slot 0 is reserved as the overflow aggregate. Once every other slot is in
// use, statements with new fingerprints are folded into slot 0 and counted as
// lost until the next Reset.
package digest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/chainguard-dev/clog"
)

// DefaultRetryMax bounds how many times FindOrCreate retries after losing a
// creation race for the same key.
const DefaultRetryMax = 3

// Options configures a Cache.
type Options struct {
	// Capacity is the number of slots, including the overflow slot.
	// Zero disables the cache.
	Capacity int

	// Histograms allocates a latency histogram per slot.
	Histograms bool

	// ClearLostOnReset zeroes the lost counter on Reset. By default the lost
	// counter is a lifetime metric.
	ClearLostOnReset bool

	// RetryMax overrides DefaultRetryMax when positive.
	RetryMax int

	// Clock overrides time.Now.
	Clock func() time.Time
}

// Cache is the digest table. All methods are safe for concurrent use, except
// that Reset must not run concurrently with itself and Close requires that no
// other calls are in flight.
type Cache struct {
	ctx        context.Context
	slots      []Record
	histograms []Histogram
	idx        keyIndex

	cursor atomic.Uint64
	full   atomic.Bool
	lost   atomic.Uint64
	closed atomic.Bool

	clearLost bool
	retryMax  int
	now       func() time.Time
}

// New allocates a cache with opts.Capacity slots. A capacity of zero returns
// a disabled cache whose FindOrCreate always returns nil.
func New(ctx context.Context, opts Options) *Cache {
	log := clog.FromContext(ctx)

	c := &Cache{
		ctx:       ctx,
		clearLost: opts.ClearLostOnReset,
		retryMax:  opts.RetryMax,
		now:       opts.Clock,
	}
	if c.retryMax <= 0 {
		c.retryMax = DefaultRetryMax
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.cursor.Store(1)

	if opts.Capacity <= 0 {
		log.Info("Statement digest cache disabled (capacity 0)")
		return c
	}

	c.slots = make([]Record, opts.Capacity)
	if opts.Histograms {
		c.histograms = make([]Histogram, opts.Capacity)
	}
	c.idx = newShardedIndex()
	for i := range c.slots {
		c.slots[i].pos = i
		c.slots[i].clear()
	}
	c.slots[0].lock.setAllocated()

	log.Infof("Initialized statement digest cache with %d slots (histograms: %t)", opts.Capacity, opts.Histograms)
	return c
}

// Enabled reports whether the cache has any slots.
func (c *Cache) Enabled() bool {
	return len(c.slots) > 0 && !c.closed.Load()
}

// Capacity returns the number of slots, including the overflow slot.
func (c *Cache) Capacity() int {
	return len(c.slots)
}

// Len returns the number of keys currently published.
func (c *Cache) Len() int {
	if !c.Enabled() {
		return 0
	}
	return c.idx.len()
}

// Full reports whether the table ran out of free slots in this epoch.
func (c *Cache) Full() bool {
	return c.full.Load()
}

// Lost returns how many lookups could not get a dedicated slot.
func (c *Cache) Lost() uint64 {
	return c.lost.Load()
}

// Overflow returns the overflow record, or nil when the cache is disabled.
func (c *Cache) Overflow() *Record {
	if !c.Enabled() {
		return nil
	}
	return &c.slots[0]
}

// Outcome describes how Acquire satisfied a lookup.
type Outcome int

const (
	// OutcomeHit means the key was already published.
	OutcomeHit Outcome = iota
	// OutcomeCreated means a free slot was claimed for the key.
	OutcomeCreated
	// OutcomeOverflow means the key was folded into the overflow slot.
	OutcomeOverflow
	// OutcomeUntracked means no record is available for the key.
	OutcomeUntracked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeCreated:
		return "created"
	case OutcomeOverflow:
		return "overflow"
	case OutcomeUntracked:
		return "untracked"
	default:
		return "unknown"
	}
}

// FindOrCreate returns the record for key, creating it if needed.
//
// It returns the overflow record when the table is full or when the key kept
// losing creation races, and nil when the cache is disabled, the key is
// empty, or the index refused the key. Callers treat nil as "do not
// instrument this statement".
func (c *Cache) FindOrCreate(key Key) *Record {
	r, _ := c.Acquire(key)
	return r
}

// Acquire is FindOrCreate that also reports how the record was obtained.
func (c *Cache) Acquire(key Key) (*Record, Outcome) {
	if !c.Enabled() || key.IsZero() {
		return nil, OutcomeUntracked
	}

	now := c.now().UnixNano()
	for retries := 0; ; retries++ {
		if pos, ok := c.idx.lookup(&key); ok {
			r := &c.slots[pos]
			r.lastSeen.Store(now)
			return r, OutcomeHit
		}

		// Once full, skip the scan until the next reset.
		if c.full.Load() {
			return c.overflow(now), OutcomeOverflow
		}

		r, err := c.create(key, now)
		switch {
		case err == nil:
			return r, OutcomeCreated
		case errors.Is(err, errDuplicate):
			if retries >= c.retryMax {
				clog.FromContext(c.ctx).Debugf("Giving up on digest %s after %d creation races", key, retries+1)
				return c.overflow(now), OutcomeOverflow
			}
		case errors.Is(err, errTableFull):
			if !c.full.Swap(true) {
				clog.FromContext(c.ctx).Warnf("Statement digest table is full (%d slots); new digests go to the overflow slot until reset", len(c.slots))
			}
			return c.overflow(now), OutcomeOverflow
		default:
			clog.FromContext(c.ctx).Debugf("Not tracking digest %s: %v", key, err)
			c.lost.Add(1)
			return nil, OutcomeUntracked
		}
	}
}

// create claims a free slot for key and publishes it. It scans at most one
// full turn of the cursor before reporting errTableFull.
func (c *Cache) create(key Key, now int64) (*Record, error) {
	n := uint64(len(c.slots))
	for attempts := uint64(0); attempts < n; attempts++ {
		pos := (c.cursor.Add(1) - 1) % n
		if pos == 0 {
			continue
		}
		r := &c.slots[pos]
		if !r.lock.isFree() {
			continue
		}
		ds, ok := r.lock.freeToDirty()
		if !ok {
			// Someone else claimed it first.
			continue
		}

		k := key
		r.begin(&k, now)
		if h := c.histogramAt(int(pos)); h != nil {
			h.Reset()
		}

		if err := c.idx.insert(&k, int(pos)); err != nil {
			r.key.Store(nil)
			r.lock.dirtyToFree(ds)
			return nil, err
		}
		if !r.lock.dirtyToAllocated(ds) {
			c.idx.remove(&k, int(pos))
			return nil, errLostSlot
		}
		return r, nil
	}
	return nil, errTableFull
}

// overflow counts a lost lookup and returns slot 0.
func (c *Cache) overflow(now int64) *Record {
	c.lost.Add(1)
	r := &c.slots[0]
	r.firstSeen.CompareAndSwap(0, now)
	r.lastSeen.Store(now)
	return r
}

// Histogram returns the histogram aligned with r, or nil if histograms are
// disabled.
func (c *Cache) Histogram(r *Record) *Histogram {
	if r == nil {
		return nil
	}
	return c.histogramAt(r.pos)
}

func (c *Cache) histogramAt(pos int) *Histogram {
	if pos < 0 || pos >= len(c.histograms) {
		return nil
	}
	return &c.histograms[pos]
}

// Reset empties the table: every published key is removed, every slot other
// than the overflow slot becomes free, the overflow slot is cleared, and the
// full flag is dropped. Slots that are mid-creation are left to their
// creator. The lost counter is kept unless ClearLostOnReset was set.
func (c *Cache) Reset() {
	if !c.Enabled() {
		return
	}

	purged := 0
	for pos := 1; pos < len(c.slots); pos++ {
		r := &c.slots[pos]
		ds, ok := r.lock.allocatedToDirty()
		if !ok {
			continue
		}
		if k := r.key.Load(); k != nil {
			c.idx.remove(k, pos)
		}
		r.clear()
		r.key.Store(nil)
		r.lock.dirtyToFree(ds)
		purged++
	}

	c.slots[0].clear()
	c.slots[0].lock.setAllocated()

	c.cursor.Store(1)
	c.full.Store(false)
	if c.clearLost {
		c.lost.Store(0)
	}

	clog.FromContext(c.ctx).Infof("Reset statement digest cache (%d digests purged)", purged)
}

// ResetHistograms zeroes every histogram without touching the records.
func (c *Cache) ResetHistograms() {
	for i := range c.histograms {
		c.histograms[i].Reset()
	}
}

// Records calls fn for the overflow slot, if it has seen any statement, and
// for every allocated slot, in position order. Iteration stops when fn
// returns false.
func (c *Cache) Records(fn func(*Record) bool) {
	if !c.Enabled() {
		return
	}
	if r := &c.slots[0]; r.lastSeen.Load() != 0 {
		if !fn(r) {
			return
		}
	}
	for pos := 1; pos < len(c.slots); pos++ {
		r := &c.slots[pos]
		if !r.lock.isAllocated() {
			continue
		}
		if !fn(r) {
			return
		}
	}
}

// Close tears the cache down. No other call may be in flight; afterwards
// FindOrCreate returns nil.
func (c *Cache) Close() {
	if c.closed.Swap(true) {
		return
	}
	if c.idx != nil {
		c.idx.close()
	}
	c.slots = nil
	c.histograms = nil
	clog.FromContext(c.ctx).Info("Statement digest cache closed")
}
