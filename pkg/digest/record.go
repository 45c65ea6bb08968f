package digest

import (
	"math"
	"sync/atomic"
	"time"
)

// Execution is the outcome of one statement execution, folded into a Record
// by Aggregate.
type Execution struct {
	TimerWait        time.Duration
	LockTime         time.Duration
	Errors           uint64
	Warnings         uint64
	RowsAffected     uint64
	RowsSent         uint64
	RowsExamined     uint64
	CreatedTmpTables uint64
	SelectScan       uint64
	SortRows         uint64
	NoIndexUsed      bool
}

// Sample is a retained example of the statement text behind a digest.
type Sample struct {
	Text      string
	Seen      time.Time
	TimerWait time.Duration
}

// Record aggregates the executions of one digest. A Record handed out by
// FindOrCreate stays valid until the next Reset; callers never free it.
//
// Counter updates are individually atomic but not consistent across fields.
type Record struct {
	lock slotLock
	pos  int

	key       atomic.Pointer[Key]
	text      atomic.Pointer[string]
	firstSeen atomic.Int64
	lastSeen  atomic.Int64

	count            atomic.Uint64
	sumTimerWait     atomic.Uint64
	minTimerWait     atomic.Uint64
	maxTimerWait     atomic.Uint64
	sumLockTime      atomic.Uint64
	sumErrors        atomic.Uint64
	sumWarnings      atomic.Uint64
	sumRowsAffected  atomic.Uint64
	sumRowsSent      atomic.Uint64
	sumRowsExamined  atomic.Uint64
	sumCreatedTmp    atomic.Uint64
	sumSelectScan    atomic.Uint64
	sumSortRows      atomic.Uint64
	sumNoIndexUsed   atomic.Uint64
	sample           atomic.Pointer[Sample]
	sampleGeneration atomic.Uint64
}

// Pos returns the slot position of the record. Position 0 is the overflow slot.
func (r *Record) Pos() int {
	return r.pos
}

// IsOverflow reports whether r is the overflow aggregate.
func (r *Record) IsOverflow() bool {
	return r.pos == 0
}

// Key returns the key the record was created for. The overflow slot has no key.
func (r *Record) Key() (Key, bool) {
	k := r.key.Load()
	if k == nil {
		return Key{}, false
	}
	return *k, true
}

// Text returns the normalized statement text recorded for the digest.
func (r *Record) Text() string {
	if p := r.text.Load(); p != nil {
		return *p
	}
	return ""
}

// SetText records the normalized statement text. Only the first call in an
// epoch has an effect.
func (r *Record) SetText(text string) {
	if text == "" || r.text.Load() != nil {
		return
	}
	r.text.CompareAndSwap(nil, &text)
}

// Aggregate folds one execution into the record.
func (r *Record) Aggregate(e Execution) {
	wait := durationToUint(e.TimerWait)

	r.count.Add(1)
	r.sumTimerWait.Add(wait)
	casMin(&r.minTimerWait, wait)
	casMax(&r.maxTimerWait, wait)
	r.sumLockTime.Add(durationToUint(e.LockTime))
	r.sumErrors.Add(e.Errors)
	r.sumWarnings.Add(e.Warnings)
	r.sumRowsAffected.Add(e.RowsAffected)
	r.sumRowsSent.Add(e.RowsSent)
	r.sumRowsExamined.Add(e.RowsExamined)
	r.sumCreatedTmp.Add(e.CreatedTmpTables)
	r.sumSelectScan.Add(e.SelectScan)
	r.sumSortRows.Add(e.SortRows)
	if e.NoIndexUsed {
		r.sumNoIndexUsed.Add(1)
	}
}

// Count returns the number of aggregated executions.
func (r *Record) Count() uint64 {
	return r.count.Load()
}

// Sample returns the retained statement sample, if any.
func (r *Record) Sample() *Sample {
	return r.sample.Load()
}

// OfferSample retains s as the record's sample when there is no sample yet,
// when s ran longer than the current sample, or when the current sample is
// older than maxAge (maxAge <= 0 disables aging). It reports whether s was
// kept.
func (r *Record) OfferSample(s *Sample, maxAge time.Duration) bool {
	for {
		cur := r.sample.Load()
		if cur != nil {
			expired := maxAge > 0 && s.Seen.Sub(cur.Seen) > maxAge
			if !expired && s.TimerWait <= cur.TimerWait {
				return false
			}
		}
		if r.sample.CompareAndSwap(cur, s) {
			r.sampleGeneration.Add(1)
			return true
		}
	}
}

// Stats is a point-in-time copy of a Record.
type Stats struct {
	Pos              int
	Key              Key
	HasKey           bool
	Text             string
	FirstSeen        time.Time
	LastSeen         time.Time
	Count            uint64
	SumTimerWait     time.Duration
	MinTimerWait     time.Duration
	MaxTimerWait     time.Duration
	SumLockTime      time.Duration
	SumErrors        uint64
	SumWarnings      uint64
	SumRowsAffected  uint64
	SumRowsSent      uint64
	SumRowsExamined  uint64
	SumCreatedTmp    uint64
	SumSelectScan    uint64
	SumSortRows      uint64
	SumNoIndexUsed   uint64
	Sample           *Sample
	SampleGeneration uint64
}

// AvgTimerWait returns the mean execution time.
func (s Stats) AvgTimerWait() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.SumTimerWait / time.Duration(s.Count)
}

// Snapshot copies the record's current values.
func (r *Record) Snapshot() Stats {
	s := Stats{
		Pos:              r.pos,
		Count:            r.count.Load(),
		SumTimerWait:     time.Duration(r.sumTimerWait.Load()),
		MaxTimerWait:     time.Duration(r.maxTimerWait.Load()),
		SumLockTime:      time.Duration(r.sumLockTime.Load()),
		SumErrors:        r.sumErrors.Load(),
		SumWarnings:      r.sumWarnings.Load(),
		SumRowsAffected:  r.sumRowsAffected.Load(),
		SumRowsSent:      r.sumRowsSent.Load(),
		SumRowsExamined:  r.sumRowsExamined.Load(),
		SumCreatedTmp:    r.sumCreatedTmp.Load(),
		SumSelectScan:    r.sumSelectScan.Load(),
		SumSortRows:      r.sumSortRows.Load(),
		SumNoIndexUsed:   r.sumNoIndexUsed.Load(),
		Sample:           r.sample.Load(),
		SampleGeneration: r.sampleGeneration.Load(),
	}
	if m := r.minTimerWait.Load(); m != math.MaxUint64 {
		s.MinTimerWait = time.Duration(m)
	}
	s.Key, s.HasKey = r.Key()
	s.Text = r.Text()
	if ns := r.firstSeen.Load(); ns != 0 {
		s.FirstSeen = time.Unix(0, ns)
	}
	if ns := r.lastSeen.Load(); ns != 0 {
		s.LastSeen = time.Unix(0, ns)
	}
	return s
}

// begin initializes a freshly claimed record.
func (r *Record) begin(key *Key, now int64) {
	r.clear()
	r.key.Store(key)
	r.firstSeen.Store(now)
	r.lastSeen.Store(now)
}

// clear zeroes the aggregated data. The key is left to the caller.
func (r *Record) clear() {
	r.firstSeen.Store(0)
	r.lastSeen.Store(0)
	r.count.Store(0)
	r.sumTimerWait.Store(0)
	r.minTimerWait.Store(math.MaxUint64)
	r.maxTimerWait.Store(0)
	r.sumLockTime.Store(0)
	r.sumErrors.Store(0)
	r.sumWarnings.Store(0)
	r.sumRowsAffected.Store(0)
	r.sumRowsSent.Store(0)
	r.sumRowsExamined.Store(0)
	r.sumCreatedTmp.Store(0)
	r.sumSelectScan.Store(0)
	r.sumSortRows.Store(0)
	r.sumNoIndexUsed.Store(0)
	r.text.Store(nil)
	r.sample.Store(nil)
	r.sampleGeneration.Store(0)
}

func durationToUint(d time.Duration) uint64 {
	if d < 0 {
		return 0
	}
	return uint64(d)
}

func casMin(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if v >= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}

func casMax(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if v <= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}
