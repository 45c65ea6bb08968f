package processor

import (
	"context"
	"encoding/hex"
	"sort"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/chainguard-dev/clog"
	"github.com/imjasonh/stmtdigest/pkg/digest"
	"github.com/imjasonh/stmtdigest/pkg/fingerprint"
	"github.com/imjasonh/stmtdigest/pkg/intern"
)

// DefaultMaxSampleLength bounds the retained sample text in bytes.
const DefaultMaxSampleLength = 1024

// Statement is one finished statement execution as reported by the server.
type Statement struct {
	Text        string            `json:"text"`
	Schema      string            `json:"schema,omitempty"`
	User        string            `json:"user,omitempty"`
	ClientAttrs map[string]string `json:"client_attrs,omitempty"`

	TimerWait        time.Duration `json:"timer_wait"`
	LockTime         time.Duration `json:"lock_time"`
	Errors           uint64        `json:"errors,omitempty"`
	Warnings         uint64        `json:"warnings,omitempty"`
	RowsAffected     uint64        `json:"rows_affected,omitempty"`
	RowsSent         uint64        `json:"rows_sent,omitempty"`
	RowsExamined     uint64        `json:"rows_examined,omitempty"`
	CreatedTmpTables uint64        `json:"created_tmp_tables,omitempty"`
	SelectScan       uint64        `json:"select_scan,omitempty"`
	SortRows         uint64        `json:"sort_rows,omitempty"`
	NoIndexUsed      bool          `json:"no_index_used,omitempty"`
}

// Options configures a Processor.
type Options struct {
	Cache digest.Options

	// TrackUsers adds the user and client identity to the digest key.
	TrackUsers bool

	// SampleMaxAge replaces a retained sample once it is older than this,
	// even if the new execution was faster. Zero keeps samples until a
	// slower execution comes along.
	SampleMaxAge time.Duration

	// MaxSampleLength truncates sample text. Zero means DefaultMaxSampleLength.
	MaxSampleLength int

	// Clock overrides time.Now for sample timestamps.
	Clock func() time.Time
}

// Processor turns statement executions into digest aggregates.
type Processor struct {
	ctx     context.Context
	cache   *digest.Cache
	schemas *intern.Map
	users   *intern.Map

	trackUsers   bool
	sampleMaxAge time.Duration
	maxSample    int
	now          func() time.Time

	received  atomic.Uint64
	created   atomic.Uint64
	hits      atomic.Uint64
	overflow  atomic.Uint64
	untracked atomic.Uint64
	empty     atomic.Uint64
	startedAt time.Time
}

// NewProcessor creates a processor with its own digest cache.
func NewProcessor(ctx context.Context, opts Options) *Processor {
	log := clog.FromContext(ctx)

	if opts.MaxSampleLength <= 0 {
		opts.MaxSampleLength = DefaultMaxSampleLength
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Cache.Clock == nil {
		opts.Cache.Clock = opts.Clock
	}

	log.Infof("Initialized statement processor (track users: %t, sample max age: %v)", opts.TrackUsers, opts.SampleMaxAge)
	log.Debugf("Sample text truncated to %d bytes", opts.MaxSampleLength)

	return &Processor{
		ctx:          ctx,
		cache:        digest.New(ctx, opts.Cache),
		schemas:      intern.New(),
		users:        intern.New(),
		trackUsers:   opts.TrackUsers,
		sampleMaxAge: opts.SampleMaxAge,
		maxSample:    opts.MaxSampleLength,
		now:          opts.Clock,
		startedAt:    opts.Clock(),
	}
}

// Cache returns the underlying digest cache.
func (p *Processor) Cache() *digest.Cache {
	return p.cache
}

// ProcessResult indicates what happened when processing a statement.
type ProcessResult int

const (
	// ResultNew indicates a new digest was created.
	ResultNew ProcessResult = iota
	// ResultHit indicates the statement was folded into an existing digest.
	ResultHit
	// ResultOverflow indicates the statement was folded into the overflow slot.
	ResultOverflow
	// ResultUntracked indicates the statement could not be instrumented.
	ResultUntracked
	// ResultEmpty indicates the statement was empty after normalization.
	ResultEmpty
)

func (r ProcessResult) String() string {
	switch r {
	case ResultNew:
		return "new"
	case ResultHit:
		return "hit"
	case ResultOverflow:
		return "overflow"
	case ResultUntracked:
		return "untracked"
	case ResultEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Process normalizes the statement, finds or creates its digest and folds
// the execution into it. The returned record is nil for ResultEmpty and
// ResultUntracked.
func (p *Processor) Process(ctx context.Context, stmt *Statement) (*digest.Record, ProcessResult) {
	p.received.Add(1)

	normalized, hash := fingerprint.Of(stmt.Text)
	if normalized == "" {
		p.empty.Add(1)
		return nil, ResultEmpty
	}

	key := digest.Key{
		Hash:     hash,
		SchemaID: p.schemas.Intern(stmt.Schema),
	}
	if p.trackUsers {
		key.UserID = p.users.Intern(stmt.User)
		key.ClientID = fingerprint.ClientID(stmt.ClientAttrs)
	}

	r, outcome := p.cache.Acquire(key)
	var result ProcessResult
	switch outcome {
	case digest.OutcomeCreated:
		p.created.Add(1)
		result = ResultNew
		clog.FromContext(ctx).Debugf("New digest %s in slot %d: %s", key, r.Pos(), normalized)
	case digest.OutcomeHit:
		p.hits.Add(1)
		result = ResultHit
	case digest.OutcomeOverflow:
		p.overflow.Add(1)
		result = ResultOverflow
	default:
		p.untracked.Add(1)
		return nil, ResultUntracked
	}

	if !r.IsOverflow() {
		r.SetText(normalized)
	}
	r.Aggregate(digest.Execution{
		TimerWait:        stmt.TimerWait,
		LockTime:         stmt.LockTime,
		Errors:           stmt.Errors,
		Warnings:         stmt.Warnings,
		RowsAffected:     stmt.RowsAffected,
		RowsSent:         stmt.RowsSent,
		RowsExamined:     stmt.RowsExamined,
		CreatedTmpTables: stmt.CreatedTmpTables,
		SelectScan:       stmt.SelectScan,
		SortRows:         stmt.SortRows,
		NoIndexUsed:      stmt.NoIndexUsed,
	})
	if h := p.cache.Histogram(r); h != nil {
		h.Observe(stmt.TimerWait)
	}
	if !r.IsOverflow() {
		r.OfferSample(&digest.Sample{
			Text:      truncate(stmt.Text, p.maxSample),
			Seen:      p.now(),
			TimerWait: stmt.TimerWait,
		}, p.sampleMaxAge)
	}
	return r, result
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Reset discards every digest and starts a new naming epoch.
func (p *Processor) Reset() {
	p.cache.Reset()
	p.schemas.Reset()
	p.users.Reset()
}

// ResetHistograms zeroes the latency histograms.
func (p *Processor) ResetHistograms() {
	p.cache.ResetHistograms()
}

// Close releases the digest cache. No Process call may be in flight.
func (p *Processor) Close() {
	p.cache.Close()
}

// Stats holds processing statistics.
type Stats struct {
	StartedAt          time.Time
	StatementsReceived uint64
	DigestsCreated     uint64
	DigestHits         uint64
	Overflowed         uint64
	Untracked          uint64
	Empty              uint64
	LiveDigests        int
	Capacity           int
	Full               bool
	Lost               uint64
}

// Stats returns current processing statistics.
func (p *Processor) Stats() Stats {
	return Stats{
		StartedAt:          p.startedAt,
		StatementsReceived: p.received.Load(),
		DigestsCreated:     p.created.Load(),
		DigestHits:         p.hits.Load(),
		Overflowed:         p.overflow.Load(),
		Untracked:          p.untracked.Load(),
		Empty:              p.empty.Load(),
		LiveDigests:        p.cache.Len(),
		Capacity:           p.cache.Capacity(),
		Full:               p.cache.Full(),
		Lost:               p.cache.Lost(),
	}
}

// Summary is the reportable view of one digest.
type Summary struct {
	Digest           string        `json:"digest,omitempty"`
	DigestText       string        `json:"digest_text,omitempty"`
	Schema           string        `json:"schema,omitempty"`
	User             string        `json:"user,omitempty"`
	Overflow         bool          `json:"overflow,omitempty"`
	CountStar        uint64        `json:"count_star"`
	SumTimerWait     time.Duration `json:"sum_timer_wait"`
	MinTimerWait     time.Duration `json:"min_timer_wait"`
	AvgTimerWait     time.Duration `json:"avg_timer_wait"`
	MaxTimerWait     time.Duration `json:"max_timer_wait"`
	SumLockTime      time.Duration `json:"sum_lock_time"`
	SumErrors        uint64        `json:"sum_errors"`
	SumWarnings      uint64        `json:"sum_warnings"`
	SumRowsAffected  uint64        `json:"sum_rows_affected"`
	SumRowsSent      uint64        `json:"sum_rows_sent"`
	SumRowsExamined  uint64        `json:"sum_rows_examined"`
	SumCreatedTmp    uint64        `json:"sum_created_tmp_tables"`
	SumSelectScan    uint64        `json:"sum_select_scan"`
	SumSortRows      uint64        `json:"sum_sort_rows"`
	SumNoIndexUsed   uint64        `json:"sum_no_index_used"`
	FirstSeen        time.Time     `json:"first_seen"`
	LastSeen         time.Time     `json:"last_seen"`
	Quantile95       time.Duration `json:"quantile_95,omitempty"`
	Quantile99       time.Duration `json:"quantile_99,omitempty"`
	QuerySampleText  string        `json:"query_sample_text,omitempty"`
	QuerySampleSeen  time.Time     `json:"query_sample_seen,omitzero"`
	QuerySampleTimer time.Duration `json:"query_sample_timer_wait,omitempty"`
}

// Summaries returns one summary per live digest, busiest first. The overflow
// aggregate is included once it has absorbed a statement.
func (p *Processor) Summaries() []Summary {
	var out []Summary
	p.cache.Records(func(r *digest.Record) bool {
		out = append(out, p.summarize(r))
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SumTimerWait != out[j].SumTimerWait {
			return out[i].SumTimerWait > out[j].SumTimerWait
		}
		return out[i].Digest < out[j].Digest
	})
	return out
}

func (p *Processor) summarize(r *digest.Record) Summary {
	s := r.Snapshot()
	sum := Summary{
		DigestText:      s.Text,
		Overflow:        r.IsOverflow(),
		CountStar:       s.Count,
		SumTimerWait:    s.SumTimerWait,
		MinTimerWait:    s.MinTimerWait,
		AvgTimerWait:    s.AvgTimerWait(),
		MaxTimerWait:    s.MaxTimerWait,
		SumLockTime:     s.SumLockTime,
		SumErrors:       s.SumErrors,
		SumWarnings:     s.SumWarnings,
		SumRowsAffected: s.SumRowsAffected,
		SumRowsSent:     s.SumRowsSent,
		SumRowsExamined: s.SumRowsExamined,
		SumCreatedTmp:   s.SumCreatedTmp,
		SumSelectScan:   s.SumSelectScan,
		SumSortRows:     s.SumSortRows,
		SumNoIndexUsed:  s.SumNoIndexUsed,
		FirstSeen:       s.FirstSeen,
		LastSeen:        s.LastSeen,
	}
	if s.HasKey {
		sum.Digest = hex.EncodeToString(s.Key.Hash[:])
		sum.Schema = p.schemas.Name(s.Key.SchemaID)
		sum.User = p.users.Name(s.Key.UserID)
	}
	if h := p.cache.Histogram(r); h != nil && h.Total() > 0 {
		sum.Quantile95 = h.Quantile(0.95)
		sum.Quantile99 = h.Quantile(0.99)
	}
	if s.Sample != nil {
		sum.QuerySampleText = s.Sample.Text
		sum.QuerySampleSeen = s.Sample.Seen
		sum.QuerySampleTimer = s.Sample.TimerWait
	}
	return sum
}
