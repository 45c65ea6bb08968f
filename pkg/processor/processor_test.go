package processor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/imjasonh/stmtdigest/pkg/digest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestProcessor(t *testing.T, opts Options) (*Processor, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	if opts.Cache.Capacity == 0 {
		opts.Cache.Capacity = 16
	}
	opts.Clock = clock.now
	return NewProcessor(context.Background(), opts), clock
}

func TestNewProcessor(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p, _ := newTestProcessor(t, Options{})
		if p.maxSample != DefaultMaxSampleLength {
			t.Errorf("maxSample = %d, want %d", p.maxSample, DefaultMaxSampleLength)
		}
		if !p.Cache().Enabled() {
			t.Error("cache not enabled")
		}
	})

	t.Run("custom sample length", func(t *testing.T) {
		p, _ := newTestProcessor(t, Options{MaxSampleLength: 10})
		if p.maxSample != 10 {
			t.Errorf("maxSample = %d, want 10", p.maxSample)
		}
	})
}

func TestProcessorProcess(t *testing.T) {
	for _, tt := range []struct {
		desc       string
		text       string
		wantText   string
		wantResult ProcessResult
	}{{
		desc:       "simple select",
		text:       "SELECT * FROM users WHERE id = 1",
		wantText:   "select * from users where id = ?",
		wantResult: ResultNew,
	}, {
		desc:       "in list collapsed",
		text:       "select a from t where b in (1,2,3)",
		wantText:   "select a from t where b in (...)",
		wantResult: ResultNew,
	}, {
		desc:       "empty statement",
		text:       "",
		wantResult: ResultEmpty,
	}, {
		desc:       "comment only",
		text:       "/* ping */",
		wantResult: ResultEmpty,
	}} {
		t.Run(tt.desc, func(t *testing.T) {
			p, _ := newTestProcessor(t, Options{})
			r, got := p.Process(context.Background(), &Statement{Text: tt.text, TimerWait: time.Millisecond})
			if got != tt.wantResult {
				t.Fatalf("result = %v, want %v", got, tt.wantResult)
			}
			if tt.wantResult == ResultEmpty {
				if r != nil {
					t.Errorf("empty statement got slot %d", r.Pos())
				}
				return
			}
			if r.Text() != tt.wantText {
				t.Errorf("digest text = %q, want %q", r.Text(), tt.wantText)
			}
			if r.Count() != 1 {
				t.Errorf("count = %d, want 1", r.Count())
			}
		})
	}
}

func TestProcessorSameShape(t *testing.T) {
	p, _ := newTestProcessor(t, Options{})
	ctx := context.Background()

	r1, res := p.Process(ctx, &Statement{Text: "SELECT * FROM t WHERE id = 1", TimerWait: 2 * time.Millisecond})
	if res != ResultNew {
		t.Fatalf("first: got %v, want %v", res, ResultNew)
	}
	r2, res := p.Process(ctx, &Statement{Text: "select * from t where id=99", TimerWait: 4 * time.Millisecond})
	if res != ResultHit {
		t.Fatalf("second: got %v, want %v", res, ResultHit)
	}
	if r1 != r2 {
		t.Fatalf("same shape landed in slots %d and %d", r1.Pos(), r2.Pos())
	}

	s := r1.Snapshot()
	if s.Count != 2 {
		t.Errorf("count = %d, want 2", s.Count)
	}
	if s.SumTimerWait != 6*time.Millisecond {
		t.Errorf("sum timer wait = %v, want 6ms", s.SumTimerWait)
	}
	if s.MinTimerWait != 2*time.Millisecond || s.MaxTimerWait != 4*time.Millisecond {
		t.Errorf("min/max = %v/%v, want 2ms/4ms", s.MinTimerWait, s.MaxTimerWait)
	}
}

func TestProcessorKeyDimensions(t *testing.T) {
	ctx := context.Background()
	text := "SELECT 1"

	for _, tt := range []struct {
		desc       string
		trackUsers bool
		a, b       Statement
		wantSame   bool
	}{{
		desc:     "different schemas",
		a:        Statement{Text: text, Schema: "app"},
		b:        Statement{Text: text, Schema: "billing"},
		wantSame: false,
	}, {
		desc:     "users ignored by default",
		a:        Statement{Text: text, User: "alice"},
		b:        Statement{Text: text, User: "bob"},
		wantSame: true,
	}, {
		desc:       "users tracked",
		trackUsers: true,
		a:          Statement{Text: text, User: "alice"},
		b:          Statement{Text: text, User: "bob"},
		wantSame:   false,
	}, {
		desc:       "client attributes tracked",
		trackUsers: true,
		a:          Statement{Text: text, User: "alice", ClientAttrs: map[string]string{"program": "api"}},
		b:          Statement{Text: text, User: "alice", ClientAttrs: map[string]string{"program": "cron"}},
		wantSame:   false,
	}, {
		desc:       "same user and client",
		trackUsers: true,
		a:          Statement{Text: text, User: "alice", ClientAttrs: map[string]string{"program": "api"}},
		b:          Statement{Text: text, User: "alice", ClientAttrs: map[string]string{"program": "api"}},
		wantSame:   true,
	}} {
		t.Run(tt.desc, func(t *testing.T) {
			p, _ := newTestProcessor(t, Options{TrackUsers: tt.trackUsers})
			ra, _ := p.Process(ctx, &tt.a)
			rb, _ := p.Process(ctx, &tt.b)
			if got := ra == rb; got != tt.wantSame {
				t.Errorf("same record = %t, want %t (slots %d, %d)", got, tt.wantSame, ra.Pos(), rb.Pos())
			}
		})
	}
}

func TestProcessorOverflow(t *testing.T) {
	p, _ := newTestProcessor(t, Options{Cache: digest.Options{Capacity: 2}})
	ctx := context.Background()

	if _, res := p.Process(ctx, &Statement{Text: "SELECT a FROM t"}); res != ResultNew {
		t.Fatalf("first: got %v, want %v", res, ResultNew)
	}
	r, res := p.Process(ctx, &Statement{Text: "SELECT b FROM t", TimerWait: time.Second})
	if res != ResultOverflow {
		t.Fatalf("second: got %v, want %v", res, ResultOverflow)
	}
	if !r.IsOverflow() {
		t.Fatalf("overflow result got slot %d", r.Pos())
	}
	if r.Text() != "" {
		t.Errorf("overflow slot text = %q, want empty", r.Text())
	}
	if r.Sample() != nil {
		t.Error("overflow slot kept a sample")
	}
	if r.Count() != 1 {
		t.Errorf("overflow count = %d, want 1", r.Count())
	}

	stats := p.Stats()
	if !stats.Full || stats.Lost != 1 || stats.Overflowed != 1 {
		t.Errorf("stats = %+v, want full with one lost and one overflowed", stats)
	}
}

func TestProcessorUntracked(t *testing.T) {
	p := NewProcessor(context.Background(), Options{})
	r, res := p.Process(context.Background(), &Statement{Text: "SELECT 1"})
	if res != ResultUntracked {
		t.Fatalf("disabled cache: got %v, want %v", res, ResultUntracked)
	}
	if r != nil {
		t.Errorf("disabled cache returned slot %d", r.Pos())
	}
	if got := p.Stats().Untracked; got != 1 {
		t.Errorf("Untracked = %d, want 1", got)
	}
}

func TestProcessorSample(t *testing.T) {
	p, clock := newTestProcessor(t, Options{SampleMaxAge: time.Minute})
	ctx := context.Background()

	r, _ := p.Process(ctx, &Statement{Text: "SELECT * FROM t WHERE id = 1", TimerWait: 5 * time.Millisecond})
	first := r.Sample()
	if first == nil || first.Text != "SELECT * FROM t WHERE id = 1" {
		t.Fatalf("first sample = %+v", first)
	}

	// Faster and fresh: kept.
	clock.advance(time.Second)
	p.Process(ctx, &Statement{Text: "SELECT * FROM t WHERE id = 2", TimerWait: time.Millisecond})
	if got := r.Sample(); got != first {
		t.Errorf("faster execution replaced the sample with %q", got.Text)
	}

	// Slower: replaced.
	clock.advance(time.Second)
	p.Process(ctx, &Statement{Text: "SELECT * FROM t WHERE id = 3", TimerWait: 9 * time.Millisecond})
	if got := r.Sample().Text; got != "SELECT * FROM t WHERE id = 3" {
		t.Errorf("slower execution: sample = %q", got)
	}

	// Faster but the sample has aged out: replaced.
	clock.advance(2 * time.Minute)
	p.Process(ctx, &Statement{Text: "SELECT * FROM t WHERE id = 4", TimerWait: time.Microsecond})
	got := r.Sample()
	if got.Text != "SELECT * FROM t WHERE id = 4" {
		t.Errorf("aged sample: sample = %q", got.Text)
	}
	if !got.Seen.Equal(clock.now()) {
		t.Errorf("sample seen = %v, want %v", got.Seen, clock.now())
	}
}

func TestTruncate(t *testing.T) {
	for _, tt := range []struct {
		desc string
		in   string
		n    int
		want string
	}{
		{"short", "abc", 10, "abc"},
		{"exact", "abcd", 4, "abcd"},
		{"cut", "abcdef", 3, "abc"},
		{"multibyte boundary", "aé", 2, "a"},
		{"zero", "abc", 0, ""},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			if got := truncate(tt.in, tt.n); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}

func TestProcessorSampleTruncated(t *testing.T) {
	p, _ := newTestProcessor(t, Options{MaxSampleLength: 16})
	text := "SELECT * FROM t WHERE name = '" + strings.Repeat("x", 100) + "'"
	r, _ := p.Process(context.Background(), &Statement{Text: text})
	if got := r.Sample().Text; got != text[:16] {
		t.Errorf("sample = %q, want %q", got, text[:16])
	}
}

func TestProcessorStats(t *testing.T) {
	p, _ := newTestProcessor(t, Options{})
	ctx := context.Background()

	p.Process(ctx, &Statement{Text: "SELECT 1"})          // new
	p.Process(ctx, &Statement{Text: "SELECT 2"})          // hit
	p.Process(ctx, &Statement{Text: "SELECT a FROM t"})   // new
	p.Process(ctx, &Statement{Text: ""})                  // empty
	p.Process(ctx, &Statement{Text: "-- nothing to see"}) // empty

	stats := p.Stats()
	if stats.StatementsReceived != 5 {
		t.Errorf("StatementsReceived = %d, want 5", stats.StatementsReceived)
	}
	if stats.DigestsCreated != 2 {
		t.Errorf("DigestsCreated = %d, want 2", stats.DigestsCreated)
	}
	if stats.DigestHits != 1 {
		t.Errorf("DigestHits = %d, want 1", stats.DigestHits)
	}
	if stats.Empty != 2 {
		t.Errorf("Empty = %d, want 2", stats.Empty)
	}
	if stats.LiveDigests != 2 {
		t.Errorf("LiveDigests = %d, want 2", stats.LiveDigests)
	}
	if stats.Capacity != 16 {
		t.Errorf("Capacity = %d, want 16", stats.Capacity)
	}
}

func TestProcessorSummaries(t *testing.T) {
	p, _ := newTestProcessor(t, Options{
		Cache:      digest.Options{Capacity: 3, Histograms: true},
		TrackUsers: true,
	})
	ctx := context.Background()

	p.Process(ctx, &Statement{Text: "SELECT 1", Schema: "app", User: "alice", TimerWait: time.Millisecond})
	p.Process(ctx, &Statement{Text: "SELECT a FROM t", Schema: "app", User: "bob", TimerWait: 10 * time.Millisecond, RowsSent: 3})
	p.Process(ctx, &Statement{Text: "SELECT a FROM t", Schema: "app", User: "bob", TimerWait: 20 * time.Millisecond, RowsSent: 4})
	p.Process(ctx, &Statement{Text: "DELETE FROM t", TimerWait: time.Microsecond}) // overflow

	sums := p.Summaries()
	if len(sums) != 3 {
		t.Fatalf("got %d summaries, want 3: %+v", len(sums), sums)
	}

	busiest := sums[0]
	if busiest.DigestText != "select a from t" {
		t.Errorf("busiest digest text = %q", busiest.DigestText)
	}
	if busiest.Schema != "app" || busiest.User != "bob" {
		t.Errorf("busiest schema/user = %q/%q, want app/bob", busiest.Schema, busiest.User)
	}
	if busiest.CountStar != 2 || busiest.SumRowsSent != 7 {
		t.Errorf("busiest count/rows = %d/%d, want 2/7", busiest.CountStar, busiest.SumRowsSent)
	}
	if busiest.AvgTimerWait != 15*time.Millisecond {
		t.Errorf("busiest avg = %v, want 15ms", busiest.AvgTimerWait)
	}
	if busiest.Quantile99 < 10*time.Millisecond {
		t.Errorf("busiest p99 = %v, want at least 10ms", busiest.Quantile99)
	}
	if busiest.QuerySampleText != "SELECT a FROM t" || busiest.QuerySampleTimer != 20*time.Millisecond {
		t.Errorf("busiest sample = %q (%v)", busiest.QuerySampleText, busiest.QuerySampleTimer)
	}
	if len(busiest.Digest) != 2*digest.HashSize {
		t.Errorf("digest = %q, want %d hex chars", busiest.Digest, 2*digest.HashSize)
	}

	last := sums[2]
	if !last.Overflow || last.Digest != "" || last.CountStar != 1 {
		t.Errorf("overflow summary = %+v", last)
	}
}

func TestProcessorReset(t *testing.T) {
	p, _ := newTestProcessor(t, Options{TrackUsers: true})
	ctx := context.Background()

	p.Process(ctx, &Statement{Text: "SELECT 1", Schema: "app", User: "alice"})
	p.Process(ctx, &Statement{Text: "SELECT a FROM t", Schema: "app", User: "alice"})
	if got := p.Stats().LiveDigests; got != 2 {
		t.Fatalf("before reset: live digests = %d, want 2", got)
	}

	p.Reset()

	if got := p.Stats().LiveDigests; got != 0 {
		t.Errorf("after reset: live digests = %d, want 0", got)
	}
	if got := p.schemas.Len(); got != 0 {
		t.Errorf("after reset: %d schemas interned, want 0", got)
	}
	if len(p.Summaries()) != 0 {
		t.Errorf("after reset: summaries = %+v", p.Summaries())
	}

	r, res := p.Process(ctx, &Statement{Text: "SELECT 1", Schema: "billing", User: "bob"})
	if res != ResultNew {
		t.Fatalf("after reset: got %v, want %v", res, ResultNew)
	}
	sums := p.Summaries()
	if len(sums) != 1 || sums[0].Schema != "billing" || sums[0].User != "bob" {
		t.Errorf("after reset: summaries = %+v", sums)
	}
	if r.Count() != 1 {
		t.Errorf("after reset: count = %d, want 1", r.Count())
	}
}

func TestProcessorResetHistograms(t *testing.T) {
	p, _ := newTestProcessor(t, Options{Cache: digest.Options{Capacity: 4, Histograms: true}})
	r, _ := p.Process(context.Background(), &Statement{Text: "SELECT 1", TimerWait: time.Millisecond})

	h := p.Cache().Histogram(r)
	if h.Total() != 1 {
		t.Fatalf("histogram total = %d, want 1", h.Total())
	}
	p.ResetHistograms()
	if h.Total() != 0 {
		t.Errorf("after reset: histogram total = %d, want 0", h.Total())
	}
	if r.Count() != 1 {
		t.Errorf("histogram reset touched the record: count = %d", r.Count())
	}
}

func TestProcessResultString(t *testing.T) {
	for r, want := range map[ProcessResult]string{
		ResultNew:          "new",
		ResultHit:          "hit",
		ResultOverflow:     "overflow",
		ResultUntracked:    "untracked",
		ResultEmpty:        "empty",
		ProcessResult(100): "unknown",
	} {
		if got := r.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(r), got, want)
		}
	}
}

func TestProcessorConcurrency(t *testing.T) {
	p, _ := newTestProcessor(t, Options{Cache: digest.Options{Capacity: 64, Histograms: true}})
	ctx := context.Background()
	var wg sync.WaitGroup

	// Run 10 goroutines, each processing 5 shapes 100 times
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				for k := 0; k < 5; k++ {
					p.Process(ctx, &Statement{
						Text:      fmt.Sprintf("SELECT c%d FROM t WHERE id = %d", k, i*1000+j),
						TimerWait: time.Duration(j) * time.Microsecond,
					})
				}
			}
		}(i)
	}
	wg.Wait()

	stats := p.Stats()
	if stats.StatementsReceived != 5000 {
		t.Errorf("StatementsReceived = %d, want 5000", stats.StatementsReceived)
	}
	if stats.LiveDigests != 5 {
		t.Errorf("LiveDigests = %d, want 5", stats.LiveDigests)
	}
	if stats.DigestsCreated != 5 || stats.DigestHits != 4995 {
		t.Errorf("created/hits = %d/%d, want 5/4995", stats.DigestsCreated, stats.DigestHits)
	}

	var total uint64
	for _, s := range p.Summaries() {
		total += s.CountStar
	}
	if total != 5000 {
		t.Errorf("summed count = %d, want 5000", total)
	}
}
