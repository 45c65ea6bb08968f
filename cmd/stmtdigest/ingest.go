package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/imjasonh/stmtdigest/pkg/health"
	"github.com/imjasonh/stmtdigest/pkg/metrics"
	"github.com/imjasonh/stmtdigest/pkg/processor"
)

// maxLineSize bounds a single JSON statement line.
const maxLineSize = 4 << 20

// ingester decodes JSON statement lines and feeds them to the processor
// from a fixed pool of workers.
type ingester struct {
	proc    *processor.Processor
	metrics *metrics.Metrics
	health  *health.Checker
	workers int
}

// run reads r until EOF or ctx is done. It returns after every worker has
// drained, so the processor is quiescent when run returns. A reader blocked
// in Read is abandoned on cancellation.
func (in *ingester) run(ctx context.Context, r io.Reader) error {
	log := clog.FromContext(ctx)

	lines := make(chan []byte, in.workers*4)
	var wg sync.WaitGroup
	for i := 0; i < in.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for line := range lines {
				in.handle(ctx, line)
			}
		}()
	}

	raw := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(raw)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			// The scanner reuses its buffer.
			buf := make([]byte, len(line))
			copy(buf, line)
			select {
			case raw <- buf:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	var n int
feed:
	for {
		select {
		case line, ok := <-raw:
			if !ok {
				break feed
			}
			lines <- line
			n++
		case <-ctx.Done():
			break feed
		}
	}
	close(lines)
	wg.Wait()
	log.Infof("Input finished after %d statements", n)

	select {
	case err := <-scanErr:
		if err != nil {
			return fmt.Errorf("reading statements: %w", err)
		}
	default:
	}
	return nil
}

func (in *ingester) handle(ctx context.Context, line []byte) {
	var stmt processor.Statement
	if err := json.Unmarshal(line, &stmt); err != nil {
		clog.FromContext(ctx).Warnf("Skipping malformed statement: %v", err)
		return
	}

	r, result := in.proc.Process(ctx, &stmt)
	in.metrics.ObserveStatement(result, stmt.TimerWait)
	in.health.RecordStatementReceived()
	if result == processor.ResultNew {
		clog.FromContext(ctx).Infof("[NEW] digest in slot %d: %s", r.Pos(), r.Text())
	}
}
