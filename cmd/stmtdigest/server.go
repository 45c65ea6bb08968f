package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/imjasonh/stmtdigest/pkg/health"
	"github.com/imjasonh/stmtdigest/pkg/metrics"
	"github.com/imjasonh/stmtdigest/pkg/processor"
)

// admin serves the observability and maintenance endpoints.
type admin struct {
	ctx     context.Context
	proc    *processor.Processor
	metrics *metrics.Metrics
	health  *health.Checker

	// Reset must not run concurrently with itself.
	resetMu sync.Mutex
}

func (a *admin) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("GET /healthz", a.health.Handler())
	mux.HandleFunc("GET /digests", a.digests)
	mux.HandleFunc("POST /admin/reset", a.reset)
	mux.HandleFunc("POST /admin/reset-histograms", a.resetHistograms)
	return mux
}

// refresh pushes table state into the gauges and the health checker.
func (a *admin) refresh() processor.Stats {
	stats := a.proc.Stats()
	a.metrics.UpdateTable(stats)
	a.health.SetTableFull(stats.Full)
	return stats
}

func (a *admin) digests(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.proc.Summaries())
}

func (a *admin) reset(w http.ResponseWriter, r *http.Request) {
	a.resetMu.Lock()
	before := a.proc.Stats().LiveDigests
	a.proc.Reset()
	a.resetMu.Unlock()

	a.metrics.Resets.Inc()
	stats := a.refresh()
	clog.FromContext(a.ctx).Infof("Digest table reset via admin endpoint (%d digests before)", before)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"purged": before,
		"lost":   stats.Lost,
	})
}

func (a *admin) resetHistograms(w http.ResponseWriter, r *http.Request) {
	a.proc.ResetHistograms()
	clog.FromContext(a.ctx).Info("Histograms reset via admin endpoint")
	w.WriteHeader(http.StatusNoContent)
}
