// Package health provides health checking functionality for stmtdigest.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

const (
	statementQuietAfter = 5 * time.Minute
	minReportStall      = 2 * time.Minute
)

// Checker tracks the health status of various stmtdigest components.
type Checker struct {
	mu                    sync.RWMutex
	cacheConfigured       bool
	tableFull             bool
	lastStatementReceived time.Time
	lastReportWritten     time.Time
	startTime             time.Time
	reportStall           time.Duration
}

// New creates a new health checker. Report writes count as stalled after
// four missed intervals, and never sooner than two minutes.
func New(reportInterval time.Duration) *Checker {
	return &Checker{
		startTime:   time.Now(),
		reportStall: max(4*reportInterval, minReportStall),
	}
}

// SetCacheConfigured marks the digest cache as allocated and enabled.
func (c *Checker) SetCacheConfigured() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheConfigured = true
}

// SetTableFull records whether the digest table is currently full.
func (c *Checker) SetTableFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tableFull = full
}

// RecordStatementReceived updates the timestamp of the last statement received.
func (c *Checker) RecordStatementReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastStatementReceived = time.Now()
}

// RecordReportWritten updates the timestamp of the last successful report write.
func (c *Checker) RecordReportWritten() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastReportWritten = time.Now()
}

// Status represents the current health status.
type Status struct {
	Healthy               bool    `json:"healthy"`
	Uptime                string  `json:"uptime"`
	CacheConfigured       bool    `json:"cache_configured"`
	TableFull             bool    `json:"table_full"`
	LastStatementReceived string  `json:"last_statement_received,omitempty"`
	LastReportWritten     string  `json:"last_report_written,omitempty"`
	SecondsSinceStatement float64 `json:"seconds_since_statement,omitempty"`
	SecondsSinceReport    float64 `json:"seconds_since_report,omitempty"`
	Message               string  `json:"message,omitempty"`
}

func (s *Status) addMessage(msg string) {
	if s.Message != "" {
		s.Message += "; "
	}
	s.Message += msg
}

// Check returns the current health status.
// It considers the service healthy if:
// - the digest cache is configured
// - reports have been written recently (or the service just started)
// A quiet input or a full table only produce a warning message.
func (c *Checker) Check() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	uptime := now.Sub(c.startTime)

	status := Status{
		Healthy:         true,
		Uptime:          uptime.Round(time.Second).String(),
		CacheConfigured: c.cacheConfigured,
		TableFull:       c.tableFull,
	}

	if !c.cacheConfigured {
		status.Healthy = false
		status.Message = "digest cache not configured"
		return status
	}

	// Check statement reception (but allow grace period after startup)
	if !c.lastStatementReceived.IsZero() {
		sinceStatement := now.Sub(c.lastStatementReceived)
		status.SecondsSinceStatement = sinceStatement.Seconds()
		status.LastStatementReceived = c.lastStatementReceived.Format(time.RFC3339)

		if sinceStatement > statementQuietAfter {
			status.addMessage("no statements received recently (check input)")
		}
	} else if uptime > statementQuietAfter {
		status.addMessage("no statements received yet (check input)")
	}

	if c.tableFull {
		status.addMessage("digest table full (new digests overflow until reset)")
	}

	// Check report writes
	if !c.lastReportWritten.IsZero() {
		sinceReport := now.Sub(c.lastReportWritten)
		status.SecondsSinceReport = sinceReport.Seconds()
		status.LastReportWritten = c.lastReportWritten.Format(time.RFC3339)

		if sinceReport > c.reportStall {
			status.Healthy = false
			status.addMessage("report write stalled")
		}
	} else if uptime > c.reportStall {
		status.Healthy = false
		status.addMessage("no reports written yet")
	}

	return status
}

// Handler returns an HTTP handler for the /healthz endpoint.
// Returns 200 OK if healthy, 503 Service Unavailable if unhealthy.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := c.Check()

		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(status)
	}
}
