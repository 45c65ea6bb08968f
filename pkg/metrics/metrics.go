// Package metrics provides Prometheus metrics for stmtdigest.
package metrics

import (
	"net/http"
	"time"

	"github.com/imjasonh/stmtdigest/pkg/processor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for stmtdigest.
type Metrics struct {
	StatementsReceived   prometheus.Counter
	StatementsTracked    prometheus.Counter
	StatementsOverflowed prometheus.Counter
	StatementsUntracked  prometheus.Counter
	StatementsEmpty      prometheus.Counter
	DigestsCreated       prometheus.Counter
	StatementDuration    prometheus.Histogram

	DigestsLive prometheus.Gauge
	TableFull   prometheus.Gauge
	DigestsLost prometheus.Gauge

	Resets            prometheus.Counter
	ReportWrites      prometheus.Counter
	ReportWriteErrors prometheus.Counter

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		StatementsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stmtdigest_statements_received_total",
			Help: "Total number of statements received.",
		}),
		StatementsTracked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stmtdigest_statements_tracked_total",
			Help: "Total number of statements aggregated into their own digest.",
		}),
		StatementsOverflowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stmtdigest_statements_overflowed_total",
			Help: "Total number of statements aggregated into the overflow slot.",
		}),
		StatementsUntracked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stmtdigest_statements_untracked_total",
			Help: "Total number of statements that could not be instrumented.",
		}),
		StatementsEmpty: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stmtdigest_statements_empty_total",
			Help: "Total number of statements that were empty after normalization.",
		}),
		DigestsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stmtdigest_digests_created_total",
			Help: "Total number of digests created.",
		}),
		StatementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stmtdigest_statement_duration_seconds",
			Help:    "Execution time of received statements.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		DigestsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stmtdigest_digests",
			Help: "Current number of digests in the table.",
		}),
		TableFull: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stmtdigest_table_full",
			Help: "1 when the digest table is full and new digests overflow.",
		}),
		DigestsLost: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stmtdigest_digests_lost",
			Help: "Statements that could not get their own digest.",
		}),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stmtdigest_resets_total",
			Help: "Total number of digest table resets.",
		}),
		ReportWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stmtdigest_report_writes_total",
			Help: "Total number of successful report writes.",
		}),
		ReportWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stmtdigest_report_write_errors_total",
			Help: "Total number of failed report writes.",
		}),
		registry: registry,
	}

	// Register all metrics
	registry.MustRegister(
		m.StatementsReceived,
		m.StatementsTracked,
		m.StatementsOverflowed,
		m.StatementsUntracked,
		m.StatementsEmpty,
		m.DigestsCreated,
		m.StatementDuration,
		m.DigestsLive,
		m.TableFull,
		m.DigestsLost,
		m.Resets,
		m.ReportWrites,
		m.ReportWriteErrors,
	)

	// Register default process metrics (CPU, memory, etc.)
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	registry.MustRegister(prometheus.NewGoCollector())

	return m
}

// ObserveStatement counts one processed statement.
func (m *Metrics) ObserveStatement(result processor.ProcessResult, wait time.Duration) {
	m.StatementsReceived.Inc()
	switch result {
	case processor.ResultNew:
		m.DigestsCreated.Inc()
		m.StatementsTracked.Inc()
	case processor.ResultHit:
		m.StatementsTracked.Inc()
	case processor.ResultOverflow:
		m.StatementsOverflowed.Inc()
	case processor.ResultUntracked:
		m.StatementsUntracked.Inc()
	case processor.ResultEmpty:
		m.StatementsEmpty.Inc()
		return
	}
	m.StatementDuration.Observe(wait.Seconds())
}

// UpdateTable sets the table gauges from processor statistics.
func (m *Metrics) UpdateTable(stats processor.Stats) {
	m.DigestsLive.Set(float64(stats.LiveDigests))
	m.DigestsLost.Set(float64(stats.Lost))
	if stats.Full {
		m.TableFull.Set(1)
	} else {
		m.TableFull.Set(0)
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry for custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
