// Command stmtdigest aggregates executed SQL statements into per-digest
// statistics. Statements arrive as JSON lines, one execution per line, with
// durations in nanoseconds:
//
//	{"text":"SELECT * FROM t WHERE id = 1","schema":"app","timer_wait":1200000}
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/imjasonh/stmtdigest/pkg/config"
	"github.com/imjasonh/stmtdigest/pkg/digest"
	"github.com/imjasonh/stmtdigest/pkg/health"
	"github.com/imjasonh/stmtdigest/pkg/metrics"
	"github.com/imjasonh/stmtdigest/pkg/processor"
	"github.com/imjasonh/stmtdigest/pkg/reporter"
)

func main() {
	var (
		cfg      config.Config
		logLevel string
	)

	flag.IntVar(&cfg.Capacity, "capacity", 200, "Digest table slots, including the overflow slot (0 disables)")
	flag.BoolVar(&cfg.Histograms, "histograms", true, "Keep a latency histogram per digest")
	flag.BoolVar(&cfg.ClearLostOnReset, "clear-lost-on-reset", false, "Zero the lost counter when the table is reset")
	flag.IntVar(&cfg.RetryMax, "retry-max", digest.DefaultRetryMax, "Creation races tolerated before a statement goes to the overflow slot")
	flag.BoolVar(&cfg.TrackUsers, "track-users", false, "Include user and client identity in the digest key")
	flag.DurationVar(&cfg.SampleMaxAge, "sample-max-age", 0, "Replace a statement sample once it is this old (0 keeps the slowest)")
	flag.IntVar(&cfg.MaxSampleLength, "max-sample-length", processor.DefaultMaxSampleLength, "Maximum sample text length in bytes")
	flag.StringVar(&cfg.InputPath, "input", "-", "JSON lines statement file (- for stdin)")
	flag.IntVar(&cfg.Workers, "workers", 4, "Concurrent statement workers")
	flag.StringVar(&cfg.ReportPath, "report", "/data/stmtdigest-report.json", "Path to write the JSON report")
	flag.DurationVar(&cfg.ReportInterval, "interval", 30*time.Second, "Interval between report writes")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", ":9090", "Address for /metrics, /healthz and admin endpoints (empty disables)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	level, err := config.ParseLogLevel(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg.LogLevel = level

	log := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	ctx := clog.WithLogger(context.Background(), log)

	if err := cfg.Validate(); err != nil {
		log.Errorf("%v", err)
		os.Exit(2)
	}

	if err := run(ctx, &cfg); err != nil {
		log.Errorf("Error: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := clog.FromContext(ctx)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	proc := processor.NewProcessor(ctx, processor.Options{
		Cache: digest.Options{
			Capacity:         cfg.Capacity,
			Histograms:       cfg.Histograms,
			ClearLostOnReset: cfg.ClearLostOnReset,
			RetryMax:         cfg.RetryMax,
		},
		TrackUsers:      cfg.TrackUsers,
		SampleMaxAge:    cfg.SampleMaxAge,
		MaxSampleLength: cfg.MaxSampleLength,
	})
	defer proc.Close()

	m := metrics.New()
	hc := health.New(cfg.ReportInterval)
	if proc.Cache().Enabled() {
		hc.SetCacheConfigured()
	} else {
		log.Warn("Digest table disabled; statements are counted but not aggregated")
	}

	a := &admin{ctx: ctx, proc: proc, metrics: m, health: hc}
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           a.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Infof("Serving metrics and admin endpoints on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("HTTP server failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	rep := reporter.NewFileReporter(ctx, cfg.ReportPath)
	defer rep.Close()

	writeReport := func(ctx context.Context) {
		a.refresh()
		report := reporter.Snapshot(proc)
		if err := rep.Update(ctx, report); err != nil {
			m.ReportWriteErrors.Inc()
			log.Errorf("Error writing report: %v", err)
			return
		}
		m.ReportWrites.Inc()
		hc.RecordReportWritten()
		log.Infof("Report written: %d digests, %d statements, %d lost",
			len(report.Digests), report.TotalStatements, report.Lost)
	}

	input, closeInput, err := openInput(cfg)
	if err != nil {
		return err
	}
	defer closeInput()

	in := &ingester{proc: proc, metrics: m, health: hc, workers: cfg.Workers}
	done := make(chan error, 1)
	go func() { done <- in.run(ctx, input) }()

	log.Infof("Writing reports to: %s (interval: %s)", cfg.ReportPath, cfg.ReportInterval)
	reportTicker := time.NewTicker(cfg.ReportInterval)
	defer reportTicker.Stop()

	for {
		select {
		case <-reportTicker.C:
			writeReport(ctx)

		case err := <-done:
			// Input exhausted; the final report uses a fresh context in case
			// a signal arrived at the same time.
			log.Info("Writing final report...")
			writeReport(context.WithoutCancel(ctx))
			return err

		case <-ctx.Done():
			log.Info("Received signal, shutting down...")
			// Let the workers drain before the final report.
			err := <-done
			log.Info("Writing final report...")
			writeReport(context.WithoutCancel(ctx))
			return err
		}
	}
}

func openInput(cfg *config.Config) (io.Reader, func(), error) {
	if cfg.ReadsStdin() {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(cfg.InputPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
