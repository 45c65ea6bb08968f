package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the configuration for stmtdigest.
type Config struct {
	// Digest table
	Capacity         int
	Histograms       bool
	ClearLostOnReset bool
	RetryMax         int

	// Key and sample shaping
	TrackUsers      bool
	SampleMaxAge    time.Duration
	MaxSampleLength int

	// Input; empty or "-" reads stdin
	InputPath string
	Workers   int

	// Output configuration
	ReportPath     string
	ReportInterval time.Duration

	// Observability
	MetricsAddr string
	LogLevel    slog.Level
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	var errs []string

	if c.Capacity < 0 {
		errs = append(errs, "capacity cannot be negative")
	}
	if c.RetryMax < 1 {
		errs = append(errs, "retry max must be at least 1")
	}
	if c.Workers < 1 {
		errs = append(errs, "workers must be at least 1")
	}
	if c.SampleMaxAge < 0 {
		errs = append(errs, "sample max age cannot be negative")
	}
	if c.MaxSampleLength < 0 {
		errs = append(errs, "max sample length cannot be negative")
	}

	if c.ReportPath == "" {
		errs = append(errs, "report path is required")
	}

	// Validate report interval
	if c.ReportInterval <= 0 {
		errs = append(errs, "report interval must be positive")
	} else if c.ReportInterval < time.Second {
		errs = append(errs, "report interval must be at least 1 second")
	}

	// Validate log level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.LogLevel.String())] {
		errs = append(errs, fmt.Sprintf("invalid log level %q (must be debug, info, warn, or error)", c.LogLevel))
	}

	// The report is renamed into place, so its directory must exist.
	if c.ReportPath != "" {
		dir := filepath.Dir(c.ReportPath)
		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				errs = append(errs, fmt.Sprintf("report directory does not exist: %s", dir))
			} else {
				errs = append(errs, fmt.Sprintf("cannot stat report directory: %v", err))
			}
		} else if !info.IsDir() {
			errs = append(errs, fmt.Sprintf("report path parent is not a directory: %s", dir))
		}
	}

	if !c.ReadsStdin() {
		if info, err := os.Stat(c.InputPath); err != nil {
			errs = append(errs, fmt.Sprintf("cannot read input: %v", err))
		} else if info.IsDir() {
			errs = append(errs, fmt.Sprintf("input is a directory: %s", c.InputPath))
		}
	}

	// Validate metrics address format if provided
	if c.MetricsAddr != "" {
		// Basic validation: should have format :port or host:port
		if !strings.Contains(c.MetricsAddr, ":") {
			errs = append(errs, fmt.Sprintf("invalid metrics address format %q (expected :port or host:port)", c.MetricsAddr))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// ReadsStdin reports whether statements are read from standard input.
func (c *Config) ReadsStdin() bool {
	return c.InputPath == "" || c.InputPath == "-"
}

// ParseLogLevel parses a level name such as "info" or "DEBUG".
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("parsing log level %q: %w", s, err)
	}
	return level, nil
}
