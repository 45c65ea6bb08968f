package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Digest matches one entry of the stmtdigest report
type Digest struct {
	Digest          string        `json:"digest"`
	DigestText      string        `json:"digest_text"`
	Schema          string        `json:"schema"`
	User            string        `json:"user"`
	Overflow        bool          `json:"overflow"`
	CountStar       uint64        `json:"count_star"`
	SumTimerWait    time.Duration `json:"sum_timer_wait"`
	MinTimerWait    time.Duration `json:"min_timer_wait"`
	AvgTimerWait    time.Duration `json:"avg_timer_wait"`
	MaxTimerWait    time.Duration `json:"max_timer_wait"`
	FirstSeen       time.Time     `json:"first_seen"`
	LastSeen        time.Time     `json:"last_seen"`
	QuerySampleText string        `json:"query_sample_text"`
}

// Report matches the JSON structure from stmtdigest
type Report struct {
	StartedAt       time.Time `json:"started_at"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
	Capacity        int       `json:"capacity"`
	Full            bool      `json:"full"`
	Lost            uint64    `json:"lost"`
	Digests         []Digest  `json:"digests"`
	TotalStatements uint64    `json:"total_statements"`
	Overflowed      uint64    `json:"overflowed_statements"`
	Untracked       uint64    `json:"untracked_statements"`
}

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <report.json> [min-digests]\n", filepath.Base(os.Args[0]))
		os.Exit(1)
	}

	reportPath := os.Args[1]
	minDigests := 1
	if len(os.Args) == 3 {
		n, err := strconv.Atoi(os.Args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid min-digests %q: %v\n", os.Args[2], err)
			os.Exit(1)
		}
		minDigests = n
	}

	fmt.Printf("Validating report: %s\n", reportPath)

	if err := validateReport(reportPath, minDigests); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Validation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\n✅ Report validation passed")
}

func validateReport(path string, minDigests int) error {
	// Read and parse JSON
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading report: %w", err)
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return fmt.Errorf("parsing JSON: %w", err)
	}

	fmt.Println("\n=== Report Structure ===")

	if report.StartedAt.IsZero() {
		return fmt.Errorf("started_at is zero")
	}
	fmt.Printf("✓ Started At: %s\n", report.StartedAt.Format(time.RFC3339))

	if report.LastUpdatedAt.IsZero() {
		return fmt.Errorf("last_updated_at is zero")
	}
	fmt.Printf("✓ Last Updated: %s\n", report.LastUpdatedAt.Format(time.RFC3339))

	if report.LastUpdatedAt.Before(report.StartedAt) {
		return fmt.Errorf("last_updated_at (%s) is before started_at (%s)",
			report.LastUpdatedAt.Format(time.RFC3339),
			report.StartedAt.Format(time.RFC3339))
	}
	fmt.Println("✓ Timestamps are consistent")

	var real []Digest
	overflows := 0
	for _, d := range report.Digests {
		if d.Overflow {
			overflows++
			continue
		}
		real = append(real, d)
	}

	if len(real) < minDigests {
		return fmt.Errorf("found %d digests, want at least %d", len(real), minDigests)
	}
	fmt.Printf("✓ Digests Captured: %d\n", len(real))

	fmt.Println("\n=== Table Validation ===")

	// Slot 0 is reserved for the overflow aggregate.
	if report.Capacity > 0 && len(real) > report.Capacity-1 {
		return fmt.Errorf("%d digests exceed the %d usable slots", len(real), report.Capacity-1)
	}
	fmt.Println("✓ Digest count within capacity")

	if overflows > 1 {
		return fmt.Errorf("found %d overflow entries (should be at most 1)", overflows)
	}
	if overflows == 1 && report.Lost == 0 {
		return fmt.Errorf("overflow entry present but lost counter is 0")
	}
	fmt.Println("✓ Overflow accounting is consistent")

	var counted uint64
	for _, d := range report.Digests {
		counted += d.CountStar
	}
	if counted > report.TotalStatements {
		return fmt.Errorf("digests account for %d statements but only %d were received", counted, report.TotalStatements)
	}
	fmt.Println("✓ Statement counts are consistent")

	fmt.Println("\n=== Digest Validation ===")

	for _, d := range real {
		if d.Digest == "" {
			return fmt.Errorf("digest with text %q has no hash", d.DigestText)
		}
		if d.DigestText == "" {
			return fmt.Errorf("digest %s has no text", d.Digest)
		}
		if d.CountStar == 0 {
			return fmt.Errorf("digest %s has zero executions", d.Digest)
		}
		if d.MinTimerWait > d.AvgTimerWait || d.AvgTimerWait > d.MaxTimerWait {
			return fmt.Errorf("digest %s timers out of order: min %v avg %v max %v",
				d.Digest, d.MinTimerWait, d.AvgTimerWait, d.MaxTimerWait)
		}
		if d.LastSeen.Before(d.FirstSeen) {
			return fmt.Errorf("digest %s last seen before first seen", d.Digest)
		}
	}
	fmt.Println("✓ All digests are well formed")

	// Statistics
	fmt.Println("\n=== Statistics ===")
	fmt.Printf("Total Statements: %d\n", report.TotalStatements)
	fmt.Printf("Overflowed Statements: %d\n", report.Overflowed)
	fmt.Printf("Untracked Statements: %d\n", report.Untracked)
	fmt.Printf("Lost: %d\n", report.Lost)
	fmt.Printf("Table Full: %t\n", report.Full)

	// Show the busiest digests
	fmt.Println("\n=== Top Digests (first 10) ===")
	for i, d := range real {
		if i >= 10 {
			fmt.Printf("... and %d more\n", len(real)-10)
			break
		}
		fmt.Printf("  %8d  %12v  %s\n", d.CountStar, d.SumTimerWait, d.DigestText)
	}

	return nil
}
