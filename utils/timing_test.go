package utils

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"
)

func TestDurationUS(t *testing.T) {
	d := 1234*time.Microsecond + 567*time.Nanosecond
	got := DurationUS(d)
	if math.Abs(got-1234.567) > 0.001 {
		t.Fatalf("want 1234.567µs, got %.3f", got)
	}
}

func TestPrintTimingStats(t *testing.T) {
	var buf bytes.Buffer
	oldOut, oldVerbose := Output, Verbose
	Output, Verbose = &buf, true
	defer func() { Output, Verbose = oldOut, oldVerbose }()

	stats := &TimingStats{
		TotalTime:       10 * time.Second,
		RoundTime:       8 * time.Second,
		TrainingTime:    6 * time.Second,
		AggregationTime: 2 * time.Second,
	}
	PrintTimingStats(stats, 5)

	out := buf.String()
	if !strings.Contains(out, "Rounds completed: 5") {
		t.Errorf("missing round count in output:\n%s", out)
	}
	if !strings.Contains(out, "Round execution: 8s (80.0%)") {
		t.Errorf("missing round breakdown in output:\n%s", out)
	}
	if !strings.Contains(out, "Local training: 6s (60.0%)") {
		t.Errorf("missing training breakdown in output:\n%s", out)
	}
}

func TestPrintTimingStatsQuiet(t *testing.T) {
	var buf bytes.Buffer
	oldOut, oldVerbose := Output, Verbose
	Output, Verbose = &buf, false
	defer func() { Output, Verbose = oldOut, oldVerbose }()

	PrintTimingStats(&TimingStats{TotalTime: time.Second}, 1)
	if buf.Len() != 0 {
		t.Errorf("Verbose=false must suppress output, got %q", buf.String())
	}
}
