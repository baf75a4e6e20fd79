package utils

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Verbose controls whether timing statistics are printed.
// Set to false to suppress output.
var Verbose = true

// Output is the writer where timing statistics are printed.
// Defaults to os.Stdout.
var Output io.Writer = os.Stdout

// TimingStats holds per-phase timing for a federated session
type TimingStats struct {
	TotalTime       time.Duration
	HEInitTime      time.Duration
	DataLoadingTime time.Duration
	// RoundTime is the wall time spent inside rounds end to end: training,
	// ciphertext work, aggregation and checkpointing together.
	RoundTime       time.Duration
	TrainingTime    time.Duration
	EncryptionTime  time.Duration
	DecryptionTime  time.Duration
	AggregationTime time.Duration
	CheckpointTime  time.Duration
}

// PrintTimingStats prints detailed timing statistics for a session of the
// given number of rounds. Respects the Verbose flag - does nothing if
// Verbose is false.
func PrintTimingStats(stats *TimingStats, rounds int) {
	if !Verbose || rounds <= 0 {
		return
	}
	pct := func(d time.Duration) float64 {
		if stats.TotalTime == 0 {
			return 0
		}
		return float64(d) / float64(stats.TotalTime) * 100
	}
	fmt.Fprintln(Output, "\n=== TIMING STATISTICS ===")
	fmt.Fprintf(Output, "Total session time: %v\n", stats.TotalTime)
	fmt.Fprintf(Output, "Average time per round: %v\n", stats.TotalTime/time.Duration(rounds))
	fmt.Fprintf(Output, "Rounds completed: %d\n", rounds)
	fmt.Fprintln(Output, "\nBreakdown by phase:")
	fmt.Fprintf(Output, "  HE initialization: %v (%.1f%%)\n", stats.HEInitTime, pct(stats.HEInitTime))
	fmt.Fprintf(Output, "  Data loading: %v (%.1f%%)\n", stats.DataLoadingTime, pct(stats.DataLoadingTime))
	fmt.Fprintf(Output, "  Round execution: %v (%.1f%%)\n", stats.RoundTime, pct(stats.RoundTime))
	fmt.Fprintf(Output, "  Local training: %v (%.1f%%)\n", stats.TrainingTime, pct(stats.TrainingTime))
	fmt.Fprintf(Output, "  Encryption: %v (%.1f%%)\n", stats.EncryptionTime, pct(stats.EncryptionTime))
	fmt.Fprintf(Output, "  Decryption: %v (%.1f%%)\n", stats.DecryptionTime, pct(stats.DecryptionTime))
	fmt.Fprintf(Output, "  Aggregation: %v (%.1f%%)\n", stats.AggregationTime, pct(stats.AggregationTime))
	fmt.Fprintf(Output, "  Checkpointing: %v (%.1f%%)\n", stats.CheckpointTime, pct(stats.CheckpointTime))
	fmt.Fprintln(Output, "\nPerformance metrics:")
	fmt.Fprintf(Output, "  Average round time: %v\n", stats.RoundTime/time.Duration(rounds))
	fmt.Fprintf(Output, "  Average training time per round: %v\n", stats.TrainingTime/time.Duration(rounds))
	fmt.Fprintf(Output, "  Average aggregation time per round: %v\n", stats.AggregationTime/time.Duration(rounds))
}

// DurationUS converts any time.Duration to micro-seconds as float64
func DurationUS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1_000.0
}
