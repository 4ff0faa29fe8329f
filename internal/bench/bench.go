// Package bench provides benchmarking primitives for the enginebridge bench
// command.
package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing of a single program run.
type RunResult struct {
	Index    int
	Cold     bool // true for the first run (engine load)
	Duration time.Duration
	// OutputBytes is the total size of the run's output tensors.
	OutputBytes int
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
	P50  time.Duration
	P95  time.Duration
}

// ComputeStats calculates min, max, mean and percentiles over durations.
// An empty slice yields zero Stats.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return Stats{
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
		Mean: sum / time.Duration(len(sorted)),
		P50:  percentile(sorted, 50),
		P95:  percentile(sorted, 95),
	}
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	return sorted[max(rank, 1)-1]
}

// Throughput returns runs per second for n runs over wall.
// Returns 0 if wall is zero to avoid division by zero.
func Throughput(n int, wall time.Duration) float64 {
	if wall <= 0 {
		return 0
	}
	return float64(n) / wall.Seconds()
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// Run calls fn warmup+runs times sequentially and times the measured runs.
// The first call overall is marked cold. fn returns the output size.
func Run(ctx context.Context, warmup, runs int, fn func(ctx context.Context) (int, error)) ([]RunResult, error) {
	results := make([]RunResult, 0, runs)
	for i := range warmup + runs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		n, err := fn(ctx)
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", i, err)
		}
		if i < warmup {
			continue
		}
		results = append(results, RunResult{
			Index:       i - warmup,
			Cold:        i == 0,
			Duration:    time.Since(start),
			OutputBytes: n,
		})
	}
	return results, nil
}

// Durations extracts the run durations, dropping the cold run when others
// exist.
func Durations(runs []RunResult) []time.Duration {
	out := make([]time.Duration, 0, len(runs))
	for _, r := range runs {
		if r.Cold && len(runs) > 1 {
			continue
		}
		out = append(out, r.Duration)
	}
	return out
}

// ---------------------------------------------------------------------------
// Latency threshold gate
// ---------------------------------------------------------------------------

// CheckLatencyThreshold returns an error if mean > threshold.
// A threshold of 0 disables the gate.
func CheckLatencyThreshold(mean, threshold time.Duration) error {
	if threshold <= 0 {
		return nil
	}
	if mean > threshold {
		return fmt.Errorf("mean latency %s exceeds threshold %s", mean, threshold)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %12s\n", "Run", "Cold", "MS", "Output")
	fmt.Fprintln(sb, strings.Repeat("-", 38))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-5s  %10.3f  %12s\n",
			r.Index+1,
			cold,
			ms(r.Duration),
			humanize.Bytes(uint64(r.OutputBytes)),
		)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 38))
	for _, row := range []struct {
		label string
		d     time.Duration
	}{{"min", stats.Min}, {"p50", stats.P50}, {"mean", stats.Mean}, {"p95", stats.P95}, {"max", stats.Max}} {
		fmt.Fprintf(sb, "%-5s  %-5s  %10.3f  (%s)\n", "", "", ms(row.d), row.label)
	}

	fmt.Fprint(w, sb.String())
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index       int     `json:"index"`
	Cold        bool    `json:"cold"`
	DurationMS  float64 `json:"duration_ms"`
	OutputBytes int     `json:"output_bytes"`
}

type jsonStats struct {
	MinMS  float64 `json:"min_ms"`
	P50MS  float64 `json:"p50_ms"`
	MeanMS float64 `json:"mean_ms"`
	P95MS  float64 `json:"p95_ms"`
	MaxMS  float64 `json:"max_ms"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) error {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:  ms(stats.Min),
			P50MS:  ms(stats.P50),
			MeanMS: ms(stats.Mean),
			P95MS:  ms(stats.P95),
			MaxMS:  ms(stats.Max),
		},
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:       r.Index,
			Cold:        r.Cold,
			DurationMS:  ms(r.Duration),
			OutputBytes: r.OutputBytes,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jr)
}
