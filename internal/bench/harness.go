// Package bench measures the two statistics engines against the live
// snapshot and verifies they agree. It powers the /stats/benchmark
// endpoint; nothing here mutates the dataset.
package bench

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"tickstats/internal/dataset"
	"tickstats/internal/stats"
)

const (
	defaultIterations = 10
	maxIterations     = 200
	maxConcurrency    = 64
	warmupRuns        = 2

	// meanTolerance bounds the allowed relative difference between the
	// engines' sums and means.
	meanTolerance = 1e-9
)

// Options controls one harness run.
type Options struct {
	// Iterations is the number of timed computations per engine.
	Iterations int
	// Concurrency is the number of computations in flight at once.
	// 1 means strictly serial timing.
	Concurrency int
}

// Normalize clamps the options to safe bounds.
func (o Options) Normalize() Options {
	if o.Iterations <= 0 {
		o.Iterations = defaultIterations
	}
	if o.Iterations > maxIterations {
		o.Iterations = maxIterations
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Concurrency > maxConcurrency {
		o.Concurrency = maxConcurrency
	}
	return o
}

// EngineReport is the latency profile of one engine.
type EngineReport struct {
	Engine     string  `json:"engine"`
	Iterations int     `json:"iterations"`
	MinMs      float64 `json:"min_ms"`
	MeanMs     float64 `json:"mean_ms"`
	MedianMs   float64 `json:"median_ms"`
	MaxMs      float64 `json:"max_ms"`
}

// Report is the outcome of one harness run.
type Report struct {
	Records     int            `json:"records"`
	Tickers     int            `json:"tickers"`
	Version     uint64         `json:"version"`
	Concurrency int            `json:"concurrency"`
	Sequential  EngineReport   `json:"sequential"`
	Parallel    EngineReport   `json:"parallel"`
	Speedup     float64        `json:"speedup"`
	ParityOK    bool           `json:"parity_ok"`
	ParityError string         `json:"parity_error,omitempty"`
}

// Harness runs comparative measurements of the two engines.
type Harness struct {
	sequential stats.Engine
	parallel   stats.Engine
	logger     *slog.Logger
}

// NewHarness creates a harness over the two engines.
func NewHarness(sequential, parallel stats.Engine, logger *slog.Logger) *Harness {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{
		sequential: sequential,
		parallel:   parallel,
		logger:     logger.With(slog.String("component", "bench")),
	}
}

// Run measures both engines on the given snapshot and checks parity.
func (h *Harness) Run(ctx context.Context, snap *dataset.Snapshot, opts Options) (*Report, error) {
	opts = opts.Normalize()
	query := stats.Query{}

	seqRes, err := h.sequential.Compute(ctx, snap, query)
	if err != nil {
		return nil, fmt.Errorf("sequential warmup: %w", err)
	}
	parRes, err := h.parallel.Compute(ctx, snap, query)
	if err != nil {
		return nil, fmt.Errorf("parallel warmup: %w", err)
	}

	report := &Report{
		Records:     snap.Records(),
		Tickers:     snap.TickerCount(),
		Version:     snap.Version(),
		Concurrency: opts.Concurrency,
		ParityOK:    true,
	}
	if err := checkParity(seqRes, parRes); err != nil {
		report.ParityOK = false
		report.ParityError = err.Error()
		h.logger.Error("engine parity violated", slog.String("error", err.Error()))
	}

	report.Sequential, err = h.measure(ctx, h.sequential, snap, query, opts)
	if err != nil {
		return nil, err
	}
	report.Parallel, err = h.measure(ctx, h.parallel, snap, query, opts)
	if err != nil {
		return nil, err
	}
	if report.Parallel.MeanMs > 0 {
		report.Speedup = report.Sequential.MeanMs / report.Parallel.MeanMs
	}

	h.logger.Info("benchmark completed",
		slog.Int("iterations", opts.Iterations),
		slog.Int("concurrency", opts.Concurrency),
		slog.Float64("speedup", report.Speedup),
		slog.Bool("parity_ok", report.ParityOK))
	return report, nil
}

// measure times opts.Iterations computations of one engine, running up
// to opts.Concurrency of them at once.
func (h *Harness) measure(ctx context.Context, engine stats.Engine, snap *dataset.Snapshot, q stats.Query, opts Options) (EngineReport, error) {
	for i := 0; i < warmupRuns; i++ {
		if _, err := engine.Compute(ctx, snap, q); err != nil {
			return EngineReport{}, fmt.Errorf("%s warmup: %w", engine.Name(), err)
		}
	}

	durations := make([]float64, opts.Iterations)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i := 0; i < opts.Iterations; i++ {
		i := i
		g.Go(func() error {
			started := time.Now()
			if _, err := engine.Compute(gctx, snap, q); err != nil {
				return fmt.Errorf("%s iteration %d: %w", engine.Name(), i, err)
			}
			durations[i] = float64(time.Since(started).Microseconds()) / 1000
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return EngineReport{}, err
	}

	sort.Float64s(durations)
	var sum float64
	for _, d := range durations {
		sum += d
	}
	n := len(durations)
	medianMs := durations[n/2]
	if n%2 == 0 {
		medianMs = (durations[n/2-1] + durations[n/2]) / 2
	}
	return EngineReport{
		Engine:     engine.Name(),
		Iterations: n,
		MinMs:      durations[0],
		MeanMs:     sum / float64(n),
		MedianMs:   medianMs,
		MaxMs:      durations[n-1],
	}, nil
}

// checkParity verifies the two engines produced equivalent results:
// identical count, min, max and median, and sum/mean within tolerance.
func checkParity(seq, par *stats.Result) error {
	if seq.Records != par.Records {
		return fmt.Errorf("records differ: sequential=%d parallel=%d", seq.Records, par.Records)
	}
	for field, sf := range seq.PerField {
		pf, ok := par.PerField[field]
		if !ok {
			return fmt.Errorf("field %q missing from parallel result", field)
		}
		if sf.Count != pf.Count {
			return fmt.Errorf("%s count differs: %d vs %d", field, sf.Count, pf.Count)
		}
		if !sameValue(float64(sf.Min), float64(pf.Min)) {
			return fmt.Errorf("%s min differs: %v vs %v", field, sf.Min, pf.Min)
		}
		if !sameValue(float64(sf.Max), float64(pf.Max)) {
			return fmt.Errorf("%s max differs: %v vs %v", field, sf.Max, pf.Max)
		}
		if !sameValue(float64(sf.Median), float64(pf.Median)) {
			return fmt.Errorf("%s median differs: %v vs %v", field, sf.Median, pf.Median)
		}
		if !withinTolerance(float64(sf.Mean), float64(pf.Mean)) {
			return fmt.Errorf("%s mean differs beyond tolerance: %v vs %v", field, sf.Mean, pf.Mean)
		}
		if !withinTolerance(float64(sf.Sum), float64(pf.Sum)) {
			return fmt.Errorf("%s sum differs beyond tolerance: %v vs %v", field, sf.Sum, pf.Sum)
		}
		if !withinTolerance(float64(sf.Std), float64(pf.Std)) {
			return fmt.Errorf("%s std differs beyond tolerance: %v vs %v", field, sf.Std, pf.Std)
		}
	}
	return nil
}

func sameValue(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	return a == b
}

func withinTolerance(a, b float64) bool {
	if sameValue(a, b) {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	if scale == 0 {
		return true
	}
	return math.Abs(a-b)/scale <= meanTolerance
}
