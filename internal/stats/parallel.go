package stats

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"tickstats/internal/dataset"
)

// Parallel computes statistics on a fixed worker pool. The pool is
// started once and reused across queries; Compute partitions the ticker
// list into contiguous chunks, workers accumulate per-chunk partials and
// a deterministic sorted merge reduces them, so the output matches the
// sequential engine.
type Parallel struct {
	workers int
	tasks   chan func()
	wg      sync.WaitGroup
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewParallel creates a parallel engine with the given pool size. A
// non-positive size defaults to runtime.GOMAXPROCS(0). The pool must be
// started with Start before the first Compute call.
func NewParallel(workers int, logger *slog.Logger) *Parallel {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Parallel{
		workers: workers,
		tasks:   make(chan func(), workers*2),
		logger:  logger.With(slog.String("component", "parallel_engine")),
	}
}

// Name implements Engine.
func (p *Parallel) Name() string { return "parallel" }

// Workers returns the pool size.
func (p *Parallel) Workers() int { return p.workers }

// Start launches the worker goroutines. Calling Start on a running pool
// is a no-op.
func (p *Parallel) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	p.logger.Debug("worker pool started", slog.Int("workers", p.workers))
}

// Stop closes the task queue and waits up to timeout for in-flight work
// to drain. No Compute call may race with or follow Stop.
func (p *Parallel) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool did not drain within %s", timeout)
	}
}

type chunkResult struct {
	accs    map[dataset.Field]*accumulator
	records int
	failed  bool
}

// Compute implements Engine.
func (p *Parallel) Compute(ctx context.Context, snap *dataset.Snapshot, q Query) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fields := q.fields()
	symbols := q.symbols(snap)
	if len(symbols) == 0 {
		accs, _ := aggregate(snap, nil, fields)
		return finalize(accs, fields, 0, 0), nil
	}

	chunks := partition(symbols, p.workers)
	results := make([]chunkResult, len(chunks))

	var wg sync.WaitGroup
	for i, chunk := range chunks {
		i, chunk := i, chunk
		wg.Add(1)
		task := func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i].failed = true
					p.logger.Error("chunk computation panicked",
						slog.Int("chunk", i), slog.Any("panic", r))
				}
			}()
			results[i].accs, results[i].records = aggregate(snap, chunk, fields)
		}
		select {
		case p.tasks <- task:
		case <-ctx.Done():
			wg.Done()
			return nil, ctx.Err()
		}
	}
	wg.Wait()

	// Failed chunks are retried in-process on the caller's goroutine.
	// If the retry fails as well the whole computation is abandoned;
	// callers never see a partial result.
	for i := range results {
		if !results[i].failed {
			continue
		}
		if !p.retryChunk(snap, chunks[i], fields, &results[i]) {
			return nil, ErrComputationFailed
		}
	}

	merged, _ := aggregate(snap, nil, fields)
	records := 0
	for i := range results {
		records += results[i].records
		for _, f := range fields {
			merged[f].merge(results[i].accs[f])
		}
	}
	return finalize(merged, fields, records, len(symbols)), nil
}

func (p *Parallel) retryChunk(snap *dataset.Snapshot, chunk []string, fields []dataset.Field, out *chunkResult) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("sequential retry panicked", slog.Any("panic", r))
			ok = false
		}
	}()
	out.accs, out.records = aggregate(snap, chunk, fields)
	out.failed = false
	return true
}

// partition splits symbols into at most n contiguous chunks of near-equal
// size, preserving sorted order so the reduction is deterministic.
func partition(symbols []string, n int) [][]string {
	if n > len(symbols) {
		n = len(symbols)
	}
	chunks := make([][]string, 0, n)
	size := len(symbols) / n
	rem := len(symbols) % n
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < rem {
			end++
		}
		chunks = append(chunks, symbols[start:end])
		start = end
	}
	return chunks
}
