package stats

import (
	"context"

	"tickstats/internal/dataset"
)

// Sequential computes statistics in a single pass on the calling
// goroutine. It is the reference strategy the parallel engine is held to.
type Sequential struct{}

// NewSequential creates the sequential engine.
func NewSequential() *Sequential { return &Sequential{} }

// Name implements Engine.
func (s *Sequential) Name() string { return "sequential" }

// Compute implements Engine.
func (s *Sequential) Compute(ctx context.Context, snap *dataset.Snapshot, q Query) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fields := q.fields()
	symbols := q.symbols(snap)
	accs, records := aggregate(snap, symbols, fields)
	return finalize(accs, fields, records, len(symbols)), nil
}
