// Package stats computes descriptive statistics over dataset snapshots.
// Two interchangeable engines are provided: Sequential and Parallel. Both
// must produce identical count, min, max and median for the same snapshot
// and query, with sum and mean agreeing within a 1e-9 relative tolerance.
package stats

import (
	"context"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"

	"tickstats/internal/dataset"
)

// ErrComputationFailed is returned when a statistics computation could
// not be completed. Callers never receive a partial result.
var ErrComputationFailed = errors.New("statistics computation failed")

// Engine is a statistics computation strategy.
type Engine interface {
	// Name identifies the strategy ("sequential" or "parallel").
	Name() string
	// Compute aggregates the snapshot observations matching the query.
	Compute(ctx context.Context, snap *dataset.Snapshot, q Query) (*Result, error)
}

// Query selects the tickers and fields to aggregate. A nil Tickers slice
// means all tickers; a nil Fields slice means all six numeric fields.
type Query struct {
	Tickers []string
	Fields  []dataset.Field
}

// Key returns a canonical cache key for the query. Ticker order and case
// do not affect the key.
func (q Query) Key() string {
	tickers := make([]string, len(q.Tickers))
	for i, t := range q.Tickers {
		tickers[i] = strings.ToUpper(t)
	}
	sort.Strings(tickers)

	fields := make([]string, len(q.Fields))
	for i, f := range q.Fields {
		fields[i] = string(f)
	}
	sort.Strings(fields)

	var b strings.Builder
	b.WriteString("t=")
	b.WriteString(strings.Join(tickers, ","))
	b.WriteString(";f=")
	b.WriteString(strings.Join(fields, ","))
	return b.String()
}

// fields returns the effective field list for the query.
func (q Query) fields() []dataset.Field {
	if len(q.Fields) == 0 {
		return dataset.Fields()
	}
	return q.Fields
}

// symbols returns the effective ticker list for the query, sorted and
// uppercased, restricted to symbols present in the snapshot.
func (q Query) symbols(snap *dataset.Snapshot) []string {
	if len(q.Tickers) == 0 {
		return snap.Symbols()
	}
	out := make([]string, 0, len(q.Tickers))
	for _, t := range q.Tickers {
		sym := strings.ToUpper(t)
		if _, ok := snap.Series(sym); ok {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// Value is a float64 that marshals NaN and infinities as JSON null.
// Aggregates over zero present values are NaN, and encoding/json refuses
// bare NaN, so every exposed statistic goes through this type.
type Value float64

func (v Value) MarshalJSON() ([]byte, error) {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

// FieldStats holds the aggregates of one numeric field. Count covers only
// present (non-NaN) values; the remaining statistics are NaN when Count
// is zero.
type FieldStats struct {
	Count  int   `json:"count"`
	Sum    Value `json:"sum"`
	Min    Value `json:"min"`
	Max    Value `json:"max"`
	Mean   Value `json:"mean"`
	Median Value `json:"median"`
	Std    Value `json:"std"`
}

// Result is the outcome of one Compute call.
type Result struct {
	Records     int
	TickerCount int
	PerField    map[dataset.Field]FieldStats
}

// accumulator collects one field's values. Min and max are streamed; the
// full value list is retained for the exact median. seal sorts the list,
// after which the accumulator may be merged or finalized.
type accumulator struct {
	count  int
	min    float64
	max    float64
	values []float64
}

func newAccumulator() *accumulator {
	return &accumulator{min: math.NaN(), max: math.NaN()}
}

// add records one observation value. NaN values are skipped entirely so
// absent data never contributes to any aggregate.
func (a *accumulator) add(v float64) {
	if math.IsNaN(v) {
		return
	}
	a.count++
	if math.IsNaN(a.min) || v < a.min {
		a.min = v
	}
	if math.IsNaN(a.max) || v > a.max {
		a.max = v
	}
	a.values = append(a.values, v)
}

// seal sorts the retained values. Must be called before merge or stats.
func (a *accumulator) seal() {
	sort.Float64s(a.values)
}

// merge folds a sealed accumulator into this sealed one with a two-way
// sorted merge, preserving global sorted order.
func (a *accumulator) merge(b *accumulator) {
	if b.count == 0 {
		return
	}
	if a.count == 0 {
		a.count = b.count
		a.min = b.min
		a.max = b.max
		a.values = b.values
		return
	}
	merged := make([]float64, 0, len(a.values)+len(b.values))
	i, j := 0, 0
	for i < len(a.values) && j < len(b.values) {
		if a.values[i] <= b.values[j] {
			merged = append(merged, a.values[i])
			i++
		} else {
			merged = append(merged, b.values[j])
			j++
		}
	}
	merged = append(merged, a.values[i:]...)
	merged = append(merged, b.values[j:]...)
	a.values = merged
	a.count += b.count
	if b.min < a.min {
		a.min = b.min
	}
	if b.max > a.max {
		a.max = b.max
	}
}

// stats finalizes a sealed accumulator. The sum and sum of squared
// deviations are taken over the sorted value list so both engines add
// the same sequences regardless of how the values were partitioned,
// keeping their sums, means and deviations bit-identical.
func (a *accumulator) stats() FieldStats {
	if a.count == 0 {
		nan := Value(math.NaN())
		return FieldStats{Count: 0, Sum: nan, Min: nan, Max: nan, Mean: nan, Median: nan, Std: nan}
	}
	var sum float64
	for _, v := range a.values {
		sum += v
	}
	mean := sum / float64(a.count)

	// Sample standard deviation (n-1 denominator); a single value has no
	// spread and yields NaN.
	std := math.NaN()
	if a.count > 1 {
		var sqDev float64
		for _, v := range a.values {
			d := v - mean
			sqDev += d * d
		}
		std = math.Sqrt(sqDev / float64(a.count-1))
	}

	return FieldStats{
		Count:  a.count,
		Sum:    Value(sum),
		Min:    Value(a.min),
		Max:    Value(a.max),
		Mean:   Value(mean),
		Median: Value(median(a.values)),
		Std:    Value(std),
	}
}

// median of a sorted non-empty slice. Even lengths average the two
// central values.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// aggregate runs the single-pass accumulation over the given symbols.
// Shared by the sequential engine and the parallel chunk workers.
func aggregate(snap *dataset.Snapshot, symbols []string, fields []dataset.Field) (map[dataset.Field]*accumulator, int) {
	accs := make(map[dataset.Field]*accumulator, len(fields))
	for _, f := range fields {
		accs[f] = newAccumulator()
	}
	records := 0
	for _, sym := range symbols {
		series, ok := snap.Series(sym)
		if !ok {
			continue
		}
		records += len(series.Observations)
		for _, obs := range series.Observations {
			for _, f := range fields {
				accs[f].add(obs.Value(f))
			}
		}
	}
	for _, acc := range accs {
		acc.seal()
	}
	return accs, records
}

func finalize(accs map[dataset.Field]*accumulator, fields []dataset.Field, records, tickers int) *Result {
	res := &Result{
		Records:     records,
		TickerCount: tickers,
		PerField:    make(map[dataset.Field]FieldStats, len(fields)),
	}
	for _, f := range fields {
		res.PerField[f] = accs[f].stats()
	}
	return res
}
