package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickstats/internal/dataset"
)

func snapshotOf(t *testing.T, data map[string]dataset.Series) *dataset.Snapshot {
	t.Helper()
	st := dataset.NewStore()
	return st.Replace(data)
}

func obs(d int, open, close float64) dataset.Observation {
	return dataset.Observation{
		Date:     time.Date(2024, time.March, d, 0, 0, 0, 0, time.UTC),
		Open:     open,
		High:     open + 1,
		Low:      open - 1,
		Close:    close,
		AdjClose: close,
		Volume:   1000,
	}
}

// randomSnapshot builds a dataset with gaps: roughly one in ten values is
// missing.
func randomSnapshot(t *testing.T, tickers, rows int, seed int64) *dataset.Snapshot {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	data := make(map[string]dataset.Series, tickers)
	for i := 0; i < tickers; i++ {
		sym := fmt.Sprintf("T%03d", i)
		series := dataset.Series{Symbol: sym}
		for j := 0; j < rows; j++ {
			v := func() float64 {
				if rng.Intn(10) == 0 {
					return math.NaN()
				}
				return rng.Float64()*200 - 100
			}
			series.Observations = append(series.Observations, dataset.Observation{
				Date:     time.Date(2024, time.January, 1+j%28, 0, 0, 0, 0, time.UTC),
				Open:     v(),
				High:     v(),
				Low:      v(),
				Close:    v(),
				AdjClose: v(),
				Volume:   v(),
			})
		}
		data[sym] = series
	}
	return snapshotOf(t, data)
}

func startedParallel(t *testing.T, workers int) *Parallel {
	t.Helper()
	p := NewParallel(workers, nil)
	p.Start()
	t.Cleanup(func() {
		require.NoError(t, p.Stop(5*time.Second))
	})
	return p
}

func TestSequentialExcludesMissingValues(t *testing.T) {
	snap := snapshotOf(t, map[string]dataset.Series{
		"AAA": {Symbol: "AAA", Observations: []dataset.Observation{
			obs(1, 10, math.NaN()),
			obs(2, 12, 8),
		}},
	})

	res, err := NewSequential().Compute(context.Background(), snap, Query{})
	require.NoError(t, err)

	open := res.PerField[dataset.FieldOpen]
	assert.Equal(t, 2, open.Count)
	assert.Equal(t, Value(11), open.Mean)
	assert.Equal(t, Value(10), open.Min)
	assert.Equal(t, Value(12), open.Max)
	assert.Equal(t, Value(11), open.Median)
	assert.Equal(t, Value(math.Sqrt2), open.Std)

	// The missing close is excluded, not coerced to zero.
	closeStats := res.PerField[dataset.FieldClose]
	assert.Equal(t, 1, closeStats.Count)
	assert.Equal(t, Value(8), closeStats.Mean)
	assert.Equal(t, Value(8), closeStats.Min)
	assert.True(t, math.IsNaN(float64(closeStats.Std)), "one value has no spread")
}

func TestSequentialEmptySnapshot(t *testing.T) {
	snap := snapshotOf(t, map[string]dataset.Series{})

	res, err := NewSequential().Compute(context.Background(), snap, Query{})
	require.NoError(t, err)

	assert.Zero(t, res.Records)
	assert.Zero(t, res.TickerCount)
	for _, f := range dataset.Fields() {
		fs := res.PerField[f]
		assert.Zero(t, fs.Count)
		assert.True(t, math.IsNaN(float64(fs.Mean)), "field %s", f)
		assert.True(t, math.IsNaN(float64(fs.Median)), "field %s", f)
		assert.True(t, math.IsNaN(float64(fs.Std)), "field %s", f)
	}
}

func TestMedianEvenCount(t *testing.T) {
	snap := snapshotOf(t, map[string]dataset.Series{
		"AAA": {Symbol: "AAA", Observations: []dataset.Observation{
			obs(1, 1, 1), obs(2, 2, 2), obs(3, 3, 3), obs(4, 10, 10),
		}},
	})

	res, err := NewSequential().Compute(context.Background(), snap, Query{})
	require.NoError(t, err)
	assert.Equal(t, Value(2.5), res.PerField[dataset.FieldOpen].Median)
}

func TestTickerSubsetQuery(t *testing.T) {
	snap := snapshotOf(t, map[string]dataset.Series{
		"AAA": {Symbol: "AAA", Observations: []dataset.Observation{obs(1, 10, 10)}},
		"BBB": {Symbol: "BBB", Observations: []dataset.Observation{obs(1, 90, 90)}},
	})

	res, err := NewSequential().Compute(context.Background(), snap, Query{Tickers: []string{"aaa"}})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Records)
	assert.Equal(t, 1, res.TickerCount)
	assert.Equal(t, Value(10), res.PerField[dataset.FieldOpen].Mean)
}

func TestEnginesAgreeOnRandomizedDataset(t *testing.T) {
	snap := randomSnapshot(t, 37, 53, 42)
	seq := NewSequential()

	for _, workers := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			par := startedParallel(t, workers)

			want, err := seq.Compute(context.Background(), snap, Query{})
			require.NoError(t, err)
			got, err := par.Compute(context.Background(), snap, Query{})
			require.NoError(t, err)

			assert.Equal(t, want.Records, got.Records)
			assert.Equal(t, want.TickerCount, got.TickerCount)
			for _, f := range dataset.Fields() {
				ws, gs := want.PerField[f], got.PerField[f]
				assert.Equal(t, ws.Count, gs.Count, "field %s count", f)
				assert.Equal(t, ws.Min, gs.Min, "field %s min", f)
				assert.Equal(t, ws.Max, gs.Max, "field %s max", f)
				assert.Equal(t, ws.Median, gs.Median, "field %s median", f)
				assert.InEpsilon(t, float64(ws.Sum), float64(gs.Sum), 1e-9, "field %s sum", f)
				assert.InEpsilon(t, float64(ws.Mean), float64(gs.Mean), 1e-9, "field %s mean", f)
				assert.InEpsilon(t, float64(ws.Std), float64(gs.Std), 1e-9, "field %s std", f)
			}
		})
	}
}

func TestParallelMoreWorkersThanTickers(t *testing.T) {
	snap := snapshotOf(t, map[string]dataset.Series{
		"AAA": {Symbol: "AAA", Observations: []dataset.Observation{obs(1, 10, 10)}},
		"BBB": {Symbol: "BBB", Observations: []dataset.Observation{obs(1, 20, 20)}},
	})
	par := startedParallel(t, 16)

	res, err := par.Compute(context.Background(), snap, Query{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Records)
	assert.Equal(t, Value(15), res.PerField[dataset.FieldOpen].Mean)
}

func TestParallelEmptySnapshot(t *testing.T) {
	snap := snapshotOf(t, map[string]dataset.Series{})
	par := startedParallel(t, 4)

	res, err := par.Compute(context.Background(), snap, Query{})
	require.NoError(t, err)
	assert.Zero(t, res.Records)
	assert.Zero(t, res.PerField[dataset.FieldOpen].Count)
}

func TestParallelContextCancelled(t *testing.T) {
	snap := randomSnapshot(t, 8, 10, 7)
	par := startedParallel(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := par.Compute(ctx, snap, Query{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueryKeyCanonical(t *testing.T) {
	a := Query{Tickers: []string{"bbb", "AAA"}, Fields: []dataset.Field{dataset.FieldClose, dataset.FieldOpen}}
	b := Query{Tickers: []string{"AAA", "BBB"}, Fields: []dataset.Field{dataset.FieldOpen, dataset.FieldClose}}

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), Query{}.Key())
}

func TestValueMarshalsNaNAsNull(t *testing.T) {
	type payload struct {
		Mean Value `json:"mean"`
	}

	out, err := json.Marshal(payload{Mean: Value(math.NaN())})
	require.NoError(t, err)
	assert.JSONEq(t, `{"mean":null}`, string(out))

	out, err = json.Marshal(payload{Mean: Value(2.5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"mean":2.5}`, string(out))
}

func TestPartition(t *testing.T) {
	symbols := []string{"A", "B", "C", "D", "E"}

	chunks := partition(symbols, 2)
	require.Len(t, chunks, 2)
	assert.Equal(t, []string{"A", "B", "C"}, chunks[0])
	assert.Equal(t, []string{"D", "E"}, chunks[1])

	chunks = partition(symbols, 10)
	assert.Len(t, chunks, 5)
}

func BenchmarkSequentialCompute(b *testing.B) {
	snap := benchSnapshot(b)
	engine := NewSequential()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Compute(context.Background(), snap, Query{}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParallelCompute(b *testing.B) {
	snap := benchSnapshot(b)
	engine := NewParallel(0, nil)
	engine.Start()
	defer engine.Stop(5 * time.Second)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Compute(context.Background(), snap, Query{}); err != nil {
			b.Fatal(err)
		}
	}
}

func benchSnapshot(b *testing.B) *dataset.Snapshot {
	b.Helper()
	rng := rand.New(rand.NewSource(1))
	data := make(map[string]dataset.Series, 100)
	for i := 0; i < 100; i++ {
		sym := fmt.Sprintf("B%03d", i)
		series := dataset.Series{Symbol: sym}
		for j := 0; j < 250; j++ {
			series.Observations = append(series.Observations, dataset.Observation{
				Date:  time.Date(2024, time.January, 1+j%28, 0, 0, 0, 0, time.UTC),
				Open:  rng.Float64() * 100,
				High:  rng.Float64() * 100,
				Low:   rng.Float64() * 100,
				Close: rng.Float64() * 100,
			})
		}
		data[sym] = series
	}
	return dataset.NewStore().Replace(data)
}
