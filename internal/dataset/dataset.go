package dataset

import (
	"math"
	"sort"
	"sync/atomic"
	"time"
)

// Field identifies one numeric column of an observation. The string
// values are the stable metric keys exposed over the API.
type Field string

const (
	FieldOpen     Field = "open"
	FieldClose    Field = "close"
	FieldHigh     Field = "high"
	FieldLow      Field = "low"
	FieldAdjClose Field = "adj close"
	FieldVolume   Field = "volume"
)

// Fields returns every numeric field in canonical order.
func Fields() []Field {
	return []Field{FieldOpen, FieldClose, FieldHigh, FieldLow, FieldAdjClose, FieldVolume}
}

// PriceFields returns the fields covered by the price statistics endpoint.
func PriceFields() []Field {
	return []Field{FieldOpen, FieldClose}
}

// Observation is one row of a ticker's daily time series. Absent numeric
// values are stored as NaN and excluded from aggregation, never coerced
// to zero.
type Observation struct {
	Date     time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	AdjClose float64
	Volume   float64
}

// Value returns the named field of the observation, NaN for an unknown
// field name.
func (o Observation) Value(f Field) float64 {
	switch f {
	case FieldOpen:
		return o.Open
	case FieldClose:
		return o.Close
	case FieldHigh:
		return o.High
	case FieldLow:
		return o.Low
	case FieldAdjClose:
		return o.AdjClose
	case FieldVolume:
		return o.Volume
	default:
		return math.NaN()
	}
}

// Series is the chronological time series of a single ticker.
type Series struct {
	Symbol       string
	Observations []Observation
}

// Snapshot is a complete, versioned, immutable copy of the dataset at a
// point in time. A snapshot is never modified after construction; reload
// builds a new one and the Store swaps the reference atomically, so a
// reader holding a snapshot always sees consistent data.
type Snapshot struct {
	version  uint64
	loadedAt time.Time
	series   map[string]Series
	symbols  []string
	records  int
	dateMin  time.Time
	dateMax  time.Time
}

func newSnapshot(version uint64, data map[string]Series) *Snapshot {
	snap := &Snapshot{
		version:  version,
		loadedAt: time.Now(),
		series:   data,
		symbols:  make([]string, 0, len(data)),
	}
	for sym, s := range data {
		snap.symbols = append(snap.symbols, sym)
		snap.records += len(s.Observations)
		for _, obs := range s.Observations {
			if obs.Date.IsZero() {
				continue
			}
			if snap.dateMin.IsZero() || obs.Date.Before(snap.dateMin) {
				snap.dateMin = obs.Date
			}
			if snap.dateMax.IsZero() || obs.Date.After(snap.dateMax) {
				snap.dateMax = obs.Date
			}
		}
	}
	sort.Strings(snap.symbols)
	return snap
}

// Version returns the monotonically increasing snapshot version.
func (s *Snapshot) Version() uint64 { return s.version }

// LoadedAt returns the time the snapshot was constructed.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Records returns the total observation count across all tickers.
func (s *Snapshot) Records() int { return s.records }

// TickerCount returns the number of distinct tickers.
func (s *Snapshot) TickerCount() int { return len(s.symbols) }

// Empty reports whether the snapshot holds no observations.
func (s *Snapshot) Empty() bool { return s.records == 0 }

// Series returns the time series for symbol, if present.
func (s *Snapshot) Series(symbol string) (Series, bool) {
	ts, ok := s.series[symbol]
	return ts, ok
}

// Symbols returns a copy of the sorted ticker symbols.
func (s *Snapshot) Symbols() []string {
	out := make([]string, len(s.symbols))
	copy(out, s.symbols)
	return out
}

// SampleSymbols returns the first n symbols in sorted order. The sample
// is deterministic so repeated calls are stable for UI exploration.
func (s *Snapshot) SampleSymbols(n int) []string {
	if n > len(s.symbols) {
		n = len(s.symbols)
	}
	out := make([]string, n)
	copy(out, s.symbols[:n])
	return out
}

// DateRange returns the earliest and latest observation dates. ok is
// false when the snapshot has no dated observations.
func (s *Snapshot) DateRange() (start, end time.Time, ok bool) {
	if s.dateMin.IsZero() {
		return time.Time{}, time.Time{}, false
	}
	return s.dateMin, s.dateMax, true
}

// Store owns the active snapshot reference. Replace is the only writer
// and performs a single atomic pointer swap; Current never blocks, so
// readers in flight see either the old or the new snapshot in full.
type Store struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
}

// NewStore creates a store holding an empty version-zero snapshot.
func NewStore() *Store {
	st := &Store{}
	st.current.Store(newSnapshot(0, map[string]Series{}))
	return st
}

// Current returns the active snapshot.
func (st *Store) Current() *Snapshot { return st.current.Load() }

// Replace installs data as a new snapshot with the next version and
// returns it. Replacing with equivalent data still bumps the version;
// cache invalidation keys off the version, not the contents.
func (st *Store) Replace(data map[string]Series) *Snapshot {
	snap := newSnapshot(st.version.Add(1), data)
	st.current.Store(snap)
	return snap
}
