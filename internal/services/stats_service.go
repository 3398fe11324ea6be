package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"tickstats/internal/dataset"
	"tickstats/internal/infrastructure"
	"tickstats/internal/loader"
	"tickstats/internal/stats"
)

// sampleSize is the number of symbols included in ticker samples.
const sampleSize = 10

var tickerPattern = regexp.MustCompile(`^[A-Za-z0-9.\-]{1,12}$`)

// StatsService orchestrates the dataset store, the loader client, the
// statistics engine and the cache. The engine is bound at construction;
// orchestration is strategy-agnostic.
type StatsService struct {
	store   *dataset.Store
	loader  *loader.Client
	engine  stats.Engine
	cache   *stats.Cache
	monitor *HealthMonitor
	metrics *infrastructure.Metrics
	logger  *slog.Logger

	reloading atomic.Bool
}

// NewStatsService wires the service. A nil logger defaults to
// slog.Default(); metrics may be nil.
func NewStatsService(
	store *dataset.Store,
	loaderClient *loader.Client,
	engine stats.Engine,
	cache *stats.Cache,
	monitor *HealthMonitor,
	metrics *infrastructure.Metrics,
	logger *slog.Logger,
) *StatsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsService{
		store:   store,
		loader:  loaderClient,
		engine:  engine,
		cache:   cache,
		monitor: monitor,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "stats_service")),
	}
}

// Engine returns the bound computation engine.
func (s *StatsService) Engine() stats.Engine { return s.engine }

// Snapshot returns the active dataset snapshot.
func (s *StatsService) Snapshot() *dataset.Snapshot { return s.store.Current() }

// StatisticsBlock groups per-field aggregates by statistic name, keyed
// by the stable lower-case field names.
type StatisticsBlock struct {
	Mean   map[string]stats.Value `json:"mean"`
	Std    map[string]stats.Value `json:"std"`
	Median map[string]stats.Value `json:"median"`
	Min    map[string]stats.Value `json:"min"`
	Max    map[string]stats.Value `json:"max"`
	Count  map[string]int         `json:"count"`
}

func newStatisticsBlock(res *stats.Result, fields []dataset.Field) StatisticsBlock {
	block := StatisticsBlock{
		Mean:   make(map[string]stats.Value, len(fields)),
		Std:    make(map[string]stats.Value, len(fields)),
		Median: make(map[string]stats.Value, len(fields)),
		Min:    make(map[string]stats.Value, len(fields)),
		Max:    make(map[string]stats.Value, len(fields)),
		Count:  make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		fs := res.PerField[f]
		key := string(f)
		block.Mean[key] = fs.Mean
		block.Std[key] = fs.Std
		block.Median[key] = fs.Median
		block.Min[key] = fs.Min
		block.Max[key] = fs.Max
		block.Count[key] = fs.Count
	}
	return block
}

// BasicStatsResponse is the /stats/basic body.
type BasicStatsResponse struct {
	Statistics      StatisticsBlock `json:"statistics"`
	TotalRecords    int             `json:"total_records"`
	DistinctTickers int             `json:"distinct_tickers"`
	NumericColumns  []string        `json:"numeric_columns"`
}

// BasicStats aggregates every numeric field across all tickers. An empty
// dataset yields a zero-record response, not an error.
func (s *StatsService) BasicStats(ctx context.Context) (*BasicStatsResponse, error) {
	s.metrics.RecordQuery("basic")
	res, err := s.compute(ctx, s.store.Current(), stats.Query{})
	if err != nil {
		return nil, err
	}
	return &BasicStatsResponse{
		Statistics:      newStatisticsBlock(res, dataset.Fields()),
		TotalRecords:    res.Records,
		DistinctTickers: res.TickerCount,
		NumericColumns:  fieldNames(dataset.Fields()),
	}, nil
}

// DateRange is the summary's observation date span.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// SummaryResponse is the /stats/summary body.
type SummaryResponse struct {
	TotalRecords    int            `json:"total_records"`
	DistinctTickers int            `json:"distinct_tickers"`
	SampleTickers   []string       `json:"sample_tickers"`
	Columns         []string       `json:"columns"`
	MissingValues   map[string]int `json:"missing_values"`
	DateRange       *DateRange     `json:"date_range"`
}

// Summary reports dataset shape: record and ticker counts, the first ten
// symbols in sorted order, per-field missing-value counts and the
// observation date range.
func (s *StatsService) Summary(ctx context.Context) (*SummaryResponse, error) {
	s.metrics.RecordQuery("summary")
	snap := s.store.Current()
	res, err := s.compute(ctx, snap, stats.Query{})
	if err != nil {
		return nil, err
	}

	missing := make(map[string]int, len(dataset.Fields()))
	for _, f := range dataset.Fields() {
		missing[string(f)] = res.Records - res.PerField[f].Count
	}

	resp := &SummaryResponse{
		TotalRecords:    res.Records,
		DistinctTickers: res.TickerCount,
		SampleTickers:   snap.SampleSymbols(sampleSize),
		Columns:         fieldNames(dataset.Fields()),
		MissingValues:   missing,
	}
	if start, end, ok := snap.DateRange(); ok {
		resp.DateRange = &DateRange{
			Start: start.Format("2006-01-02"),
			End:   end.Format("2006-01-02"),
		}
	}
	return resp, nil
}

// PriceBlock groups the open/close aggregates by statistic name.
type PriceBlock struct {
	Min    map[string]stats.Value `json:"min"`
	Median map[string]stats.Value `json:"median"`
	Mean   map[string]stats.Value `json:"mean"`
	Std    map[string]stats.Value `json:"std"`
	Max    map[string]stats.Value `json:"max"`
}

// PriceStatsResponse is the /stats/prices body.
type PriceStatsResponse struct {
	PriceStatistics PriceBlock `json:"price_statistics"`
	TotalRecords    int        `json:"total_records"`
}

// PriceStats aggregates the open and close fields only.
func (s *StatsService) PriceStats(ctx context.Context) (*PriceStatsResponse, error) {
	s.metrics.RecordQuery("prices")
	fields := dataset.PriceFields()
	res, err := s.compute(ctx, s.store.Current(), stats.Query{Fields: fields})
	if err != nil {
		return nil, err
	}
	block := newStatisticsBlock(res, fields)
	return &PriceStatsResponse{
		PriceStatistics: PriceBlock{
			Min:    block.Min,
			Median: block.Median,
			Mean:   block.Mean,
			Std:    block.Std,
			Max:    block.Max,
		},
		TotalRecords: res.Records,
	}, nil
}

// TickerStatsResponse is the /stats/by_ticker/{ticker} body.
type TickerStatsResponse struct {
	Ticker     string          `json:"ticker"`
	Records    int             `json:"records"`
	Statistics StatisticsBlock `json:"statistics"`
}

// TickerStats aggregates one ticker. Lookups are case-insensitive; an
// unknown symbol yields ErrTickerNotFound.
func (s *StatsService) TickerStats(ctx context.Context, symbol string) (*TickerStatsResponse, error) {
	s.metrics.RecordQuery("by_ticker")
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !tickerPattern.MatchString(symbol) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTicker, symbol)
	}
	snap := s.store.Current()
	if _, ok := snap.Series(symbol); !ok {
		return nil, fmt.Errorf("%w: %s", ErrTickerNotFound, symbol)
	}
	res, err := s.compute(ctx, snap, stats.Query{Tickers: []string{symbol}})
	if err != nil {
		return nil, err
	}
	return &TickerStatsResponse{
		Ticker:     symbol,
		Records:    res.Records,
		Statistics: newStatisticsBlock(res, dataset.Fields()),
	}, nil
}

// SampleTickers returns up to n symbols from the current snapshot in
// sorted order, for not-found responses.
func (s *StatsService) SampleTickers(n int) []string {
	return s.store.Current().SampleSymbols(n)
}

// ReloadResponse is the /stats/reload body.
type ReloadResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Records int      `json:"records"`
	Tickers int      `json:"tickers"`
	Version uint64   `json:"version"`
	Columns []string `json:"columns"`
}

// Reload fetches a fresh dataset from the loader and installs it
// atomically. Only one reload runs at a time; concurrent callers get
// ErrReloadInProgress. The fetch happens outside every lock, so readers
// keep serving the previous snapshot throughout. On any failure the
// previous snapshot stays installed.
func (s *StatsService) Reload(ctx context.Context) (*ReloadResponse, error) {
	if !s.reloading.CompareAndSwap(false, true) {
		s.metrics.RecordReload("rejected")
		return nil, ErrReloadInProgress
	}
	defer s.reloading.Store(false)

	s.monitor.MarkLoading()
	started := time.Now()

	data, err := s.loader.FetchSnapshot(ctx)
	if err != nil {
		s.metrics.RecordReload("failed")
		switch {
		case errors.Is(err, loader.ErrEmptyPayload):
			s.monitor.MarkNotLoaded("loader returned empty dataset")
		case errors.Is(err, loader.ErrMalformedPayload):
			s.monitor.MarkDegraded(err)
		default:
			s.monitor.MarkUnreachable(err)
		}
		s.logger.Error("reload failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrReloadFailed, err)
	}

	snap := s.store.Replace(data)
	s.cache.Clear()
	s.monitor.MarkReady(snap.Records(), snap.TickerCount())
	s.metrics.RecordReload("success")
	s.metrics.SetSnapshot(snap.Records(), snap.Version())

	s.logger.Info("dataset reloaded",
		slog.Uint64("version", snap.Version()),
		slog.Int("records", snap.Records()),
		slog.Int("tickers", snap.TickerCount()),
		slog.Duration("elapsed", time.Since(started)))

	return &ReloadResponse{
		Success: true,
		Message: "dataset reloaded",
		Records: snap.Records(),
		Tickers: snap.TickerCount(),
		Version: snap.Version(),
		Columns: fieldNames(dataset.Fields()),
	}, nil
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Service            string               `json:"service"`
	State              HealthState          `json:"state"`
	DataLoaded         bool                 `json:"data_loaded"`
	Loading            bool                 `json:"loading"`
	Records            int                  `json:"records"`
	Tickers            int                  `json:"tickers"`
	Version            uint64               `json:"version"`
	Message            string               `json:"message"`
	MSLoaderConnection string               `json:"ms_loader_connection"`
	MSLoaderStatus     *loader.HealthStatus `json:"ms_loader_status,omitempty"`
}

// Health composes the monitor state, the active snapshot's counters and
// a live loader probe. It never blocks behind a running reload.
func (s *StatsService) Health(ctx context.Context) *HealthResponse {
	snap := s.store.Current()
	state, message := s.monitor.State()
	probe := s.loader.Probe(ctx)

	return &HealthResponse{
		Service:            "tickstats",
		State:              state,
		DataLoaded:         !snap.Empty(),
		Loading:            state == StateLoading,
		Records:            snap.Records(),
		Tickers:            snap.TickerCount(),
		Version:            snap.Version(),
		Message:            message,
		MSLoaderConnection: probe.Connection,
		MSLoaderStatus:     probe.Health,
	}
}

// compute runs a query through the cache and the bound engine against
// the given snapshot. Callers load the snapshot exactly once per
// operation and derive everything in the response from it, so a reload
// landing mid-request can never mix two dataset versions in one body.
func (s *StatsService) compute(ctx context.Context, snap *dataset.Snapshot, q stats.Query) (*stats.Result, error) {
	key := q.Key()
	if res, ok := s.cache.Get(snap.Version(), key); ok {
		s.metrics.RecordCacheHit()
		return res, nil
	}
	s.metrics.RecordCacheMiss()

	started := time.Now()
	res, err := s.engine.Compute(ctx, snap, q)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveCompute(s.engine.Name(), time.Since(started).Seconds())
	s.cache.Put(snap.Version(), key, res)
	return res, nil
}

func fieldNames(fields []dataset.Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out
}
