package infrastructure

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus instruments. All record methods
// tolerate a nil receiver so tests can pass a nil *Metrics without
// registering collectors.
type Metrics struct {
	queries         *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	reloads         *prometheus.CounterVec
	computeDuration *prometheus.HistogramVec
	snapshotRecords prometheus.Gauge
	snapshotVersion prometheus.Gauge
}

// NewMetrics registers the service instruments on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		queries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickstats",
			Name:      "queries_total",
			Help:      "Statistics queries served, by operation.",
		}, []string{"operation"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tickstats",
			Name:      "cache_hits_total",
			Help:      "Statistics cache hits.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tickstats",
			Name:      "cache_misses_total",
			Help:      "Statistics cache misses.",
		}),
		reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickstats",
			Name:      "reloads_total",
			Help:      "Dataset reload attempts, by outcome.",
		}, []string{"outcome"}),
		computeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tickstats",
			Name:      "compute_duration_seconds",
			Help:      "Statistics computation latency, by engine.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"engine"}),
		snapshotRecords: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickstats",
			Name:      "snapshot_records",
			Help:      "Observation count of the active snapshot.",
		}),
		snapshotVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickstats",
			Name:      "snapshot_version",
			Help:      "Version of the active snapshot.",
		}),
	}
}

// RecordQuery counts one served query for the named operation.
func (m *Metrics) RecordQuery(operation string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(operation).Inc()
}

// RecordCacheHit counts one cache hit.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// RecordCacheMiss counts one cache miss.
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// RecordReload counts one reload attempt by outcome
// ("success", "rejected", "failed").
func (m *Metrics) RecordReload(outcome string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(outcome).Inc()
}

// ObserveCompute records one computation latency for the named engine.
func (m *Metrics) ObserveCompute(engine string, seconds float64) {
	if m == nil {
		return
	}
	m.computeDuration.WithLabelValues(engine).Observe(seconds)
}

// SetSnapshot records the active snapshot's size and version.
func (m *Metrics) SetSnapshot(records int, version uint64) {
	if m == nil {
		return
	}
	m.snapshotRecords.Set(float64(records))
	m.snapshotVersion.Set(float64(version))
}
