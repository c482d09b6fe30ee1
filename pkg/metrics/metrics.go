// Package metrics exposes the catalog's Prometheus collectors: run cache
// hit/miss rates, materializer block-read latency, filler handler
// invocation counts, and docstore page-fetch latency. Every collector is
// created once via promauto at package init and referenced directly by the
// component that produces the measurement.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts run cache lookups that found a cached run, per
	// cache tier ("live" or "complete").
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runcat_cache_hits_total",
			Help: "Run cache lookups served from cache, by tier",
		},
		[]string{"tier"},
	)

	// CacheMisses counts run cache lookups that required a document
	// store round trip, per cache tier.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runcat_cache_misses_total",
			Help: "Run cache lookups not served from cache, by tier",
		},
		[]string{"tier"},
	)

	// BlockReadLatency tracks how long a single materializer block read
	// takes, in seconds, labeled by stream and column.
	BlockReadLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runcat_block_read_latency_seconds",
			Help:    "Materializer block read latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stream", "column"},
	)

	// FillerInvocations counts filler handler invocations, labeled by
	// the handler's registered spec name and outcome ("ok",
	// "unresolvable").
	FillerInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runcat_filler_invocations_total",
			Help: "Filler handler invocations, by spec and outcome",
		},
		[]string{"spec", "outcome"},
	)

	// FillerLatency tracks filler handler resolution latency in seconds,
	// labeled by spec name.
	FillerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runcat_filler_latency_seconds",
			Help:    "Filler handler resolution latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"spec"},
	)

	// DocstorePageLatency tracks keyset page fetch latency in seconds,
	// labeled by the collection queried.
	DocstorePageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runcat_docstore_page_latency_seconds",
			Help:    "Document store page fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// RunCacheSize reports the current number of entries held in each
	// cache tier.
	RunCacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runcat_run_cache_size",
			Help: "Current run cache entry count, by tier",
		},
		[]string{"tier"},
	)

	// ReplayThroughput reports the current document replay rate in
	// documents per second, under the "stream" label; the replayer
	// fills that label with the replayed run's uid.
	ReplayThroughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runcat_replay_throughput_documents_per_second",
			Help: "Current document stream replay throughput",
		},
		[]string{"stream"},
	)

	// ProcessRSSBytes reports this process's resident set size, sampled
	// on the run cache's eviction sweep as a proxy for cache memory
	// pressure.
	ProcessRSSBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runcat_process_rss_bytes",
			Help: "Resident set size of this process in bytes, sampled on cache eviction",
		},
	)
)

// Timer measures an elapsed duration from creation to Stop.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since the timer was created. It may be
// called more than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker accumulates a count over a time window and reports the
// average rate, used by the replayer to update ReplayThroughput without
// recomputing a rate on every document.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	stream    string
}

// NewThroughputTracker creates a tracker for the given stream.
func NewThroughputTracker(stream string) *ThroughputTracker {
	return &ThroughputTracker{lastReset: time.Now(), stream: stream}
}

// Increment adds n to the tracked count.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset computes the rate since the last reset, publishes it to
// ReplayThroughput, resets the window, and returns the computed rate.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	rate := float64(t.count) / elapsed
	t.count = 0
	t.lastReset = time.Now()

	ReplayThroughput.WithLabelValues(t.stream).Set(rate)
	return rate
}

// LatencyTracker keeps a bounded, ungrouped window of recent latency
// samples so a caller can report an approximate percentile without paying
// for a full Prometheus summary.
type LatencyTracker struct {
	mu      sync.Mutex
	values  []time.Duration
	maxSize int
}

// NewLatencyTracker creates a tracker retaining at most maxSize samples.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	return &LatencyTracker{values: make([]time.Duration, 0, maxSize), maxSize: maxSize}
}

// Record adds a sample, evicting the oldest sample if the window is full.
func (l *LatencyTracker) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.values) >= l.maxSize {
		l.values = l.values[1:]
	}
	l.values = append(l.values, d)
}

// GetPercentile returns an approximate value at percentile p (0-100) over
// the current window, using nearest-rank on unsorted insertion order. This
// is not a rigorous definition of a percentile and is meant only for rough
// monitoring, not for SLA enforcement.
func (l *LatencyTracker) GetPercentile(p float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.values) == 0 {
		return 0
	}

	index := int(float64(len(l.values)) * p / 100)
	if index >= len(l.values) {
		index = len(l.values) - 1
	}
	return l.values[index]
}
