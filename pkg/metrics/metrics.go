package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Partition topology metrics.
	PartitionsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridcache_partitions_by_state",
			Help: "Number of locally known partitions by lifecycle state",
		},
		[]string{"state"},
	)

	PartitionTopVer = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridcache_partition_topology_version",
			Help: "Topology version currently in force",
		},
	)

	// Entry store metrics.
	EntryStoreKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridcache_entry_store_keys",
			Help: "Total number of resident keys across all partitions",
		},
	)

	// Near cache / reader metrics.
	NearInvalidationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridcache_near_invalidations_total",
			Help: "Total number of Invalidate messages sent to near-cache readers",
		},
	)

	NearGetLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridcache_near_get_latency_seconds",
			Help:    "Latency of a non-owner Get, hit or miss",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Eviction metrics.
	EvictionResidentBlocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridcache_eviction_resident_blocks",
			Help: "Blocks currently tracked by the LRU eviction policy",
		},
	)

	EvictionResidentBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridcache_eviction_resident_bytes",
			Help: "Bytes currently tracked by the LRU eviction policy",
		},
	)

	EvictionStallsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridcache_eviction_stalls_total",
			Help: "Total number of EVICT_STALL backpressure events raised",
		},
	)

	// Transaction manager metrics.
	TxOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcache_tx_outcomes_total",
			Help: "Total number of transactions by concurrency mode and outcome",
		},
		[]string{"concurrency", "outcome"},
	)

	TxCommitLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridcache_tx_commit_latency_seconds",
			Help:    "Time from commit() call to the transaction reaching a terminal state",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"concurrency"},
	)

	LockWaitTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridcache_lock_wait_total",
			Help: "Total number of entry-lock acquisitions that had to wait",
		},
	)

	// Recovery metrics.
	RecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcache_recoveries_total",
			Help: "Total number of CheckCommitted recoveries by outcome",
		},
		[]string{"outcome"},
	)

	// Preloader / rebalance metrics.
	PreloaderActiveExchanges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridcache_preloader_active_exchanges",
			Help: "Number of exchanges currently in flight (0 or 1 per node)",
		},
	)

	PreloaderPartitionsMoving = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridcache_preloader_partitions_moving",
			Help: "Number of partitions currently in the MOVING state",
		},
	)

	PreloaderEntriesStreamed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcache_preloader_entries_streamed_total",
			Help: "Total number of entries streamed by role (demand|supply)",
		},
		[]string{"role"},
	)

	PreloaderExchangeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridcache_preloader_exchange_duration_seconds",
			Help:    "Time from exchange start to completion future firing",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)
)

func init() {
	prometheus.MustRegister(
		PartitionsByState,
		PartitionTopVer,
		EntryStoreKeys,
		NearInvalidationsTotal,
		NearGetLatency,
		EvictionResidentBlocks,
		EvictionResidentBytes,
		EvictionStallsTotal,
		TxOutcomesTotal,
		TxCommitLatency,
		LockWaitTotal,
		RecoveriesTotal,
		PreloaderActiveExchanges,
		PreloaderPartitionsMoving,
		PreloaderEntriesStreamed,
		PreloaderExchangeDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small stopwatch helper for observing operation latency.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
