package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CoveragePasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polarview_coverage_passes_total",
		Help: "Total number of coverage passes applied to the tile cache",
	})

	CoverageDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polarview_coverage_dropped_total",
		Help: "Coverage samples refused before decoding",
	}, []string{"reason"})

	DecodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polarview_coverage_decode_duration_seconds",
		Help:    "Time spent decoding one sample buffer",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	})

	VisibleTiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polarview_visible_tiles",
		Help: "Tiles visible in the last coverage pass",
	})

	Fetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polarview_fetches_total",
		Help: "Tile fetch completions by result",
	}, []string{"result"})

	FetchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polarview_fetch_latency_seconds",
		Help:    "Latency of tile fetches in seconds",
		Buckets: prometheus.DefBuckets,
	})

	FetchQueueFull = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polarview_fetch_queue_full_total",
		Help: "Fetches refused because the dispatch queue was full",
	})

	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polarview_evictions_total",
		Help: "Loaded tiles evicted to make room in the atlas",
	})

	CapacityExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polarview_capacity_exhausted_total",
		Help: "Loads dropped because every resident tile was visible",
	})

	SlotsOccupied = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polarview_atlas_slots_occupied",
		Help: "Atlas cells currently holding a tile",
	})

	WindowShifts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polarview_index_window_shifts_total",
		Help: "Index window shifts across all regions",
	})

	WindowOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polarview_index_window_overflows_total",
		Help: "Passes whose visible range did not fit an index window",
	})

	ByteCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polarview_byte_cache_hits_total",
		Help: "Total number of raw tile cache hits",
	})

	ByteCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polarview_byte_cache_misses_total",
		Help: "Total number of raw tile cache misses",
	})

	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polarview_redis_operation_duration_seconds",
		Help:    "Duration of Redis operations in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"operation"})

	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polarview_redis_errors_total",
		Help: "Total number of Redis errors",
	}, []string{"operation"})
)
