package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TileLoads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecascade_tile_loads_total",
		Help: "Total number of tile loads started",
	})

	TileLoadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecascade_tile_load_errors_total",
		Help: "Total number of tile loads that failed",
	})

	TileAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecascade_tile_aborts_total",
		Help: "Total number of in-flight tile loads aborted by pruning",
	})

	TileEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecascade_tile_evictions_total",
		Help: "Total number of resident tiles evicted",
	})

	ResidentTiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilecascade_resident_tiles",
		Help: "Number of tiles resident across all tilesets",
	})

	ResidentBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilecascade_resident_bytes",
		Help: "Payload bytes resident across all tilesets",
	})

	UpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilecascade_update_duration_seconds",
		Help:    "Duration of tileset update cycles in seconds",
		Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
	})

	// Payload store metrics
	StoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecascade_store_operations_total",
		Help: "Payload store operations by backend and result",
	}, []string{"backend", "result"})

	UpstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilecascade_upstream_latency_seconds",
		Help:    "Latency of upstream tile fetches in seconds",
		Buckets: prometheus.DefBuckets,
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilecascade_active_sessions",
		Help: "Number of open viewport sessions",
	})
)
