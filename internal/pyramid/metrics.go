package pyramid

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics of a caching pyramid.
type Metrics struct {
	Fetches       *prometheus.CounterVec
	FetchErrors   *prometheus.CounterVec
	FetchedTiles  *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	ReadTimeouts  *prometheus.CounterVec
	GaveUp        *prometheus.CounterVec
	QueuedTiles   *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tileview_pyramid_fetches_total",
		Help: "Store reads issued by the background worker",
	}, []string{"layer"})

	fetchErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tileview_pyramid_fetch_errors_total",
		Help: "Store reads that failed",
	}, []string{"layer"})

	fetchedTiles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tileview_pyramid_fetched_tiles_total",
		Help: "Tiles resolved by store reads, by outcome",
	}, []string{"layer", "outcome"})

	fetchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tileview_pyramid_fetch_duration_seconds",
		Help:    "Duration of store reads",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"layer"})

	readTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tileview_pyramid_read_timeouts_total",
		Help: "Blocking reads that gave up before all tiles arrived",
	}, []string{"layer"})

	gaveUp := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tileview_pyramid_abandoned_tiles_total",
		Help: "Tiles abandoned after failing on their own too many times",
	}, []string{"layer"})

	queuedTiles := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tileview_pyramid_queued_tiles",
		Help: "Tiles queued or pending per layer",
	}, []string{"layer"})

	reg.MustRegister(fetches, fetchErrors, fetchedTiles, fetchDuration, readTimeouts, gaveUp, queuedTiles)

	return &Metrics{
		Fetches:       fetches,
		FetchErrors:   fetchErrors,
		FetchedTiles:  fetchedTiles,
		FetchDuration: fetchDuration,
		ReadTimeouts:  readTimeouts,
		GaveUp:        gaveUp,
		QueuedTiles:   queuedTiles,
	}
}
