// Package metrics holds the prometheus collectors of the tile pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler metrics
	SchedulerTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lodtiles_scheduler_tasks_total",
		Help: "Scheduler task events by kind (scheduled, joined, executed, stolen, inline, failed)",
	}, []string{"event"})

	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lodtiles_scheduler_queue_depth",
		Help: "Number of tasks waiting in the scheduler queue",
	})

	// Worker metrics
	Generations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lodtiles_generations_total",
		Help: "Tile batches produced by strategy (exact, rough, scale, clear_dirty)",
	}, []string{"strategy"})

	BatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lodtiles_batch_size",
		Help:    "Number of positions handled per worker batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	}, []string{"strategy"})

	EarlyExits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lodtiles_worker_early_exit_positions_total",
		Help: "Positions completed because their stored timestamp already satisfied the minimum",
	})

	// Store metrics
	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lodtiles_store_operation_duration_seconds",
		Help:    "Duration of tile store batch operations in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"operation"})

	StoreModified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lodtiles_store_modified_total",
		Help: "Positions modified by tile store mutations",
	}, []string{"operation"})

	StoreBloomSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lodtiles_store_bloom_skips_total",
		Help: "Timestamp lookups answered by the negative index without reading the database",
	})

	StoreTimestampCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lodtiles_store_timestamp_cache_total",
		Help: "Timestamp lookups by timestamp cache result",
	}, []string{"result"})
)
