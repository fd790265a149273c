package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Global metrics, registered on the default registry through promauto.

var (
	// HttpRequestsTotal counts API requests by method, path and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linksage_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// HttpRequestDuration measures API latency. Recommendation requests that
	// trigger embedding recomputation can take seconds.
	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "linksage_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	// RecordsIngested counts raw records delivered by the ingestor.
	RecordsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linksage_records_ingested_total",
		Help: "Raw relationship records read from the landing zone",
	})

	// RecordsCurated holds the outcome counts of the latest curation pass:
	// kept, malformed, below_threshold, duplicate.
	RecordsCurated = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "linksage_records_curated",
			Help: "Outcome counts of the latest curation pass",
		},
		[]string{"outcome"},
	)

	// GraphSize tracks the current snapshot size, by kind (nodes, edges).
	GraphSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "linksage_graph_size",
			Help: "Nodes and edges in the current graph snapshot",
		},
		[]string{"kind"},
	)

	// GraphVersion is the version of the snapshot currently served.
	GraphVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linksage_graph_version",
		Help: "Version counter of the current graph snapshot",
	})

	// EmptyNeighborhoods counts aggregations over nodes without neighbors.
	EmptyNeighborhoods = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linksage_empty_neighborhoods_total",
		Help: "Aggregations that fell back to a zero neighbor vector",
	})

	// TrainLoss is the latest loss by split (train, validation).
	TrainLoss = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "linksage_train_loss",
			Help: "Latest epoch loss",
		},
		[]string{"split"},
	)

	// ValidationAUC is the latest validation ROC AUC.
	ValidationAUC = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linksage_validation_auc",
		Help: "Latest validation ROC AUC",
	})

	// EpochsTotal counts completed training epochs.
	EpochsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linksage_epochs_total",
		Help: "Completed training epochs",
	})

	// EpochDuration measures wall time per epoch.
	EpochDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "linksage_epoch_duration_seconds",
		Help:    "Duration of a training epoch in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	})

	// TrainingRuns counts finished runs by terminal state.
	TrainingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linksage_training_runs_total",
			Help: "Finished training runs by terminal state",
		},
		[]string{"state"},
	)

	// EmbeddingCacheLookups counts embedding cache hits and misses.
	EmbeddingCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linksage_embedding_cache_lookups_total",
			Help: "Embedding cache lookups by result",
		},
		[]string{"result"},
	)
)
