package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Rule cache metrics
	CacheUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_cache_updates_total",
			Help: "Rule cache update attempts by outcome",
		},
		[]string{"outcome"}, // success, failed, deflected
	)

	CacheUpdateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_cache_update_duration_seconds",
			Help:    "Time to reload, version and write one tenant's rule set",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	CacheReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_cache_reads_total",
			Help: "Rule set reads by the tier that served them",
		},
		[]string{"tier"}, // local, store, source, stale
	)

	CacheStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_cache_store_errors_total",
			Help: "Versioned cache store operations that failed",
		},
		[]string{"op"},
	)

	RetryQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_retry_queue_size",
			Help: "Tenants waiting for a deferred cache update",
		},
	)

	RetryQueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_retry_queue_dropped_total",
			Help: "Deferred updates dropped because the retry queue was full",
		},
	)

	RetryBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_retry_batch_size",
			Help:    "Unique tenants processed per retry drain",
			Buckets: []float64{1, 2, 5, 10, 20},
		},
	)

	InvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_invalidations_total",
			Help: "Invalidation messages by direction",
		},
		[]string{"direction"}, // published, received, dropped, evicted
	)

	// Evaluation metrics
	EvaluationEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_evaluation_events_total",
			Help: "Events seen by the batch evaluation engine",
		},
		[]string{"status"}, // processed, error, discarded
	)

	AlertsTriggeredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_alerts_triggered_total",
			Help: "Alert results produced by rule evaluation",
		},
	)

	EvaluationBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_evaluation_batch_duration_seconds",
			Help:    "End-to-end time of one evaluation batch including persistence",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	AlertPersistTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alert_persist_total",
			Help: "Alert batch persistence attempts",
		},
		[]string{"status"}, // success, failed
	)

	// Worker pool
	PoolQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_pool_queue_size",
			Help: "Tasks waiting in the worker pool queue",
		},
	)

	PoolActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_pool_active_workers",
			Help: "Workers currently running a task",
		},
	)

	PoolRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_pool_rejected_total",
			Help: "Tasks rejected because the pool queue was full or closed",
		},
	)

	// Kafka
	KafkaConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_kafka_consumed_total",
			Help: "Messages consumed from Kafka",
		},
		[]string{"topic", "status"}, // status: ok, decode_error
	)

	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"},
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_kafka_publish_duration_seconds",
			Help:    "Kafka batch publish latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
