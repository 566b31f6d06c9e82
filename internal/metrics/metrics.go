package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abrstream_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "abrstream_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Packaging Metrics
	PackagingJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abrstream_packaging_jobs_total",
			Help: "Total number of packaging jobs by result",
		},
		[]string{"result"},
	)

	PackagingJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "abrstream_packaging_job_duration_seconds",
			Help:    "Packaging job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		},
	)

	PackagingJobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "abrstream_packaging_jobs_in_progress",
			Help: "Number of packaging jobs currently running",
		},
	)

	PackagingWaitersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "abrstream_packaging_coalesced_waiters_total",
			Help: "Requests that joined an already running packaging job",
		},
	)

	// Encoder Metrics
	EncodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abrstream_encodes_total",
			Help: "Total number of encoder invocations",
		},
		[]string{"profile", "result"},
	)

	EncodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "abrstream_encode_duration_seconds",
			Help:    "Encoder invocation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"profile"},
	)

	EncodesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "abrstream_encodes_in_flight",
			Help: "Number of encoder processes currently running",
		},
	)

	RenditionsReusedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abrstream_renditions_reused_total",
			Help: "Renditions found committed and skipped during packaging",
		},
		[]string{"profile"},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abrstream_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "abrstream_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	StorageBytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abrstream_storage_bytes_transferred_total",
			Help: "Total bytes transferred to/from storage",
		},
		[]string{"operation"},
	)

	// Database Metrics
	DatabaseOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abrstream_database_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	DatabaseOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "abrstream_database_operation_duration_seconds",
			Help:    "Database operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Cache Metrics
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abrstream_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abrstream_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// Queue Metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "abrstream_queue_depth",
			Help: "Messages waiting in the prewarm queues",
		},
		[]string{"queue"},
	)

	// Player Metrics
	LevelSwitchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abrstream_player_level_switches_total",
			Help: "Rendition switches performed by the adaptive player",
		},
		[]string{"reason"},
	)

	BandwidthEstimate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "abrstream_player_bandwidth_estimate_bps",
			Help: "Current bandwidth estimate of the adaptive player",
		},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abrstream_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordPackagingJob records a resolved packaging job
func RecordPackagingJob(result string, duration float64) {
	PackagingJobsTotal.WithLabelValues(result).Inc()
	PackagingJobDuration.Observe(duration)
}

// RecordCoalescedWaiter records a request joining an in-flight job
func RecordCoalescedWaiter() {
	PackagingWaitersTotal.Inc()
}

// RecordEncode records one encoder invocation
func RecordEncode(profile, result string, duration float64) {
	EncodesTotal.WithLabelValues(profile, result).Inc()
	EncodeDuration.WithLabelValues(profile).Observe(duration)
}

// RecordRenditionReused records a rendition skipped because it was already committed
func RecordRenditionReused(profile string) {
	RenditionsReusedTotal.WithLabelValues(profile).Inc()
}

// RecordStorageOperation records a storage operation
func RecordStorageOperation(operation, status string, duration float64, bytesTransferred int64) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	StorageOperationDuration.WithLabelValues(operation).Observe(duration)
	StorageBytesTransferred.WithLabelValues(operation).Add(float64(bytesTransferred))
}

// RecordDatabaseOperation records a database operation
func RecordDatabaseOperation(operation, status string, duration float64) {
	DatabaseOperationsTotal.WithLabelValues(operation, status).Inc()
	DatabaseOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordCacheAccess records cache hit or miss
func RecordCacheAccess(cacheType string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}

// UpdateQueueDepth records the backlog of a queue
func UpdateQueueDepth(queue string, depth int) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordLevelSwitch records a player rendition switch
func RecordLevelSwitch(reason string, estimate float64) {
	LevelSwitchesTotal.WithLabelValues(reason).Inc()
	BandwidthEstimate.Set(estimate)
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
