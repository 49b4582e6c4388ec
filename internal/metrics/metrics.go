// Package metrics defines custom Prometheus metrics for transfery.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfery_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transfery_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transfery_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Storage engine metrics.
var (
	// StorageOperationsTotal counts storage operations by backend, operation and status.
	StorageOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfery_storage_operations_total",
			Help: "Storage operations by backend, type and outcome",
		},
		[]string{"backend", "operation", "status"},
	)

	// StorageOperationDuration observes storage operation latency in seconds.
	StorageOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transfery_storage_operation_duration_seconds",
			Help:    "Storage operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// UploadsInFlight tracks multipart uploads held by the local task registry.
	UploadsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "transfery_uploads_in_flight",
			Help: "Multipart uploads currently tracked by the local backend",
		},
	)

	// UploadsReapedTotal counts uploads discarded by the expiry reaper,
	// including orphaned staging directories found on disk.
	UploadsReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfery_uploads_reaped_total",
			Help: "Abandoned multipart uploads reclaimed by the reaper",
		},
		[]string{"reason"},
	)

	// BytesWrittenTotal counts part payload bytes accepted by the storage engine.
	BytesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transfery_storage_bytes_written_total",
			Help: "Total part payload bytes written",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			StorageOperationsTotal,
			StorageOperationDuration,
			UploadsInFlight,
			UploadsReapedTotal,
			BytesWrittenTotal,
		)
		UploadsReapedTotal.WithLabelValues("expired")
		UploadsReapedTotal.WithLabelValues("orphaned")
	})
}

// ObserveOperation records the outcome and latency of one storage operation.
func ObserveOperation(backend, operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StorageOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	StorageOperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from upload ids and object keys.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/openapi.json", "/openapi.yaml":
		return path
	case "/", "":
		return "/"
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	switch segments[0] {
	case "uploads":
		switch {
		case len(segments) == 1:
			return "/uploads"
		case len(segments) >= 4 && segments[2] == "parts":
			return "/uploads/{id}/parts/{number}"
		case len(segments) == 3 && segments[2] == "complete":
			return "/uploads/{id}/complete"
		default:
			return "/uploads/{id}"
		}
	case "objects":
		if len(segments) == 1 {
			return "/objects"
		}
		return "/objects/{key}"
	}
	return "/other"
}
