// Package metrics defines custom Prometheus metrics for chatdrive.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// chunkBuckets are exponential buckets for chunk size histograms (bytes),
// 64 KiB up to 2 GiB.
var chunkBuckets = prometheus.ExponentialBuckets(64*1024, 4, 9)

// HTTP metrics for the operator server (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdrive_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatdrive_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Storage engine metrics.
var (
	// BlobOperationsTotal counts blob operations by operation and outcome.
	BlobOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdrive_blob_operations_total",
			Help: "Blob operations by type and status",
		},
		[]string{"operation", "status"},
	)

	// BlobOperationDuration observes whole blob operation latency in seconds.
	BlobOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatdrive_blob_operation_duration_seconds",
			Help:    "Blob operation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"operation"},
	)

	// ChunkSize observes the size of each chunk sent to the transport.
	ChunkSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatdrive_chunk_size_bytes",
			Help:    "Size of chunks stored through the transport",
			Buckets: chunkBuckets,
		},
	)

	// BytesUploadedTotal counts payload bytes sent to the transport.
	BytesUploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatdrive_bytes_uploaded_total",
			Help: "Total payload bytes stored through the transport",
		},
	)

	// BytesDownloadedTotal counts payload bytes fetched from the transport.
	BytesDownloadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatdrive_bytes_downloaded_total",
			Help: "Total payload bytes fetched from the transport",
		},
	)

	// BlockDeleteFailuresTotal counts per-block failures swallowed by best-effort delete.
	BlockDeleteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatdrive_block_delete_failures_total",
			Help: "Blocks that could not be removed during delete",
		},
	)
)

// Session metrics.
var (
	// SessionsActive is a gauge tracking sessions held by the registry.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatdrive_sessions_active",
			Help: "Transport sessions held by the registry",
		},
	)

	// ReconnectsTotal counts reconnect attempts by outcome.
	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdrive_transport_reconnects_total",
			Help: "Reconnects triggered by connection faults",
		},
		[]string{"status"},
	)

	// TransportCallsTotal counts remote calls by operation and outcome.
	TransportCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdrive_transport_calls_total",
			Help: "Remote transport calls by operation and status",
		},
		[]string{"operation", "status"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// It is safe to call multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			BlobOperationsTotal,
			BlobOperationDuration,
			ChunkSize,
			BytesUploadedTotal,
			BytesDownloadedTotal,
			BlockDeleteFailuresTotal,
			SessionsActive,
			ReconnectsTotal,
			TransportCallsTotal,
		)
		// Initialize label sets so they appear in /metrics output
		// before the first operation.
		for _, op := range []string{"upload", "download", "delete", "copy"} {
			BlobOperationsTotal.WithLabelValues(op, "success")
		}
		ReconnectsTotal.WithLabelValues("success")
	})
}

// Status maps an error to the status label used by the counters above.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// NormalizePath maps operator server request paths to low-cardinality labels.
func NormalizePath(path string) string {
	switch path {
	case "", "/":
		return "/"
	case "/health", "/metrics", "/sessions", "/openapi.json", "/openapi.yaml":
		return path
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if strings.HasPrefix(path, "/sessions/") {
		if strings.HasSuffix(path, "/probe") {
			return "/sessions/{owner}/probe"
		}
		return "/sessions/{owner}"
	}
	return "/other"
}
