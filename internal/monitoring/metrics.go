package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the S3 streaming engine
var (
	// Operation metrics
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3pipe_operations_total",
			Help: "Total number of S3 read/write operations",
		},
		[]string{"operation", "status"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "s3pipe_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Transfer metrics
	BytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "s3pipe_bytes_written_total",
			Help: "Total bytes streamed to the object store",
		},
	)

	BytesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "s3pipe_bytes_read_total",
			Help: "Total bytes streamed from the object store",
		},
	)

	PartsCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "s3pipe_multipart_parts_committed_total",
			Help: "Total multipart upload parts committed",
		},
	)

	UploadsAborted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "s3pipe_multipart_uploads_aborted_total",
			Help: "Total multipart uploads aborted after a failure or cancellation",
		},
	)

	// Transport metrics
	RedirectsFollowed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "s3pipe_redirects_followed_total",
			Help: "Total store-issued redirects followed by the transport",
		},
	)

	HostsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "s3pipe_hosts_rejected_total",
			Help: "Total requests rejected by the remote host filter",
		},
	)
)
