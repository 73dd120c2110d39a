// Package metrics provides Prometheus metrics for the delivery server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urlupload_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "urlupload_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Delivery metrics
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urlupload_deliveries_total",
			Help: "Total deliveries by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "urlupload_delivery_duration_seconds",
			Help:    "End-to-end delivery duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"strategy"},
	)

	deliveriesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "urlupload_deliveries_in_flight",
			Help: "Number of deliveries currently running",
		},
	)

	// Fetch metrics
	fetchBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "urlupload_fetch_bytes_total",
			Help: "Total bytes staged from source URLs",
		},
	)

	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urlupload_fetches_total",
			Help: "Total fetches by source scheme and result",
		},
		[]string{"source", "result"},
	)

	// Transport metrics
	uploadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urlupload_upload_bytes_total",
			Help: "Total bytes handed to a transport",
		},
		[]string{"transport"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urlupload_uploads_total",
			Help: "Total transport uploads",
		},
		[]string{"transport", "status"},
	)

	uploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "urlupload_upload_duration_seconds",
			Help:    "Transport upload duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		},
		[]string{"transport"},
	)

	chunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urlupload_chunks_total",
			Help: "Split-fallback chunks by send status",
		},
		[]string{"status"},
	)

	secondaryRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "urlupload_secondary_rate_limited_total",
			Help: "Rate-limit signals received from the secondary transport",
		},
	)

	secondaryConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "urlupload_secondary_connected",
			Help: "1 if the secondary transport session is connected",
		},
	)

	// Scratch metrics
	scratchCleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "urlupload_scratch_cleanup_failures_total",
			Help: "Scratch files that could not be removed",
		},
	)

	scratchFreeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "urlupload_scratch_free_bytes",
			Help: "Free bytes on the scratch volume at last check",
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "urlupload_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "urlupload_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	transferRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urlupload_transfer_records_total",
			Help: "Transfer record writes by result",
		},
		[]string{"result"},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "urlupload_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urlupload_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "urlupload_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urlupload_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDelivery records a finished delivery. outcome is an error kind
// ("ok", "partial", "size_exceeded", ...).
func RecordDelivery(strategy, outcome string, duration time.Duration) {
	deliveriesTotal.WithLabelValues(strategy, outcome).Inc()
	deliveryDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// DeliveryStarted increments the in-flight gauge; call the returned func when done.
func DeliveryStarted() func() {
	deliveriesInFlight.Inc()
	return deliveriesInFlight.Dec
}

// RecordFetch records a fetch attempt.
func RecordFetch(source string, bytes int64, err error) {
	result := "success"
	if err != nil {
		result = "error"
	} else {
		fetchBytesTotal.Add(float64(bytes))
	}
	fetchesTotal.WithLabelValues(source, result).Inc()
}

// RecordUpload records a single upload over a transport.
func RecordUpload(transport string, bytes int64, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	} else {
		uploadBytesTotal.WithLabelValues(transport).Add(float64(bytes))
	}
	uploadsTotal.WithLabelValues(transport, status).Inc()
	uploadDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// RecordChunk records the outcome of one split-fallback chunk.
func RecordChunk(sent bool) {
	status := "sent"
	if !sent {
		status = "failed"
	}
	chunksTotal.WithLabelValues(status).Inc()
}

// RecordSecondaryRateLimited counts a rate-limit signal from the secondary transport.
func RecordSecondaryRateLimited() {
	secondaryRateLimitedTotal.Inc()
}

// SetSecondaryConnected sets the secondary session gauge.
func SetSecondaryConnected(connected bool) {
	if connected {
		secondaryConnected.Set(1)
		return
	}
	secondaryConnected.Set(0)
}

// RecordScratchCleanupFailure counts a scratch file that could not be removed.
func RecordScratchCleanupFailure() {
	scratchCleanupFailures.Inc()
}

// SetScratchFreeBytes updates the scratch free-space gauge.
func SetScratchFreeBytes(n uint64) {
	scratchFreeBytes.Set(float64(n))
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordTransferRecord records the outcome of writing a transfer record.
func RecordTransferRecord(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	transferRecordsTotal.WithLabelValues(result).Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, err error) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	s3OperationsTotal.WithLabelValues(operation, status).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event being published.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
