package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RPCMetrics provides observability for the RPC dispatch layer.
//
// Implementations collect metrics about dispatched requests and store
// mutations. The interface is optional - when the global registry has not
// been initialized, NewRPCMetrics returns a no-op implementation with zero
// overhead.
type RPCMetrics interface {
	// RecordRequest records a completed RPC request with its endpoint name,
	// duration, and outcome.
	//
	// Parameters:
	//   - endpoint: endpoint path (e.g., "list_folder", "create")
	//   - duration: time taken to process the request
	//   - err: error if the request failed, nil if successful
	RecordRequest(endpoint string, duration time.Duration, err error)

	// RecordRequestStart increments the in-flight request counter.
	// Should be called when starting to process a request.
	RecordRequestStart(endpoint string)

	// RecordRequestEnd decrements the in-flight request counter.
	// Should be called when request processing completes.
	RecordRequestEnd(endpoint string)

	// RecordBytesTransferred records content bytes read or written.
	//
	// Parameters:
	//   - direction: "read" or "write"
	//   - bytes: number of bytes transferred
	RecordBytesTransferred(direction string, bytes int64)

	// RecordStoreMutation increments the counter for a successful store
	// mutation under the given operation name (e.g., "create", "delete").
	RecordStoreMutation(operation string)
}

// rpcMetrics is the Prometheus implementation of RPCMetrics.
type rpcMetrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec
	bytesTransferred *prometheus.CounterVec
	storeMutations   *prometheus.CounterVec
}

// NewRPCMetrics creates a new Prometheus-backed RPCMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry
// not called).
func NewRPCMetrics() RPCMetrics {
	if !IsEnabled() {
		return &noopRPCMetrics{}
	}

	reg := GetRegistry()

	return &rpcMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchard_rpc_requests_total",
				Help: "Total number of RPC requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "orchard_rpc_request_duration_seconds",
				Help: "Duration of RPC requests in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.005, // 5ms
					0.01,  // 10ms
					0.025, // 25ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.25,  // 250ms
					0.5,   // 500ms
					1.0,   // 1s
					2.5,   // 2.5s
					5.0,   // 5s
					10.0,  // 10s
				},
			},
			[]string{"endpoint"},
		),
		requestsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchard_rpc_requests_in_flight",
				Help: "Current number of RPC requests being processed",
			},
			[]string{"endpoint"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchard_rpc_bytes_transferred_total",
				Help: "Total content bytes transferred via RPC operations",
			},
			[]string{"direction"}, // read or write
		),
		storeMutations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchard_store_mutations_total",
				Help: "Total number of successful store mutations by operation",
			},
			[]string{"operation"},
		),
	}
}

func (m *rpcMetrics) RecordRequest(endpoint string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	m.requestsTotal.WithLabelValues(endpoint, status).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *rpcMetrics) RecordRequestStart(endpoint string) {
	m.requestsInFlight.WithLabelValues(endpoint).Inc()
}

func (m *rpcMetrics) RecordRequestEnd(endpoint string) {
	m.requestsInFlight.WithLabelValues(endpoint).Dec()
}

func (m *rpcMetrics) RecordBytesTransferred(direction string, bytes int64) {
	m.bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

func (m *rpcMetrics) RecordStoreMutation(operation string) {
	m.storeMutations.WithLabelValues(operation).Inc()
}

// noopRPCMetrics is a no-op implementation of RPCMetrics with zero overhead.
type noopRPCMetrics struct{}

func (noopRPCMetrics) RecordRequest(endpoint string, duration time.Duration, err error) {}
func (noopRPCMetrics) RecordRequestStart(endpoint string)                               {}
func (noopRPCMetrics) RecordRequestEnd(endpoint string)                                 {}
func (noopRPCMetrics) RecordBytesTransferred(direction string, bytes int64)             {}
func (noopRPCMetrics) RecordStoreMutation(operation string)                             {}
