package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(deliveryRequestsTotal, deliveryLatencyMs, chunkBytesTotal) }

var (
	deliveryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_requests_total",
			Help: "Requests to the collection service by endpoint and outcome.",
		},
		[]string{"endpoint", "success"},
	)

	deliveryLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_latency_ms",
			Help:    "Collection service request latency in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"endpoint"},
	)

	chunkBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_chunk_bytes_total",
			Help: "Bytes of media chunks accepted by the collection service.",
		},
	)
)

// ObserveDelivery records one request to the collection service.
func ObserveDelivery(endpoint string, success bool, elapsed time.Duration) {
	deliveryRequestsTotal.WithLabelValues(norm(endpoint), strconv.FormatBool(success)).Inc()
	deliveryLatencyMs.WithLabelValues(norm(endpoint)).Observe(float64(elapsed.Milliseconds()))
}

// AddChunkBytes counts bytes of a delivered chunk.
func AddChunkBytes(n int) {
	chunkBytesTotal.Add(float64(n))
}
