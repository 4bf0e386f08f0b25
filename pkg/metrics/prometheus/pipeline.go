// Package prometheus provides the Prometheus-backed implementation of
// pkg/metrics's interfaces, registered against that package's
// constructor indirection from this package's init.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blockdkit/blockdkit/pkg/metrics"
)

func init() {
	metrics.RegisterPipelineMetricsConstructor(NewPipelineMetrics)
}

type pipelineMetrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec
	bytesTransferred *prometheus.CounterVec
	connections      prometheus.Gauge
}

// NewPipelineMetrics creates a new Prometheus-backed PipelineMetrics
// instance. Returns nil if metrics are not enabled.
func NewPipelineMetrics() metrics.PipelineMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &pipelineMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockdkit_pipeline_requests_total",
				Help: "Total number of dispatched requests by operation, export, and outcome.",
			},
			[]string{"op", "export", "errno"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "blockdkit_pipeline_request_duration_milliseconds",
				Help: "Duration of a dispatched request in milliseconds.",
				Buckets: []float64{
					0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000,
				},
			},
			[]string{"op", "export"},
		),
		requestsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "blockdkit_pipeline_requests_in_flight",
				Help: "Number of requests currently being dispatched, by operation and export.",
			},
			[]string{"op", "export"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockdkit_pipeline_bytes_transferred_total",
				Help: "Total bytes moved by read/write operations, by operation, export, and direction.",
			},
			[]string{"op", "export", "direction"},
		),
		connections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "blockdkit_wire_connections",
				Help: "Number of currently open wire connections.",
			},
		),
	}
}

func (m *pipelineMetrics) RecordRequest(op, export string, duration time.Duration, errCode string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(op, export, errCode).Inc()
	m.requestDuration.WithLabelValues(op, export).Observe(float64(duration.Microseconds()) / 1000)
}

func (m *pipelineMetrics) RecordRequestStart(op, export string) {
	if m == nil {
		return
	}
	m.requestsInFlight.WithLabelValues(op, export).Inc()
}

func (m *pipelineMetrics) RecordRequestEnd(op, export string) {
	if m == nil {
		return
	}
	m.requestsInFlight.WithLabelValues(op, export).Dec()
}

func (m *pipelineMetrics) RecordBytesTransferred(op, export, direction string, bytes uint64) {
	if m == nil {
		return
	}
	m.bytesTransferred.WithLabelValues(op, export, direction).Add(float64(bytes))
}

func (m *pipelineMetrics) RecordConnections(count int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(count))
}
