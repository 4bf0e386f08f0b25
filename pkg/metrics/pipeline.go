package metrics

import "time"

// PipelineMetrics provides observability for wire front-end operations
// dispatched through the pipeline: one completed request, in-flight
// count, and bytes transferred, all labeled by operation and export.
//
// Implementations are optional — pass nil to disable metrics collection
// with zero overhead. Every package-level helper in this file is a
// nil-safe no-op when m is nil, so callers never need to branch on
// whether metrics are enabled.
type PipelineMetrics interface {
	// RecordRequest records a completed dispatch with its operation name
	// ("read", "write", "flush", "trim", "zero", "cache", "extents"), export name,
	// duration, and errno code ("" if successful).
	RecordRequest(op string, export string, duration time.Duration, errCode string)

	// RecordRequestStart increments the in-flight request gauge for op.
	RecordRequestStart(op string, export string)

	// RecordRequestEnd decrements the in-flight request gauge for op.
	RecordRequestEnd(op string, export string)

	// RecordBytesTransferred records bytes moved by a read or write.
	RecordBytesTransferred(op string, export string, direction string, bytes uint64)

	// RecordConnections sets the current count of live wire connections.
	RecordConnections(count int)
}

// NewPipelineMetrics creates a new Prometheus-backed PipelineMetrics, or
// nil if metrics are not enabled via InitRegistry.
func NewPipelineMetrics() PipelineMetrics {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusPipelineMetrics()
}

// newPrometheusPipelineMetrics is implemented in
// pkg/metrics/prometheus/pipeline.go. This indirection avoids an import
// cycle between pkg/metrics and pkg/metrics/prometheus while keeping the
// constructor in this package's public API.
var newPrometheusPipelineMetrics func() PipelineMetrics

// RegisterPipelineMetricsConstructor registers the Prometheus pipeline
// metrics constructor. Called by pkg/metrics/prometheus's init.
func RegisterPipelineMetricsConstructor(constructor func() PipelineMetrics) {
	newPrometheusPipelineMetrics = constructor
}

// ObserveRequest records a completed dispatch if m is non-nil.
func ObserveRequest(m PipelineMetrics, op, export string, duration time.Duration, errCode string) {
	if m != nil {
		m.RecordRequest(op, export, duration, errCode)
	}
}

// ObserveRequestStart marks a dispatch as in-flight if m is non-nil.
func ObserveRequestStart(m PipelineMetrics, op, export string) {
	if m != nil {
		m.RecordRequestStart(op, export)
	}
}

// ObserveRequestEnd clears a dispatch's in-flight marker if m is non-nil.
func ObserveRequestEnd(m PipelineMetrics, op, export string) {
	if m != nil {
		m.RecordRequestEnd(op, export)
	}
}

// ObserveBytesTransferred records bytes moved if m is non-nil.
func ObserveBytesTransferred(m PipelineMetrics, op, export, direction string, bytes uint64) {
	if m != nil {
		m.RecordBytesTransferred(op, export, direction, bytes)
	}
}

// ObserveConnections records the live connection count if m is non-nil.
func ObserveConnections(m PipelineMetrics, count int) {
	if m != nil {
		m.RecordConnections(count)
	}
}
