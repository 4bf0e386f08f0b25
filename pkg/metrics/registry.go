// Package metrics provides an optional, zero-overhead-when-disabled
// metrics surface for the wire front-end and management API. Concrete
// collectors live in pkg/metrics/prometheus; this package only holds the
// interfaces and the indirection that lets pkg/metrics/prometheus
// register its constructors without an import cycle (pkg/metrics/
// prometheus imports pkg/metrics, not the other way around).
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry *prometheus.Registry
	enabled  atomic.Bool
)

// InitRegistry creates the process-wide Prometheus registry and enables
// metrics collection. Safe to call at most once, typically from
// cmd/blockdkitd during startup when metrics are configured on.
func InitRegistry() *prometheus.Registry {
	registry = prometheus.NewRegistry()
	enabled.Store(true)
	return registry
}

// IsEnabled reports whether InitRegistry has been called. Constructors
// in pkg/metrics/prometheus check this and return nil when false, so
// that callers can pass a nil PipelineMetrics through without branching
// on whether metrics are configured.
func IsEnabled() bool {
	return enabled.Load()
}

// GetRegistry returns the registry created by InitRegistry, or nil if
// metrics are not enabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// Gatherer exposes the registry as a prometheus.Gatherer for
// internal/controlapi's /metrics endpoint. Returns nil when metrics are
// disabled, in which case the caller should fall back to
// prometheus.DefaultGatherer or serve no metrics at all.
func Gatherer() prometheus.Gatherer {
	if registry == nil {
		return nil
	}
	return registry
}
