package metrics

import (
	"testing"
	"time"
)

func TestObserveHelpers_NilSafe(t *testing.T) {
	// Every Observe* helper must be a no-op against a nil PipelineMetrics,
	// since NewPipelineMetrics returns nil whenever metrics are disabled.
	var m PipelineMetrics

	ObserveRequest(m, "read", "default", time.Millisecond, "")
	ObserveRequestStart(m, "read", "default")
	ObserveRequestEnd(m, "read", "default")
	ObserveBytesTransferred(m, "read", "default", "read", 4096)
	ObserveConnections(m, 1)
}

func TestNewPipelineMetrics_DisabledReturnsNil(t *testing.T) {
	if IsEnabled() {
		t.Skip("metrics already enabled by another test in this process")
	}
	if m := NewPipelineMetrics(); m != nil {
		t.Errorf("expected nil PipelineMetrics when metrics are disabled, got %v", m)
	}
}

func TestInitRegistry_EnablesMetrics(t *testing.T) {
	InitRegistry()
	defer func() {
		registry = nil
		enabled.Store(false)
	}()

	if !IsEnabled() {
		t.Fatal("expected IsEnabled to be true after InitRegistry")
	}
	if GetRegistry() == nil {
		t.Fatal("expected a non-nil registry after InitRegistry")
	}
	if Gatherer() == nil {
		t.Fatal("expected a non-nil Gatherer after InitRegistry")
	}
}
