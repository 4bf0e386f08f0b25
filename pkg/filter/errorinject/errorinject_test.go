package errorinject

import (
	"context"
	"testing"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/pipeline"
	"github.com/blockdkit/blockdkit/pkg/plugin/memory"
)

func build(t *testing.T, params map[string]string) (*backend.Context, func()) {
	t.Helper()
	inner, err := memory.New(map[string]string{"size": "4096"})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	f, err := New(inner, params)
	if err != nil {
		t.Fatalf("errorinject.New: %v", err)
	}
	ctx := context.Background()
	c, err := pipeline.Open(ctx, f, false, "", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := pipeline.Prepare(ctx, c, false); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return c, func() { pipeline.Close(ctx, c) }
}

func TestRateZero_NeverInjects(t *testing.T) {
	c, done := build(t, map[string]string{"error": "EIO", "error-rate": "0"})
	defer done()

	got := make([]byte, 16)
	if err := pipeline.PRead(context.Background(), c, got, 0, 0); err != nil {
		t.Fatalf("expected no injected error at rate 0, got %v", err)
	}
}

func TestRateOne_AlwaysInjects(t *testing.T) {
	c, done := build(t, map[string]string{"error-pread": "ENOSPC", "error-pread-rate": "1"})
	defer done()

	got := make([]byte, 16)
	err := pipeline.PRead(context.Background(), c, got, 0, 0)
	if err == nil {
		t.Fatal("expected pread to fail at rate 1")
	}
}

func TestPerOperationOverride_OnlyAffectsNamedOp(t *testing.T) {
	c, done := build(t, map[string]string{"error-pwrite": "ENOSPC", "error-pwrite-rate": "1"})
	defer done()

	got := make([]byte, 16)
	if err := pipeline.PRead(context.Background(), c, got, 0, 0); err != nil {
		t.Fatalf("expected pread to be unaffected by a pwrite-only setting, got %v", err)
	}
	if err := pipeline.PWrite(context.Background(), c, got, 0, 0); err == nil {
		t.Fatal("expected pwrite to fail at rate 1")
	}
}

func TestTriggerFile_GatesInjection(t *testing.T) {
	c, done := build(t, map[string]string{
		"error-pread": "EIO", "error-pread-rate": "1",
		"error-pread-file": "/nonexistent/path/that/should/not/exist/ever",
	})
	defer done()

	got := make([]byte, 16)
	if err := pipeline.PRead(context.Background(), c, got, 0, 0); err != nil {
		t.Fatalf("expected no injected error when trigger file is absent, got %v", err)
	}
}

func TestNew_RejectsUnknownErrorName(t *testing.T) {
	inner, err := memory.New(map[string]string{"size": "4096"})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	if _, err := New(inner, map[string]string{"error": "EBOGUS"}); err == nil {
		t.Fatal("expected an error for an unrecognized error name")
	}
}

func TestNew_RejectsOutOfRangeRate(t *testing.T) {
	inner, err := memory.New(map[string]string{"size": "4096"})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	if _, err := New(inner, map[string]string{"error-rate": "150%"}); err == nil {
		t.Fatal("expected an error for a rate above 100%")
	}
}
