package readonly

import (
	"context"
	"testing"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/pipeline"
	"github.com/blockdkit/blockdkit/pkg/plugin/memory"
)

func build(t *testing.T, size string) (*backend.Context, func()) {
	t.Helper()
	inner, err := memory.New(map[string]string{"size": size})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	f, err := New(inner, map[string]string{})
	if err != nil {
		t.Fatalf("readonly.New: %v", err)
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

func TestCanWrite_AlwaysFalse(t *testing.T) {
	c, done := build(t, "4096")
	defer done()

	ok, err := pipeline.CanWrite(context.Background(), c)
	if err != nil {
		t.Fatalf("CanWrite: %v", err)
	}
	if ok {
		t.Fatal("expected CanWrite to report false through the readonly filter")
	}
}

func TestPWrite_RejectedAsReadOnly(t *testing.T) {
	c, done := build(t, "4096")
	defer done()

	err := pipeline.PWrite(context.Background(), c, make([]byte, 16), 0, 0)
	if err == nil {
		t.Fatal("expected write to be rejected")
	}
}

func TestTrim_RejectedAsReadOnly(t *testing.T) {
	c, done := build(t, "4096")
	defer done()

	err := pipeline.Trim(context.Background(), c, 16, 0, 0)
	if err == nil {
		t.Fatal("expected trim to be rejected")
	}
}

func TestZero_RejectedAsReadOnly(t *testing.T) {
	c, done := build(t, "4096")
	defer done()

	err := pipeline.Zero(context.Background(), c, 16, 0, 0)
	if err == nil {
		t.Fatal("expected zero to be rejected")
	}
}

func TestPRead_StillWorksThroughReadOnly(t *testing.T) {
	c, done := build(t, "4096")
	defer done()

	got := make([]byte, 16)
	if err := pipeline.PRead(context.Background(), c, got, 0, 0); err != nil {
		t.Fatalf("PRead: %v", err)
	}
}

func TestCanFlush_PassesThroughUnchanged(t *testing.T) {
	c, done := build(t, "4096")
	defer done()

	ok, err := pipeline.CanFlush(context.Background(), c)
	if err != nil {
		t.Fatalf("CanFlush: %v", err)
	}
	if !ok {
		t.Fatal("expected CanFlush to pass through the memory plugin's true value")
	}
}
