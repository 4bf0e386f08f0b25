package limit

import (
	"context"
	"testing"
	"time"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/pipeline"
	"github.com/blockdkit/blockdkit/pkg/plugin/memory"
)

func build(t *testing.T, params map[string]string) (*backend.Context, func()) {
	t.Helper()
	inner, err := memory.New(map[string]string{"size": "1048576"})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	f, err := New(inner, params)
	if err != nil {
		t.Fatalf("limit.New: %v", err)
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

func TestUnlimited_NeverBlocks(t *testing.T) {
	c, done := build(t, map[string]string{})
	defer done()

	buf := make([]byte, 65536)
	start := time.Now()
	if err := pipeline.PWrite(context.Background(), c, buf, 0, 0); err != nil {
		t.Fatalf("PWrite: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("expected an unconfigured limiter not to delay writes, took %v", elapsed)
	}
}

func TestWriteBPS_ThrottlesLargeWrite(t *testing.T) {
	c, done := build(t, map[string]string{"write-bps": "1024"})
	defer done()

	buf := make([]byte, 4096)
	start := time.Now()
	if err := pipeline.PWrite(context.Background(), c, buf, 0, 0); err != nil {
		t.Fatalf("PWrite: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 1*time.Second {
		t.Errorf("expected a 4096-byte write at 1024 B/s to take at least ~3s, took %v", elapsed)
	}
}

func TestReadBPS_DoesNotThrottleWrites(t *testing.T) {
	c, done := build(t, map[string]string{"read-bps": "1"})
	defer done()

	buf := make([]byte, 4096)
	start := time.Now()
	if err := pipeline.PWrite(context.Background(), c, buf, 0, 0); err != nil {
		t.Fatalf("PWrite: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("expected read-bps to leave writes unthrottled, took %v", elapsed)
	}
}

func TestContextCancellation_AbortsWait(t *testing.T) {
	c, done := build(t, map[string]string{"write-bps": "1"})
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	buf := make([]byte, 4096)
	if err := pipeline.PWrite(ctx, c, buf, 0, 0); err == nil {
		t.Fatal("expected a throttled write under a short deadline to fail")
	}
}

func TestNew_RejectsInvalidRate(t *testing.T) {
	inner, err := memory.New(map[string]string{"size": "4096"})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	if _, err := New(inner, map[string]string{"write-bps": "not-a-number"}); err == nil {
		t.Fatal("expected an error for a non-numeric rate")
	}
}
