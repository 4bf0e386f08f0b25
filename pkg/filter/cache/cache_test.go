package cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/extent"
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
		t.Fatalf("cache.New: %v", err)
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

func TestNew_RejectsUnknownMode(t *testing.T) {
	inner, err := memory.New(map[string]string{"size": "4096"})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	if _, err := New(inner, map[string]string{"cache-mode": "bogus"}); err == nil {
		t.Fatal("expected an error for an unrecognized cache-mode")
	}
}

func TestExtents_MissThenHit(t *testing.T) {
	c, done := build(t, map[string]string{})
	defer done()

	set, err := extent.New(0, 4096)
	if err != nil {
		t.Fatalf("extent.New: %v", err)
	}
	if err := pipeline.Extents(context.Background(), c, 4096, 0, 0, set); err != nil {
		t.Fatalf("Extents (miss): %v", err)
	}
	if set.TotalLength() != 4096 {
		t.Fatalf("expected the full window covered, got %d", set.TotalLength())
	}

	set2, err := extent.New(1024, 2048)
	if err != nil {
		t.Fatalf("extent.New: %v", err)
	}
	if err := pipeline.Extents(context.Background(), c, 1024, 1024, 0, set2); err != nil {
		t.Fatalf("Extents (hit): %v", err)
	}
	if set2.TotalLength() != 1024 {
		t.Fatalf("expected a sub-range answer from the cached window, got %d", set2.TotalLength())
	}
}

func TestExtents_InvalidatedByWrite(t *testing.T) {
	c, done := build(t, map[string]string{})
	defer done()

	set, err := extent.New(0, 4096)
	if err != nil {
		t.Fatalf("extent.New: %v", err)
	}
	if err := pipeline.Extents(context.Background(), c, 4096, 0, 0, set); err != nil {
		t.Fatalf("Extents: %v", err)
	}

	if err := pipeline.PWrite(context.Background(), c, []byte("x"), 0, 0); err != nil {
		t.Fatalf("PWrite: %v", err)
	}

	f := c.Backend().(*Filter)
	f.extMu.Lock()
	valid := f.extValid
	f.extMu.Unlock()
	if valid {
		t.Fatal("expected the extents cache to be invalidated after a write")
	}
}

func TestWriteback_ReadsOwnWrites(t *testing.T) {
	c, done := build(t, map[string]string{"cache-mode": "writeback", "cache-block-size": "65536"})
	defer done()

	want := bytes.Repeat([]byte("A"), 1024)
	if err := pipeline.PWrite(context.Background(), c, want, 0, 0); err != nil {
		t.Fatalf("PWrite: %v", err)
	}

	got := make([]byte, 1024)
	if err := pipeline.PRead(context.Background(), c, got, 0, 0); err != nil {
		t.Fatalf("PRead: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("expected a write-back read to return the just-written bytes")
	}
}

func TestWriteback_SecondWriteInBlockReadsBack(t *testing.T) {
	c, done := build(t, map[string]string{"cache-mode": "writeback", "cache-block-size": "65536"})
	defer done()

	if err := pipeline.PWrite(context.Background(), c, []byte("seed"), 8192, 0); err != nil {
		t.Fatalf("seed write: %v", err)
	}
	if err := pipeline.PWrite(context.Background(), c, []byte("hit"), 0, 0); err != nil {
		t.Fatalf("PWrite: %v", err)
	}

	got := make([]byte, 3)
	if err := pipeline.PRead(context.Background(), c, got, 0, 0); err != nil {
		t.Fatalf("PRead: %v", err)
	}
	if !bytes.Equal(got, []byte("hit")) {
		t.Fatalf("expected the covered bytes back, got %q", got)
	}
}

func TestWriteback_FlushOnFlush(t *testing.T) {
	c, done := build(t, map[string]string{"cache-mode": "writeback", "cache-block-size": "65536", "cache-flush-interval": "1h"})
	defer done()

	want := bytes.Repeat([]byte("Z"), 512)
	if err := pipeline.PWrite(context.Background(), c, want, 0, 0); err != nil {
		t.Fatalf("PWrite: %v", err)
	}

	f := c.Backend().(*Filter)
	f.dataMu.Lock()
	dirtyBefore := f.blocks[0].dirty
	f.dataMu.Unlock()
	if !dirtyBefore {
		t.Fatal("expected the block to be dirty before flush")
	}

	if err := pipeline.Flush(context.Background(), c, 0); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	f.dataMu.Lock()
	dirtyAfter := f.blocks[0].dirty
	f.dataMu.Unlock()
	if dirtyAfter {
		t.Fatal("expected the block to be clean after Flush")
	}

	got := make([]byte, 512)
	if err := pipeline.PRead(context.Background(), c, got, 0, 0); err != nil {
		t.Fatalf("PRead: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("expected flushed data to still read back correctly")
	}
}

func TestWriteback_BackgroundFlushEventuallyClearsDirty(t *testing.T) {
	c, done := build(t, map[string]string{"cache-mode": "writeback", "cache-block-size": "65536", "cache-flush-interval": "10ms"})
	defer done()

	if err := pipeline.PWrite(context.Background(), c, []byte("periodic"), 0, 0); err != nil {
		t.Fatalf("PWrite: %v", err)
	}

	f := c.Backend().(*Filter)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.dataMu.Lock()
		dirty := f.blocks[0].dirty
		f.dataMu.Unlock()
		if !dirty {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected the background flusher to clear the dirty flag within the deadline")
}

func TestWriteback_TrimDropsCachedBlock(t *testing.T) {
	c, done := build(t, map[string]string{"cache-mode": "writeback", "cache-block-size": "65536"})
	defer done()

	if err := pipeline.PWrite(context.Background(), c, []byte("gone"), 0, 0); err != nil {
		t.Fatalf("PWrite: %v", err)
	}

	f := c.Backend().(*Filter)
	f.dataMu.Lock()
	_, cached := f.blocks[0]
	f.dataMu.Unlock()
	if !cached {
		t.Fatal("expected the block to be cached before trim")
	}

	if err := pipeline.Trim(context.Background(), c, 4096, 0, 0); err != nil {
		t.Fatalf("Trim: %v", err)
	}

	f.dataMu.Lock()
	_, stillCached := f.blocks[0]
	f.dataMu.Unlock()
	if stillCached {
		t.Fatal("expected trim to drop the cached block")
	}
}

func TestExtentsOnlyMode_DoesNotCacheData(t *testing.T) {
	c, done := build(t, map[string]string{})
	defer done()

	if err := pipeline.PWrite(context.Background(), c, []byte("hello"), 0, 0); err != nil {
		t.Fatalf("PWrite: %v", err)
	}

	f := c.Backend().(*Filter)
	f.dataMu.Lock()
	n := len(f.blocks)
	f.dataMu.Unlock()
	if n != 0 {
		t.Fatalf("expected extents-only mode to keep no data blocks, got %d", n)
	}
}
