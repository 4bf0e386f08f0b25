// Package plugintest is the shared conformance suite every plugin
// implementation runs its backend through. Grounded on dittofs's
// pkg/metadata/storetest suite: one factory function producing a fresh
// backend per test, one RunConformanceSuite entry point fanning out into
// t.Run subtests per concern.
package plugintest

import (
	"bytes"
	"context"
	"testing"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/errno"
	"github.com/blockdkit/blockdkit/internal/pipeline"
)

// Factory creates a fresh, writable plugin backend instance for each test.
// Implementations may use t.TempDir()/t.Cleanup() for on-disk state.
type Factory func(t *testing.T) backend.Backend

// RunConformanceSuite runs the full conformance suite against the backend
// factory returns. Every subtest opens its own connection (Open+Prepare)
// against a fresh instance, so plugins with shared state across opens
// (like memory.Plugin) still get isolation per subtest.
func RunConformanceSuite(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("ReadWriteRoundTrip", func(t *testing.T) { testReadWriteRoundTrip(t, factory) })
	t.Run("RangeValidation", func(t *testing.T) { testRangeValidation(t, factory) })
	t.Run("OpenCloseBalanced", func(t *testing.T) { testOpenCloseBalanced(t, factory) })
	t.Run("CapabilityCacheMonotonic", func(t *testing.T) { testCapabilityCacheMonotonic(t, factory) })
	t.Run("ExportsListable", func(t *testing.T) { testExportsListable(t, factory) })
}

func open(t *testing.T, factory Factory) (*backend.Context, backend.Backend) {
	t.Helper()
	b := factory(t)
	ctx := context.Background()
	c, err := pipeline.Open(ctx, b, false, "", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := pipeline.Prepare(ctx, c, false); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	t.Cleanup(func() { pipeline.Close(context.Background(), c) })
	return c, b
}

func testReadWriteRoundTrip(t *testing.T, factory Factory) {
	c, _ := open(t, factory)
	ctx := context.Background()

	write, err := pipeline.CanWrite(ctx, c)
	if err != nil {
		t.Fatalf("CanWrite: %v", err)
	}
	if !write {
		t.Skip("backend is read-only")
	}

	size, err := pipeline.GetSize(ctx, c)
	if err != nil {
		t.Fatalf("GetSize: %v", err)
	}
	if size < 512 {
		t.Skipf("export too small (%d bytes) for this test", size)
	}

	want := bytes.Repeat([]byte{0xAB}, 512)
	if err := pipeline.PWrite(ctx, c, want, 0, 0); err != nil {
		t.Fatalf("PWrite: %v", err)
	}
	got := make([]byte, 512)
	if err := pipeline.PRead(ctx, c, got, 0, 0); err != nil {
		t.Fatalf("PRead: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("PRead after PWrite = %x, want %x", got, want)
	}
}

func testRangeValidation(t *testing.T, factory Factory) {
	c, _ := open(t, factory)
	ctx := context.Background()

	size, err := pipeline.GetSize(ctx, c)
	if err != nil {
		t.Fatalf("GetSize: %v", err)
	}

	buf := make([]byte, 1)
	if err := pipeline.PRead(ctx, c, buf, uint64(size), 0); errno.Of(err) != errno.EINVAL {
		t.Errorf("read starting at exportsize: got %v, want EINVAL", err)
	}

	if err := pipeline.PRead(ctx, c, nil, 0, 0); errno.Of(err) != errno.EINVAL {
		t.Errorf("zero-length read: got %v, want EINVAL", err)
	}

	if size > 0 {
		tail := make([]byte, 1)
		if err := pipeline.PRead(ctx, c, tail, uint64(size)-1, 0); err != nil {
			t.Errorf("read of the last byte should be accepted, got %v", err)
		}
	}
}

func testOpenCloseBalanced(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := context.Background()
	c, err := pipeline.Open(ctx, b, false, "", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := pipeline.Prepare(ctx, c, false); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := pipeline.Finalize(ctx, c); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	pipeline.Close(ctx, c) // must not panic regardless of backend internals
}

func testCapabilityCacheMonotonic(t *testing.T, factory Factory) {
	c, _ := open(t, factory)
	ctx := context.Background()

	v1, err := pipeline.CanWrite(ctx, c)
	if err != nil {
		t.Fatalf("CanWrite: %v", err)
	}
	v2, err := pipeline.CanWrite(ctx, c)
	if err != nil {
		t.Fatalf("CanWrite: %v", err)
	}
	if v1 != v2 {
		t.Errorf("CanWrite not stable across repeated queries: %v then %v", v1, v2)
	}
}

func testExportsListable(t *testing.T, factory Factory) {
	c, _ := open(t, factory)
	ctx := context.Background()

	set, err := pipeline.ListExports(ctx, c, false, false)
	if err != nil {
		t.Fatalf("ListExports: %v", err)
	}
	for i := 0; i < set.Count(); i++ {
		e, _ := set.Get(i)
		if e.IsDefaultSentinel() {
			t.Errorf("entry %d is an unresolved default sentinel", i)
		}
	}
}
