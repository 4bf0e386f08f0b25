package file

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/extent"
	"github.com/blockdkit/blockdkit/internal/pipeline"
	"github.com/blockdkit/blockdkit/pkg/plugin/plugintest"
)

func factory(t *testing.T) backend.Backend {
	path := filepath.Join(t.TempDir(), "disk.img")
	b, err := New(map[string]string{"path": path, "size": "1048576"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Unload() })
	return b
}

func TestConformance(t *testing.T) {
	plugintest.RunConformanceSuite(t, factory)
}

func TestNew_RejectsMissingPath(t *testing.T) {
	if _, err := New(map[string]string{"size": "4096"}); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestNew_RejectsEmptyFileWithoutSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if _, err := New(map[string]string{"path": path}); err == nil {
		t.Fatal("expected error when creating a new file without a size")
	}
}

func TestNew_ReopensExistingFileWithoutSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	b1, err := New(map[string]string{"path": path, "size": "65536"})
	if err != nil {
		t.Fatalf("New (create): %v", err)
	}
	b1.Unload()

	b2, err := New(map[string]string{"path": path})
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	defer b2.Unload()

	size, err := b2.GetSize(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetSize: %v", err)
	}
	if size != 65536 {
		t.Errorf("expected size 65536, got %d", size)
	}
}

func TestTrimThenExtentsReportsHole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	b, err := New(map[string]string{"path": path, "size": "1048576"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Unload()

	ctx := context.Background()
	c, err := pipeline.Open(ctx, b, false, "", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pipeline.Close(ctx, c)
	if err := pipeline.Prepare(ctx, c, false); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = 0xAB
	}
	if err := pipeline.PWrite(ctx, c, buf, 0, 0); err != nil {
		t.Fatalf("PWrite: %v", err)
	}

	if err := pipeline.Trim(ctx, c, 4096, 0, 0); err != nil {
		t.Skipf("trim not supported on this filesystem: %v", err)
	}

	set, err := extent.New(0, 4096)
	if err != nil {
		t.Fatalf("extent.New: %v", err)
	}
	if err := pipeline.Extents(ctx, c, 4096, 0, 0, set); err != nil {
		t.Fatalf("Extents: %v", err)
	}
	if set.Count() == 0 {
		t.Fatal("expected at least one extent record after a trim")
	}
}
