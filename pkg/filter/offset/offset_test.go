package offset

import (
	"bytes"
	"context"
	"testing"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/errno"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
	"github.com/blockdkit/blockdkit/internal/pipeline"
	"github.com/blockdkit/blockdkit/pkg/plugin/memory"
)

func build(t *testing.T, size, off string, rng ...string) (*backend.Context, func()) {
	t.Helper()
	inner, err := memory.New(map[string]string{"size": size})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	params := map[string]string{"offset": off}
	if len(rng) > 0 {
		params["range"] = rng[0]
	}
	f, err := New(inner, params)
	if err != nil {
		t.Fatalf("offset.New: %v", err)
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

// TestScenarioS1 composes an offset filter (offset=4096) over an 8192-byte
// memory plugin: the client should see a 4096-byte export, and bytes
// written through the filter read back exactly at the translated offset.
func TestScenarioS1_ReadBackWrittenBytesThroughTranslatedOffset(t *testing.T) {
	c, closeFn := build(t, "8192", "4096")
	defer closeFn()
	ctx := context.Background()

	size, err := pipeline.GetSize(ctx, c)
	if err != nil {
		t.Fatalf("GetSize: %v", err)
	}
	if size != 4096 {
		t.Fatalf("GetSize = %d, want 4096", size)
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
		t.Errorf("PRead = %x, want %x", got, want)
	}
}

func TestGetSize_NoRangeIsUnderlyingMinusOffset(t *testing.T) {
	c, closeFn := build(t, "8192", "100")
	defer closeFn()
	size, err := pipeline.GetSize(context.Background(), c)
	if err != nil {
		t.Fatalf("GetSize: %v", err)
	}
	if size != 8092 {
		t.Errorf("GetSize = %d, want 8092", size)
	}
}

func TestGetSize_OffsetExceedingUnderlyingIsError(t *testing.T) {
	inner, err := memory.New(map[string]string{"size": "100"})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	f, err := New(inner, map[string]string{"offset": "200"})
	if err != nil {
		t.Fatalf("offset.New: %v", err)
	}
	ctx := context.Background()
	c, err := pipeline.Open(ctx, f, false, "", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pipeline.Close(ctx, c)
	if err := pipeline.Prepare(ctx, c, false); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := pipeline.GetSize(ctx, c); err == nil {
		t.Fatal("expected error for offset beyond underlying size")
	}
}

func TestExtents_SyntheticSingleRecordWhenUnsupported(t *testing.T) {
	c, closeFn := build(t, "8192", "4096")
	defer closeFn()
	ctx := context.Background()

	set, err := extent.New(0, 512)
	if err != nil {
		t.Fatalf("extent.New: %v", err)
	}
	if err := pipeline.Extents(ctx, c, 512, 0, 0, set); err != nil {
		t.Fatalf("Extents: %v", err)
	}
	if set.Count() != 1 {
		t.Fatalf("Count = %d, want 1", set.Count())
	}
	rec, _ := set.Get(0)
	if rec.Offset != 0 || rec.Length != 512 {
		t.Errorf("record = %+v, want offset=0 length=512", rec)
	}
}

// extentsPlugin is a minimal leaf backend that answers extents natively,
// reporting the first half of any queried range as a hole and the rest as
// allocated. Used to verify the offset filter shifts inner-layer records
// back out of its translated coordinate space.
type extentsPlugin struct {
	size int64
}

func (p *extentsPlugin) Name() string                  { return "extentsPlugin" }
func (p *extentsPlugin) Kind() backend.Kind             { return backend.KindPlugin }
func (p *extentsPlugin) Index() int                     { return 0 }
func (p *extentsPlugin) SetIndex(int)                   {}
func (p *extentsPlugin) Successor() backend.Backend     { return nil }
func (p *extentsPlugin) ThreadModel() backend.ThreadModel { return backend.Parallel }
func (p *extentsPlugin) Load() error                    { return nil }
func (p *extentsPlugin) Unload()                        {}
func (p *extentsPlugin) Open(ctx context.Context, c *backend.Context, next *backend.Opener, readonly bool, exportName string, usingTLS bool) (backend.Handle, error) {
	return p, nil
}
func (p *extentsPlugin) Prepare(context.Context, *backend.Context, bool) error { return nil }
func (p *extentsPlugin) Finalize(context.Context, *backend.Context) error     { return nil }
func (p *extentsPlugin) Close(context.Context, *backend.Context)             {}
func (p *extentsPlugin) GetSize(context.Context, *backend.Context) (int64, error) {
	return p.size, nil
}
func (p *extentsPlugin) BlockSize(context.Context, *backend.Context) (uint32, uint32, uint32, error) {
	return 1, 4096, 0xffffffff, nil
}
func (p *extentsPlugin) CanWrite(context.Context, *backend.Context) (bool, error)     { return true, nil }
func (p *extentsPlugin) CanFlush(context.Context, *backend.Context) (bool, error)     { return true, nil }
func (p *extentsPlugin) IsRotational(context.Context, *backend.Context) (bool, error) { return false, nil }
func (p *extentsPlugin) CanTrim(context.Context, *backend.Context) (bool, error)      { return true, nil }
func (p *extentsPlugin) CanExtents(context.Context, *backend.Context) (bool, error)   { return true, nil }
func (p *extentsPlugin) CanMultiConn(context.Context, *backend.Context) (bool, error) { return true, nil }
func (p *extentsPlugin) CanZero(context.Context, *backend.Context) (backend.ZeroMode, error) {
	return backend.ZeroNative, nil
}
func (p *extentsPlugin) CanFastZero(context.Context, *backend.Context) (bool, error) { return true, nil }
func (p *extentsPlugin) CanFUA(context.Context, *backend.Context) (backend.FUAMode, error) {
	return backend.FUANative, nil
}
func (p *extentsPlugin) CanCache(context.Context, *backend.Context) (backend.CacheMode, error) {
	return backend.CacheNone, nil
}
func (p *extentsPlugin) ExportDescription(context.Context, *backend.Context) (string, bool, error) {
	return "", true, nil
}
func (p *extentsPlugin) ListExports(ctx context.Context, c *backend.Context, readonly, usingTLS bool, set *export.Set) error {
	return set.UseDefault()
}
func (p *extentsPlugin) DefaultExport(context.Context, *backend.Context, bool, bool) (string, bool, error) {
	return "", true, nil
}
func (p *extentsPlugin) PRead(context.Context, *backend.Context, []byte, uint64, backend.Flags) error {
	return nil
}
func (p *extentsPlugin) PWrite(context.Context, *backend.Context, []byte, uint64, backend.Flags) error {
	return nil
}
func (p *extentsPlugin) Flush(context.Context, *backend.Context, backend.Flags) error { return nil }
func (p *extentsPlugin) Trim(context.Context, *backend.Context, uint64, uint64, backend.Flags) error {
	return nil
}
func (p *extentsPlugin) Zero(context.Context, *backend.Context, uint64, uint64, backend.Flags) error {
	return nil
}

// Extents reports the queried range split in half: a hole, then allocated
// data, in this plugin's own (untranslated) coordinate space.
func (p *extentsPlugin) Extents(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags, set *extent.Set) error {
	half := count / 2
	if half > 0 {
		if _, err := set.Add(offset, half, extent.Hole); err != nil {
			return err
		}
	}
	if count-half > 0 {
		if _, err := set.Add(offset+half, count-half, 0); err != nil {
			return err
		}
	}
	return nil
}
func (p *extentsPlugin) Cache(context.Context, *backend.Context, uint64, uint64, backend.Flags) error {
	return nil
}

func TestExtents_TranslatedBackIntoOuterCoordinateSpace(t *testing.T) {
	inner := &extentsPlugin{size: 8192}
	f, err := New(inner, map[string]string{"offset": "4096"})
	if err != nil {
		t.Fatalf("offset.New: %v", err)
	}
	ctx := context.Background()
	c, err := pipeline.Open(ctx, f, false, "", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pipeline.Close(ctx, c)
	if err := pipeline.Prepare(ctx, c, false); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	set, err := extent.New(0, 512)
	if err != nil {
		t.Fatalf("extent.New: %v", err)
	}
	if err := pipeline.Extents(ctx, c, 512, 0, 0, set); err != nil {
		t.Fatalf("Extents: %v", err)
	}
	if set.Count() != 2 {
		t.Fatalf("Count = %d, want 2", set.Count())
	}
	rec0, _ := set.Get(0)
	rec1, _ := set.Get(1)
	if rec0.Offset != 0 || rec0.Length != 256 || rec0.Type != extent.Hole {
		t.Errorf("record 0 = %+v, want offset=0 length=256 type=Hole", rec0)
	}
	if rec1.Offset != 256 || rec1.Length != 256 {
		t.Errorf("record 1 = %+v, want offset=256 length=256", rec1)
	}
}

func TestReadAtTranslatedExportSizeRejected(t *testing.T) {
	c, closeFn := build(t, "8192", "4096")
	defer closeFn()
	ctx := context.Background()

	buf := make([]byte, 1)
	if err := pipeline.PRead(ctx, c, buf, 4096, 0); errno.Of(err) != errno.EINVAL {
		t.Errorf("read at translated export size: got %v, want EINVAL", err)
	}
}

func TestNew_RejectsMissingOffset(t *testing.T) {
	inner, _ := memory.New(map[string]string{"size": "100"})
	if _, err := New(inner, map[string]string{}); err == nil {
		t.Fatal("expected error for missing offset parameter")
	}
}
