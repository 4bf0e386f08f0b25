package log

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/errno"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
	"github.com/blockdkit/blockdkit/internal/logger"
	"github.com/blockdkit/blockdkit/internal/pipeline"
	"github.com/blockdkit/blockdkit/pkg/plugin/memory"
)

func resetLogger() { logger.InitWithWriter(os.Stdout, "INFO", "text", false) }

func TestPRead_LogsOperationAndOffset(t *testing.T) {
	buf := new(bytes.Buffer)
	logger.InitWithWriter(buf, "DEBUG", "json", false)
	defer resetLogger()

	inner, err := memory.New(map[string]string{"size": "4096"})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	f, err := New(inner, map[string]string{"label": "outer"})
	if err != nil {
		t.Fatalf("log.New: %v", err)
	}

	ctx := context.Background()
	c, err := pipeline.Open(ctx, f, false, "export1", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pipeline.Close(ctx, c)
	if err := pipeline.Prepare(ctx, c, false); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	buf.Reset()

	got := make([]byte, 16)
	if err := pipeline.PRead(ctx, c, got, 32, 0); err != nil {
		t.Fatalf("PRead: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "pread") {
		t.Errorf("expected a logged pread entry, got %q", out)
	}
	if !strings.Contains(out, `"offset":32`) {
		t.Errorf("expected offset=32 in log output, got %q", out)
	}
}

// failingPlugin is a minimal leaf backend whose writes always fail, used to
// verify the log filter reports failures distinctly from successes.
type failingPlugin struct{ size int64 }

func (p *failingPlugin) Name() string                      { return "failingPlugin" }
func (p *failingPlugin) Kind() backend.Kind                 { return backend.KindPlugin }
func (p *failingPlugin) Index() int                         { return 0 }
func (p *failingPlugin) SetIndex(int)                       {}
func (p *failingPlugin) Successor() backend.Backend         { return nil }
func (p *failingPlugin) ThreadModel() backend.ThreadModel   { return backend.Parallel }
func (p *failingPlugin) Load() error                        { return nil }
func (p *failingPlugin) Unload()                            {}
func (p *failingPlugin) Open(ctx context.Context, c *backend.Context, next *backend.Opener, readonly bool, exportName string, usingTLS bool) (backend.Handle, error) {
	return p, nil
}
func (p *failingPlugin) Prepare(context.Context, *backend.Context, bool) error { return nil }
func (p *failingPlugin) Finalize(context.Context, *backend.Context) error     { return nil }
func (p *failingPlugin) Close(context.Context, *backend.Context)             {}
func (p *failingPlugin) GetSize(context.Context, *backend.Context) (int64, error) {
	return p.size, nil
}
func (p *failingPlugin) BlockSize(context.Context, *backend.Context) (uint32, uint32, uint32, error) {
	return 1, 4096, 0xffffffff, nil
}
func (p *failingPlugin) CanWrite(context.Context, *backend.Context) (bool, error)     { return true, nil }
func (p *failingPlugin) CanFlush(context.Context, *backend.Context) (bool, error)     { return true, nil }
func (p *failingPlugin) IsRotational(context.Context, *backend.Context) (bool, error) { return false, nil }
func (p *failingPlugin) CanTrim(context.Context, *backend.Context) (bool, error)      { return true, nil }
func (p *failingPlugin) CanExtents(context.Context, *backend.Context) (bool, error)   { return false, nil }
func (p *failingPlugin) CanMultiConn(context.Context, *backend.Context) (bool, error) { return true, nil }
func (p *failingPlugin) CanZero(context.Context, *backend.Context) (backend.ZeroMode, error) {
	return backend.ZeroNative, nil
}
func (p *failingPlugin) CanFastZero(context.Context, *backend.Context) (bool, error) { return true, nil }
func (p *failingPlugin) CanFUA(context.Context, *backend.Context) (backend.FUAMode, error) {
	return backend.FUANative, nil
}
func (p *failingPlugin) CanCache(context.Context, *backend.Context) (backend.CacheMode, error) {
	return backend.CacheNone, nil
}
func (p *failingPlugin) ExportDescription(context.Context, *backend.Context) (string, bool, error) {
	return "", true, nil
}
func (p *failingPlugin) ListExports(ctx context.Context, c *backend.Context, readonly, usingTLS bool, set *export.Set) error {
	return set.UseDefault()
}
func (p *failingPlugin) DefaultExport(context.Context, *backend.Context, bool, bool) (string, bool, error) {
	return "", true, nil
}
func (p *failingPlugin) PRead(context.Context, *backend.Context, []byte, uint64, backend.Flags) error {
	return nil
}
func (p *failingPlugin) PWrite(context.Context, *backend.Context, []byte, uint64, backend.Flags) error {
	return errno.New(errno.EIO, "simulated write failure")
}
func (p *failingPlugin) Flush(context.Context, *backend.Context, backend.Flags) error { return nil }
func (p *failingPlugin) Trim(context.Context, *backend.Context, uint64, uint64, backend.Flags) error {
	return nil
}
func (p *failingPlugin) Zero(context.Context, *backend.Context, uint64, uint64, backend.Flags) error {
	return nil
}
func (p *failingPlugin) Extents(context.Context, *backend.Context, uint64, uint64, backend.Flags, *extent.Set) error {
	return nil
}
func (p *failingPlugin) Cache(context.Context, *backend.Context, uint64, uint64, backend.Flags) error {
	return nil
}

func TestPWrite_LogsFailureDistinctlyFromSuccess(t *testing.T) {
	buf := new(bytes.Buffer)
	logger.InitWithWriter(buf, "DEBUG", "json", false)
	defer resetLogger()

	inner := &failingPlugin{size: 4096}
	f, err := New(inner, map[string]string{})
	if err != nil {
		t.Fatalf("log.New: %v", err)
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
	buf.Reset()

	badBuf := make([]byte, 16)
	if err := pipeline.PWrite(ctx, c, badBuf, 0, 0); err == nil {
		t.Fatal("expected write to fail")
	}

	out := buf.String()
	if !strings.Contains(out, "pwrite failed") {
		t.Errorf("expected a logged pwrite failure, got %q", out)
	}
}
