// Package readonly implements a filter that forces CanWrite false
// regardless of what the successor reports, making every write-shaped
// operation (pwrite, trim, zero) unconditionally unavailable. Grounded on
// nbdkit's readonly filter, which does the same by overriding can_write.
package readonly

import (
	"context"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/errno"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
	"github.com/blockdkit/blockdkit/internal/pipeline"
	"github.com/blockdkit/blockdkit/internal/registry"
)

func init() {
	registry.Global().MustRegisterFilter("readonly", New)
}

// Filter forces the pipeline below it to appear read-only.
type Filter struct {
	idx       int
	successor backend.Backend
}

// New constructs the readonly filter. Takes no parameters.
func New(successor backend.Backend, params map[string]string) (backend.Backend, error) {
	return &Filter{successor: successor}, nil
}

func (f *Filter) Name() string                     { return "readonly" }
func (f *Filter) Kind() backend.Kind                { return backend.KindFilter }
func (f *Filter) Index() int                        { return f.idx }
func (f *Filter) SetIndex(i int)                    { f.idx = i }
func (f *Filter) Successor() backend.Backend        { return f.successor }
func (f *Filter) ThreadModel() backend.ThreadModel  { return backend.Parallel }

func (f *Filter) Load() error { return nil }
func (f *Filter) Unload()     {}

func (f *Filter) Open(ctx context.Context, c *backend.Context, next *backend.Opener, readonly bool, exportName string, usingTLS bool) (backend.Handle, error) {
	if _, err := next.Open(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Filter) Prepare(ctx context.Context, c *backend.Context, readonly bool) error { return nil }
func (f *Filter) Finalize(ctx context.Context, c *backend.Context) error               { return nil }
func (f *Filter) Close(ctx context.Context, c *backend.Context)                        {}

func (f *Filter) GetSize(ctx context.Context, c *backend.Context) (int64, error) {
	return pipeline.GetSize(ctx, c.Next())
}
func (f *Filter) BlockSize(ctx context.Context, c *backend.Context) (uint32, uint32, uint32, error) {
	return pipeline.BlockSize(ctx, c.Next())
}

// CanWrite always reports false: the whole point of this filter.
func (f *Filter) CanWrite(ctx context.Context, c *backend.Context) (bool, error) { return false, nil }

func (f *Filter) CanFlush(ctx context.Context, c *backend.Context) (bool, error) {
	return pipeline.CanFlush(ctx, c.Next())
}
func (f *Filter) IsRotational(ctx context.Context, c *backend.Context) (bool, error) {
	return pipeline.IsRotational(ctx, c.Next())
}

// CanTrim always reports false; trim is a write-shaped operation.
func (f *Filter) CanTrim(ctx context.Context, c *backend.Context) (bool, error) { return false, nil }

func (f *Filter) CanExtents(ctx context.Context, c *backend.Context) (bool, error) {
	return pipeline.CanExtents(ctx, c.Next())
}
func (f *Filter) CanMultiConn(ctx context.Context, c *backend.Context) (bool, error) {
	return pipeline.CanMultiConn(ctx, c.Next())
}

// CanZero always reports ZeroNone; zero is a write-shaped operation.
func (f *Filter) CanZero(ctx context.Context, c *backend.Context) (backend.ZeroMode, error) {
	return backend.ZeroNone, nil
}
func (f *Filter) CanFastZero(ctx context.Context, c *backend.Context) (bool, error) { return false, nil }

func (f *Filter) CanFUA(ctx context.Context, c *backend.Context) (backend.FUAMode, error) {
	return backend.FUANone, nil
}
func (f *Filter) CanCache(ctx context.Context, c *backend.Context) (backend.CacheMode, error) {
	return pipeline.CanCache(ctx, c.Next())
}
func (f *Filter) ExportDescription(ctx context.Context, c *backend.Context) (string, bool, error) {
	return f.successor.ExportDescription(ctx, c.Next())
}
func (f *Filter) ListExports(ctx context.Context, c *backend.Context, readonly, usingTLS bool, set *export.Set) error {
	return f.successor.ListExports(ctx, c.Next(), readonly, usingTLS, set)
}
func (f *Filter) DefaultExport(ctx context.Context, c *backend.Context, readonly, usingTLS bool) (string, bool, error) {
	return f.successor.DefaultExport(ctx, c.Next(), readonly, usingTLS)
}

func (f *Filter) PRead(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	return pipeline.PRead(ctx, c.Next(), buf, offset, flags)
}

// PWrite, Trim, Zero are unreachable through the normal dispatcher gating
// (CanWrite/CanTrim/CanZero all report false/none above), but are
// implemented defensively in case a caller invokes the backend directly.
func (f *Filter) PWrite(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	return errno.New(errno.EROFS, "pwrite")
}

func (f *Filter) Flush(ctx context.Context, c *backend.Context, flags backend.Flags) error {
	return pipeline.Flush(ctx, c.Next(), flags)
}

func (f *Filter) Trim(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	return errno.New(errno.EROFS, "trim")
}

func (f *Filter) Zero(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	return errno.New(errno.EROFS, "zero")
}

func (f *Filter) Extents(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags, set *extent.Set) error {
	return pipeline.Extents(ctx, c.Next(), count, offset, flags, set)
}

func (f *Filter) Cache(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	return pipeline.Cache(ctx, c.Next(), count, offset, flags)
}
