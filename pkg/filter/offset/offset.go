// Package offset implements a filter that serves a sub-range of its
// successor's export: every offset a request carries is translated by a
// fixed amount before reaching the inner layer, and the advertised export
// size is clipped to an optional range. Grounded on nbdkit's offset
// filter (original_source/filters/offset/offset.c).
package offset

import (
	"context"
	"fmt"
	"strconv"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
	"github.com/blockdkit/blockdkit/internal/pipeline"
	"github.com/blockdkit/blockdkit/internal/registry"
)

func init() {
	registry.Global().MustRegisterFilter("offset", New)
}

// Filter translates every request's offset by a fixed amount and,
// optionally, clips the visible export to a fixed range.
type Filter struct {
	idx       int
	successor backend.Backend

	offset   int64
	hasRange bool
	rng      int64
}

// New constructs the offset filter from its "offset" (required) and
// "range" (optional) parameters, both plain byte counts.
func New(successor backend.Backend, params map[string]string) (backend.Backend, error) {
	f := &Filter{successor: successor}

	raw, ok := params["offset"]
	if !ok {
		return nil, fmt.Errorf("offset: missing required parameter %q", "offset")
	}
	off, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || off < 0 {
		return nil, fmt.Errorf("offset: invalid offset %q", raw)
	}
	f.offset = off

	if raw, ok := params["range"]; ok {
		r, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || r < 0 {
			return nil, fmt.Errorf("offset: invalid range %q", raw)
		}
		f.rng = r
		f.hasRange = true
	}
	return f, nil
}

func (f *Filter) Name() string              { return "offset" }
func (f *Filter) Kind() backend.Kind         { return backend.KindFilter }
func (f *Filter) Index() int                 { return f.idx }
func (f *Filter) SetIndex(i int)             { f.idx = i }
func (f *Filter) Successor() backend.Backend { return f.successor }
func (f *Filter) ThreadModel() backend.ThreadModel { return backend.Parallel }

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

// GetSize returns the inner export size minus offset, clipped to range if
// one was configured. Errors if offset (or offset+range) exceeds the real
// size, matching offset_get_size's bounds check.
func (f *Filter) GetSize(ctx context.Context, c *backend.Context) (int64, error) {
	real, err := pipeline.GetSize(ctx, c.Next())
	if err != nil {
		return 0, err
	}
	if f.hasRange {
		if f.offset > real-f.rng {
			return 0, fmt.Errorf("offset: offset+range (%d+%d) exceeds underlying size %d", f.offset, f.rng, real)
		}
		return f.rng, nil
	}
	if f.offset > real {
		return 0, fmt.Errorf("offset: offset (%d) exceeds underlying size %d", f.offset, real)
	}
	return real - f.offset, nil
}

func (f *Filter) BlockSize(ctx context.Context, c *backend.Context) (uint32, uint32, uint32, error) {
	return pipeline.BlockSize(ctx, c.Next())
}
func (f *Filter) CanWrite(ctx context.Context, c *backend.Context) (bool, error) {
	return pipeline.CanWrite(ctx, c.Next())
}
func (f *Filter) CanFlush(ctx context.Context, c *backend.Context) (bool, error) {
	return pipeline.CanFlush(ctx, c.Next())
}
func (f *Filter) IsRotational(ctx context.Context, c *backend.Context) (bool, error) {
	return pipeline.IsRotational(ctx, c.Next())
}
func (f *Filter) CanTrim(ctx context.Context, c *backend.Context) (bool, error) {
	return pipeline.CanTrim(ctx, c.Next())
}
func (f *Filter) CanExtents(ctx context.Context, c *backend.Context) (bool, error) {
	return pipeline.CanExtents(ctx, c.Next())
}
func (f *Filter) CanMultiConn(ctx context.Context, c *backend.Context) (bool, error) {
	return pipeline.CanMultiConn(ctx, c.Next())
}
func (f *Filter) CanZero(ctx context.Context, c *backend.Context) (backend.ZeroMode, error) {
	return pipeline.CanZero(ctx, c.Next())
}
func (f *Filter) CanFastZero(ctx context.Context, c *backend.Context) (bool, error) {
	return pipeline.CanFastZero(ctx, c.Next())
}
func (f *Filter) CanFUA(ctx context.Context, c *backend.Context) (backend.FUAMode, error) {
	return pipeline.CanFUA(ctx, c.Next())
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

func (f *Filter) PRead(ctx context.Context, c *backend.Context, buf []byte, off uint64, flags backend.Flags) error {
	return pipeline.PRead(ctx, c.Next(), buf, off+uint64(f.offset), flags)
}

func (f *Filter) PWrite(ctx context.Context, c *backend.Context, buf []byte, off uint64, flags backend.Flags) error {
	return pipeline.PWrite(ctx, c.Next(), buf, off+uint64(f.offset), flags)
}

func (f *Filter) Flush(ctx context.Context, c *backend.Context, flags backend.Flags) error {
	return pipeline.Flush(ctx, c.Next(), flags)
}

func (f *Filter) Trim(ctx context.Context, c *backend.Context, count, off uint64, flags backend.Flags) error {
	return pipeline.Trim(ctx, c.Next(), count, off+uint64(f.offset), flags)
}

func (f *Filter) Zero(ctx context.Context, c *backend.Context, count, off uint64, flags backend.Flags) error {
	return pipeline.Zero(ctx, c.Next(), count, off+uint64(f.offset), flags)
}

// Extents queries the inner layer over the translated range, then shifts
// every reported record back into this layer's coordinate space.
func (f *Filter) Extents(ctx context.Context, c *backend.Context, count, off uint64, flags backend.Flags, set *extent.Set) error {
	innerOff := off + uint64(f.offset)
	inner, err := extent.New(innerOff, innerOff+count)
	if err != nil {
		return err
	}
	if err := pipeline.Extents(ctx, c.Next(), count, innerOff, flags, inner); err != nil {
		return err
	}
	for _, r := range inner.Records() {
		if _, err := set.Add(r.Offset-uint64(f.offset), r.Length, r.Type); err != nil {
			return err
		}
	}
	return nil
}

func (f *Filter) Cache(ctx context.Context, c *backend.Context, count, off uint64, flags backend.Flags) error {
	return pipeline.Cache(ctx, c.Next(), count, off+uint64(f.offset), flags)
}
