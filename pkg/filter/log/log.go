// Package log implements a filter that logs open and close, and every data
// request passing through it with one line after delegating: info on
// success, warn on failure, each with its duration. Capability queries
// pass through unlogged and no line is written before delegating. Grounded on
// dittofs's NFS handlers' DebugCtx/InfoCtx/WarnCtx-around-an-operation
// shape (internal/protocol/nfs/v3/handlers/{getattr,fsstat,read_content}.go).
package log

import (
	"context"
	"time"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/errno"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
	"github.com/blockdkit/blockdkit/internal/logger"
	"github.com/blockdkit/blockdkit/internal/pipeline"
	"github.com/blockdkit/blockdkit/internal/registry"
)

func init() {
	registry.Global().MustRegisterFilter("log", New)
}

// Filter is a transparent pass-through that logs each request it sees.
// label names the layer in log output; it defaults to "log" if the
// "label" parameter is absent.
type Filter struct {
	idx       int
	successor backend.Backend
	label     string
}

// New constructs the log filter. Accepts an optional "label" parameter
// used to distinguish multiple log filters in one pipeline.
func New(successor backend.Backend, params map[string]string) (backend.Backend, error) {
	label := params["label"]
	if label == "" {
		label = "log"
	}
	return &Filter{successor: successor, label: label}, nil
}

func (f *Filter) Name() string                     { return "log" }
func (f *Filter) Kind() backend.Kind                { return backend.KindFilter }
func (f *Filter) Index() int                        { return f.idx }
func (f *Filter) SetIndex(i int)                    { f.idx = i }
func (f *Filter) Successor() backend.Backend        { return f.successor }
func (f *Filter) ThreadModel() backend.ThreadModel  { return backend.Parallel }

func (f *Filter) Load() error { return nil }
func (f *Filter) Unload()     {}

func (f *Filter) Open(ctx context.Context, c *backend.Context, next *backend.Opener, readonly bool, exportName string, usingTLS bool) (backend.Handle, error) {
	logger.Info("open", logger.Layer(f.label), logger.LayerIdx(f.idx), logger.Share(exportName))
	if _, err := next.Open(); err != nil {
		logger.Warn("open failed", logger.Layer(f.label), logger.LayerIdx(f.idx), logger.Err(err))
		return nil, err
	}
	return f, nil
}

func (f *Filter) Prepare(ctx context.Context, c *backend.Context, readonly bool) error { return nil }
func (f *Filter) Finalize(ctx context.Context, c *backend.Context) error               { return nil }

func (f *Filter) Close(ctx context.Context, c *backend.Context) {
	logger.Info("close", logger.Layer(f.label), logger.LayerIdx(f.idx))
}

func (f *Filter) GetSize(ctx context.Context, c *backend.Context) (int64, error) {
	return pipeline.GetSize(ctx, c.Next())
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

func (f *Filter) logResult(op string, start time.Time, offset, count uint64, err error) {
	dur := logger.DurationMs(float64(time.Since(start).Microseconds()) / 1000.0)
	if err != nil {
		logger.Warn(op+" failed", logger.Layer(f.label), logger.LayerIdx(f.idx),
			logger.Offset(offset), logger.Count(count), dur, logger.Err(err),
			logger.ErrorCode(int(errno.Of(err))))
		return
	}
	logger.Info(op, logger.Layer(f.label), logger.LayerIdx(f.idx),
		logger.Offset(offset), logger.Count(count), dur)
}

func (f *Filter) PRead(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	start := time.Now()
	err := pipeline.PRead(ctx, c.Next(), buf, offset, flags)
	f.logResult("pread", start, offset, uint64(len(buf)), err)
	return err
}

func (f *Filter) PWrite(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	start := time.Now()
	err := pipeline.PWrite(ctx, c.Next(), buf, offset, flags)
	f.logResult("pwrite", start, offset, uint64(len(buf)), err)
	return err
}

func (f *Filter) Flush(ctx context.Context, c *backend.Context, flags backend.Flags) error {
	start := time.Now()
	err := pipeline.Flush(ctx, c.Next(), flags)
	f.logResult("flush", start, 0, 0, err)
	return err
}

func (f *Filter) Trim(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	start := time.Now()
	err := pipeline.Trim(ctx, c.Next(), count, offset, flags)
	f.logResult("trim", start, offset, count, err)
	return err
}

func (f *Filter) Zero(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	start := time.Now()
	err := pipeline.Zero(ctx, c.Next(), count, offset, flags)
	f.logResult("zero", start, offset, count, err)
	return err
}

func (f *Filter) Extents(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags, set *extent.Set) error {
	start := time.Now()
	err := pipeline.Extents(ctx, c.Next(), count, offset, flags, set)
	f.logResult("extents", start, offset, count, err)
	return err
}

func (f *Filter) Cache(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	start := time.Now()
	err := pipeline.Cache(ctx, c.Next(), count, offset, flags)
	f.logResult("cache", start, offset, count, err)
	return err
}
