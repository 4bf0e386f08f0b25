// Package limit implements a filter that throttles throughput and IOPS
// with token buckets. The buckets belong to the filter instance, so every
// connection through it draws on one shared budget; there is no separate
// per-connection limit. Grounded on cubefs's datanode disk
// quota limiter (datanode/disk.go's per-factor-type rate.Limiter map
// and its allocCheckLimit/WaitN pattern).
package limit

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
	"github.com/blockdkit/blockdkit/internal/pipeline"
	"github.com/blockdkit/blockdkit/internal/registry"
)

func init() {
	registry.Global().MustRegisterFilter("limit", New)
}

// Filter gates PRead/PWrite against separate byte-rate token buckets and
// gates PRead/PWrite/Trim/Zero against separate IOPS token buckets, one
// bucket per direction. A nil bucket means that direction is unlimited.
type Filter struct {
	idx       int
	successor backend.Backend

	readBPS, writeBPS   *rate.Limiter
	readIOPS, writeIOPS  *rate.Limiter
}

// New constructs the limit filter from its "read-bps", "write-bps",
// "read-iops", and "write-iops" parameters. Each is a positive integer
// giving the steady-state rate; burst size equals the rate itself, same
// as cubefs's QosDefaultBurst sizing relative to QosDefaultDiskMaxFLowLimit.
// A parameter left unset or set to 0 leaves that direction unlimited.
func New(successor backend.Backend, params map[string]string) (backend.Backend, error) {
	f := &Filter{successor: successor}

	var err error
	if f.readBPS, err = parseLimiter(params, "read-bps"); err != nil {
		return nil, err
	}
	if f.writeBPS, err = parseLimiter(params, "write-bps"); err != nil {
		return nil, err
	}
	if f.readIOPS, err = parseLimiter(params, "read-iops"); err != nil {
		return nil, err
	}
	if f.writeIOPS, err = parseLimiter(params, "write-iops"); err != nil {
		return nil, err
	}
	return f, nil
}

func parseLimiter(params map[string]string, key string) (*rate.Limiter, error) {
	v, ok := params[key]
	if !ok || v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("limit: invalid %s %q", key, v)
	}
	if n == 0 {
		return nil, nil
	}
	return rate.NewLimiter(rate.Limit(n), int(n)), nil
}

func (f *Filter) Name() string                     { return "limit" }
func (f *Filter) Kind() backend.Kind                { return backend.KindFilter }
func (f *Filter) Index() int                        { return f.idx }
func (f *Filter) SetIndex(i int)                    { f.idx = i }
func (f *Filter) Successor() backend.Backend        { return f.successor }
func (f *Filter) ThreadModel() backend.ThreadModel  { return backend.Parallel }

func (f *Filter) Load() error { return nil }
func (f *Filter) Unload()     {}

func (f *Filter) Open(ctx context.Context, c *backend.Context, next *backend.Opener, readonly bool, exportName string, usingTLS bool) (backend.Handle, error) {
	return next.Open()
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

func (f *Filter) PRead(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	if err := wait(ctx, f.readIOPS, 1); err != nil {
		return err
	}
	if err := waitBytes(ctx, f.readBPS, len(buf)); err != nil {
		return err
	}
	return pipeline.PRead(ctx, c.Next(), buf, offset, flags)
}

func (f *Filter) PWrite(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	if err := wait(ctx, f.writeIOPS, 1); err != nil {
		return err
	}
	if err := waitBytes(ctx, f.writeBPS, len(buf)); err != nil {
		return err
	}
	return pipeline.PWrite(ctx, c.Next(), buf, offset, flags)
}

func (f *Filter) Flush(ctx context.Context, c *backend.Context, flags backend.Flags) error {
	return pipeline.Flush(ctx, c.Next(), flags)
}

func (f *Filter) Trim(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	if err := wait(ctx, f.writeIOPS, 1); err != nil {
		return err
	}
	return pipeline.Trim(ctx, c.Next(), count, offset, flags)
}

func (f *Filter) Zero(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	if err := wait(ctx, f.writeIOPS, 1); err != nil {
		return err
	}
	return pipeline.Zero(ctx, c.Next(), count, offset, flags)
}

func (f *Filter) Extents(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags, set *extent.Set) error {
	if err := wait(ctx, f.readIOPS, 1); err != nil {
		return err
	}
	return pipeline.Extents(ctx, c.Next(), count, offset, flags, set)
}

func (f *Filter) Cache(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	return pipeline.Cache(ctx, c.Next(), count, offset, flags)
}

// wait blocks until n tokens are available from l, or returns ctx's
// error if it's cancelled first. A nil limiter never blocks.
func wait(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil {
		return nil
	}
	return l.WaitN(ctx, n)
}

// waitBytes is wait for byte counts that can exceed the bucket's burst
// size (a single PWrite can be larger than the configured rate), taking
// tokens in burst-sized chunks instead of in one shot.
func waitBytes(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil {
		return nil
	}
	burst := l.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := l.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
