// Package errorinject implements a filter that injects configured errors
// into a fraction of requests, optionally gated on the presence of a
// trigger file, for exercising a client's error-handling paths. Grounded
// on nbdkit's error filter (original_source/filters/error/error.c).
package errorinject

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/errno"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
	"github.com/blockdkit/blockdkit/internal/pipeline"
	"github.com/blockdkit/blockdkit/internal/registry"
)

func init() {
	registry.Global().MustRegisterFilter("error", New)
}

var byName = map[string]errno.Errno{
	"EPERM":     errno.EPERM,
	"EIO":       errno.EIO,
	"ENOMEM":    errno.ENOMEM,
	"EINVAL":    errno.EINVAL,
	"ENOSPC":    errno.ENOSPC,
	"ESHUTDOWN": errno.ESHUTDOWN,
}

// setting holds the per-operation error to inject, its rate in [0,1], and
// an optional trigger file whose presence gates injection on.
type setting struct {
	code Errno
	rate float64
	file string
}

// Errno is a type alias to keep setting's zero value meaningful without
// importing errno twice under different names in this file.
type Errno = errno.Errno

func defaultSetting() setting { return setting{code: errno.EIO} }

// Filter injects configured errors into a subset of requests.
type Filter struct {
	idx       int
	successor backend.Backend

	mu   sync.Mutex
	rng  *rand.Rand
	pread, pwrite, trim, zero, extents, cache setting
}

// New constructs the error filter from its "error"/"error-OP",
// "error-rate"/"error-OP-rate", and "error-file"/"error-OP-file"
// parameters, where OP is one of pread, pwrite, trim, zero, extents,
// cache. A bare "error"/"error-rate"/"error-file" sets the default for
// every operation; the "-OP" forms override it individually.
func New(successor backend.Backend, params map[string]string) (backend.Backend, error) {
	f := &Filter{
		successor: successor,
		rng:       rand.New(rand.NewSource(1)),
		pread:     defaultSetting(), pwrite: defaultSetting(), trim: defaultSetting(),
		zero: defaultSetting(), extents: defaultSetting(), cache: defaultSetting(),
	}

	if v, ok := params["error"]; ok {
		code, err := parseError(v)
		if err != nil {
			return nil, err
		}
		f.pread.code, f.pwrite.code, f.trim.code = code, code, code
		f.zero.code, f.extents.code, f.cache.code = code, code, code
	}
	if v, ok := params["error-rate"]; ok {
		rate, err := parseRate(v)
		if err != nil {
			return nil, err
		}
		f.pread.rate, f.pwrite.rate, f.trim.rate = rate, rate, rate
		f.zero.rate, f.extents.rate, f.cache.rate = rate, rate, rate
	}
	if v, ok := params["error-file"]; ok {
		f.pread.file, f.pwrite.file, f.trim.file = v, v, v
		f.zero.file, f.extents.file, f.cache.file = v, v, v
	}

	ops := map[string]*setting{
		"pread": &f.pread, "pwrite": &f.pwrite, "trim": &f.trim,
		"zero": &f.zero, "extents": &f.extents, "cache": &f.cache,
	}
	for op, s := range ops {
		if v, ok := params["error-"+op]; ok {
			code, err := parseError(v)
			if err != nil {
				return nil, err
			}
			s.code = code
		}
		if v, ok := params["error-"+op+"-rate"]; ok {
			rate, err := parseRate(v)
			if err != nil {
				return nil, err
			}
			s.rate = rate
		}
		if v, ok := params["error-"+op+"-file"]; ok {
			s.file = v
		}
	}
	return f, nil
}

func parseError(v string) (Errno, error) {
	code, ok := byName[v]
	if !ok {
		return 0, fmt.Errorf("error: unknown error name %q", v)
	}
	return code, nil
}

func parseRate(v string) (float64, error) {
	v = strings.TrimSpace(v)
	pct := strings.HasSuffix(v, "%")
	v = strings.TrimSuffix(v, "%")
	d, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("error: could not parse rate %q", v)
	}
	if pct {
		d /= 100.0
	}
	if d < 0 || d > 1 {
		return 0, fmt.Errorf("error: rate out of range: %q", v)
	}
	return d, nil
}

// inject decides, per s's rate and optional trigger file, whether to
// inject s's configured error, returning it if so.
func (f *Filter) inject(s *setting) error {
	if s.rate <= 0 {
		return nil
	}
	if s.file != "" {
		if _, err := os.Stat(s.file); err != nil {
			return nil
		}
	}
	if s.rate < 1 {
		f.mu.Lock()
		r := f.rng.Float64()
		f.mu.Unlock()
		if r >= s.rate {
			return nil
		}
	}
	return errno.New(s.code, "injected")
}

func (f *Filter) Name() string                     { return "error" }
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
	if err := f.inject(&f.pread); err != nil {
		return err
	}
	return pipeline.PRead(ctx, c.Next(), buf, offset, flags)
}

func (f *Filter) PWrite(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	if err := f.inject(&f.pwrite); err != nil {
		return err
	}
	return pipeline.PWrite(ctx, c.Next(), buf, offset, flags)
}

func (f *Filter) Flush(ctx context.Context, c *backend.Context, flags backend.Flags) error {
	return pipeline.Flush(ctx, c.Next(), flags)
}

func (f *Filter) Trim(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	if err := f.inject(&f.trim); err != nil {
		return err
	}
	return pipeline.Trim(ctx, c.Next(), count, offset, flags)
}

func (f *Filter) Zero(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	if err := f.inject(&f.zero); err != nil {
		return err
	}
	return pipeline.Zero(ctx, c.Next(), count, offset, flags)
}

func (f *Filter) Extents(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags, set *extent.Set) error {
	if err := f.inject(&f.extents); err != nil {
		return err
	}
	return pipeline.Extents(ctx, c.Next(), count, offset, flags, set)
}

func (f *Filter) Cache(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	if err := f.inject(&f.cache); err != nil {
		return err
	}
	return pipeline.Cache(ctx, c.Next(), count, offset, flags)
}
