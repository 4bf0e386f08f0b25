// Package memory implements an in-memory plugin backend: a fixed-size
// byte slice guarded by a mutex. Grounded on nbdkit's memory plugin —
// the simplest possible leaf backend, useful for tests and ephemeral
// exports.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
	"github.com/blockdkit/blockdkit/internal/registry"
)

func init() {
	registry.Global().MustRegisterPlugin("memory", New)
}

// Plugin is an in-memory block device: size bytes, zero-initialized,
// addressable by any connection that opens it. All connections opened
// against one Plugin instance share the same backing buffer.
type Plugin struct {
	idx  int
	size int64

	mu   sync.RWMutex
	data []byte
}

// New constructs a memory plugin from its "size" parameter (bytes; accepts
// a plain integer). "size" is the magic config key.
func New(params map[string]string) (backend.Backend, error) {
	raw, ok := params["size"]
	if !ok {
		return nil, fmt.Errorf("memory: missing required parameter %q", "size")
	}
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || size <= 0 {
		return nil, fmt.Errorf("memory: invalid size %q", raw)
	}
	return &Plugin{size: size, data: make([]byte, size)}, nil
}

func (p *Plugin) Name() string              { return "memory" }
func (p *Plugin) Kind() backend.Kind        { return backend.KindPlugin }
func (p *Plugin) Index() int                { return p.idx }
func (p *Plugin) SetIndex(i int)            { p.idx = i }
func (p *Plugin) Successor() backend.Backend { return nil }

// ThreadModel is Parallel: reads and writes are independently locked per
// request, so concurrent requests on the same connection are safe.
func (p *Plugin) ThreadModel() backend.ThreadModel { return backend.Parallel }

func (p *Plugin) Load() error { return nil }
func (p *Plugin) Unload()     {}

func (p *Plugin) Open(ctx context.Context, c *backend.Context, next *backend.Opener, readonly bool, exportName string, usingTLS bool) (backend.Handle, error) {
	return p, nil
}

func (p *Plugin) Prepare(ctx context.Context, c *backend.Context, readonly bool) error { return nil }
func (p *Plugin) Finalize(ctx context.Context, c *backend.Context) error               { return nil }
func (p *Plugin) Close(ctx context.Context, c *backend.Context)                        {}

func (p *Plugin) GetSize(ctx context.Context, c *backend.Context) (int64, error) { return p.size, nil }

func (p *Plugin) BlockSize(ctx context.Context, c *backend.Context) (uint32, uint32, uint32, error) {
	return 1, 4096, 0xffffffff, nil
}

func (p *Plugin) CanWrite(ctx context.Context, c *backend.Context) (bool, error)     { return true, nil }
func (p *Plugin) CanFlush(ctx context.Context, c *backend.Context) (bool, error)     { return true, nil }
func (p *Plugin) IsRotational(ctx context.Context, c *backend.Context) (bool, error) { return false, nil }
func (p *Plugin) CanTrim(ctx context.Context, c *backend.Context) (bool, error)      { return true, nil }
func (p *Plugin) CanExtents(ctx context.Context, c *backend.Context) (bool, error)   { return false, nil }

// CanMultiConn is true: the shared byte slice and RWMutex make concurrent
// connections safe.
func (p *Plugin) CanMultiConn(ctx context.Context, c *backend.Context) (bool, error) { return true, nil }

// CanZero is Native: zeroing is a plain memset under the write lock.
func (p *Plugin) CanZero(ctx context.Context, c *backend.Context) (backend.ZeroMode, error) {
	return backend.ZeroNative, nil
}
func (p *Plugin) CanFastZero(ctx context.Context, c *backend.Context) (bool, error) { return true, nil }

// CanFUA is Native: every write is already durable the instant it
// returns, since there is nothing behind the memory buffer to flush.
func (p *Plugin) CanFUA(ctx context.Context, c *backend.Context) (backend.FUAMode, error) {
	return backend.FUANative, nil
}
func (p *Plugin) CanCache(ctx context.Context, c *backend.Context) (backend.CacheMode, error) {
	return backend.CacheNone, nil
}

func (p *Plugin) ExportDescription(ctx context.Context, c *backend.Context) (string, bool, error) {
	return "in-memory volume", true, nil
}

func (p *Plugin) ListExports(ctx context.Context, c *backend.Context, readonly, usingTLS bool, set *export.Set) error {
	return set.UseDefault()
}

func (p *Plugin) DefaultExport(ctx context.Context, c *backend.Context, readonly, usingTLS bool) (string, bool, error) {
	return "", true, nil
}

func (p *Plugin) PRead(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	copy(buf, p.data[offset:offset+uint64(len(buf))])
	return nil
}

func (p *Plugin) PWrite(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	copy(p.data[offset:offset+uint64(len(buf))], buf)
	return nil
}

func (p *Plugin) Flush(ctx context.Context, c *backend.Context, flags backend.Flags) error { return nil }

func (p *Plugin) Trim(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.data[offset : offset+count])
	return nil
}

func (p *Plugin) Zero(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.data[offset : offset+count])
	return nil
}

func (p *Plugin) Extents(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags, set *extent.Set) error {
	_, err := set.Add(offset, count, 0)
	return err
}

func (p *Plugin) Cache(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	return nil
}
