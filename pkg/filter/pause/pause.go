// Package pause implements a filter that can suspend all data-path
// traffic on command, controlled over a Unix domain socket: writing 'p'
// pauses (new requests block until resumed; in-flight requests still
// drain), 'r' resumes. Grounded on nbdkit's pause filter
// (original_source/filters/pause/pause.c).
package pause

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
	"github.com/blockdkit/blockdkit/internal/logger"
	"github.com/blockdkit/blockdkit/internal/pipeline"
	"github.com/blockdkit/blockdkit/internal/registry"
)

func init() {
	registry.Global().MustRegisterFilter("pause", New)
}

// Filter gates every data-path request behind a pause/resume switch
// operated over a control socket. gate.RLock is held for the duration of
// each request; pausing takes gate.Lock, which blocks until every
// in-flight request's RLock has been released, mirroring the C filter's
// mutex-plus-in-flight-counter design with a single RWMutex.
type Filter struct {
	idx       int
	successor backend.Backend

	sockPath string
	listener net.Listener
	gate     sync.RWMutex
	paused   bool
	pauseMu  sync.Mutex
}

// New constructs the pause filter from its required "pause-control"
// parameter, the path of the Unix domain control socket to create.
func New(successor backend.Backend, params map[string]string) (backend.Backend, error) {
	sockPath, ok := params["pause-control"]
	if !ok {
		return nil, fmt.Errorf("pause: missing required parameter %q", "pause-control")
	}

	os.Remove(sockPath)
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("pause: listen on %s: %w", sockPath, err)
	}

	f := &Filter{successor: successor, sockPath: sockPath, listener: ln}
	go f.acceptLoop()
	return f, nil
}

func (f *Filter) acceptLoop() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		f.serveControl(conn)
	}
}

// serveControl handles one control connection at a time, matching the
// original's single-connection accept loop: commands are single bytes,
// 'p' pauses, 'r' resumes, whitespace is ignored, anything else echoes
// 'X'. Each command's upper-cased byte is echoed back as acknowledgment.
func (f *Filter) serveControl(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		switch b {
		case 'p', 'P':
			f.pause()
			b = 'P'
		case 'r', 'R':
			f.resume()
			b = 'R'
		case '\n', '\t', ' ':
			continue
		default:
			b = 'X'
		}
		if _, err := conn.Write([]byte{b}); err != nil {
			return
		}
	}
}

func (f *Filter) pause() {
	f.pauseMu.Lock()
	defer f.pauseMu.Unlock()
	if f.paused {
		return
	}
	logger.Info("pause: pausing, waiting for in-flight requests to complete")
	f.gate.Lock()
	f.paused = true
	logger.Info("pause: paused")
}

func (f *Filter) resume() {
	f.pauseMu.Lock()
	defer f.pauseMu.Unlock()
	if !f.paused {
		return
	}
	f.paused = false
	f.gate.Unlock()
	logger.Info("pause: resumed")
}

func (f *Filter) Name() string                     { return "pause" }
func (f *Filter) Kind() backend.Kind                { return backend.KindFilter }
func (f *Filter) Index() int                        { return f.idx }
func (f *Filter) SetIndex(i int)                    { f.idx = i }
func (f *Filter) Successor() backend.Backend        { return f.successor }
func (f *Filter) ThreadModel() backend.ThreadModel  { return backend.Parallel }

func (f *Filter) Load() error { return nil }
func (f *Filter) Unload()     {
	f.listener.Close()
	os.Remove(f.sockPath)
}

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
	f.gate.RLock()
	defer f.gate.RUnlock()
	return pipeline.PRead(ctx, c.Next(), buf, offset, flags)
}

func (f *Filter) PWrite(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	f.gate.RLock()
	defer f.gate.RUnlock()
	return pipeline.PWrite(ctx, c.Next(), buf, offset, flags)
}

func (f *Filter) Flush(ctx context.Context, c *backend.Context, flags backend.Flags) error {
	f.gate.RLock()
	defer f.gate.RUnlock()
	return pipeline.Flush(ctx, c.Next(), flags)
}

func (f *Filter) Trim(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	f.gate.RLock()
	defer f.gate.RUnlock()
	return pipeline.Trim(ctx, c.Next(), count, offset, flags)
}

func (f *Filter) Zero(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	f.gate.RLock()
	defer f.gate.RUnlock()
	return pipeline.Zero(ctx, c.Next(), count, offset, flags)
}

func (f *Filter) Extents(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags, set *extent.Set) error {
	f.gate.RLock()
	defer f.gate.RUnlock()
	return pipeline.Extents(ctx, c.Next(), count, offset, flags, set)
}

func (f *Filter) Cache(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	f.gate.RLock()
	defer f.gate.RUnlock()
	return pipeline.Cache(ctx, c.Next(), count, offset, flags)
}
