// Package exitwhen implements a filter that watches for configured
// external events — a trigger file appearing, a trigger file disappearing,
// or a script exiting with status 88 — and requests process shutdown once
// one occurs, polling at a configurable interval in a background
// goroutine. Grounded on nbdkit's exitwhen filter
// (original_source/filters/exitwhen/exitwhen.c), trimmed to the
// platform-portable event kinds (file-created, file-deleted, script);
// the original's process-exits and fd-closed event kinds depend on
// /proc or a caller-supplied file descriptor and have no analogue once
// the filter is driven purely by params.
package exitwhen

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
	"github.com/blockdkit/blockdkit/internal/logger"
	"github.com/blockdkit/blockdkit/internal/pipeline"
	"github.com/blockdkit/blockdkit/internal/registry"
	"github.com/blockdkit/blockdkit/internal/shutdown"
)

func init() {
	registry.Global().MustRegisterFilter("exitwhen", New)
}

type eventKind int

const (
	fileCreated eventKind = iota
	fileDeleted
	script
)

type event struct {
	kind eventKind
	arg  string
}

// Filter polls for configured events and requests shutdown once one is
// observed. Signal exposes the shutdown flag for a wire front-end to
// watch so it can stop accepting new connections once it fires.
type Filter struct {
	idx       int
	successor backend.Backend

	events   []event
	pollEvery time.Duration
	signal   *shutdown.Signal

	once sync.Once
	stop chan struct{}
}

// New constructs the exitwhen filter. Recognizes "exit-when-file-created",
// "exit-when-file-deleted", and "exit-when-script" (repeatable via
// suffixed keys exit-when-file-created-2, etc., is not supported — one of
// each event source may be configured) plus an optional "exit-when-poll"
// interval in seconds (default 60).
func New(successor backend.Backend, params map[string]string) (backend.Backend, error) {
	f := &Filter{
		successor: successor,
		signal:    shutdown.New(),
		pollEvery: 60 * time.Second,
		stop:      make(chan struct{}),
	}

	if v, ok := params["exit-when-file-created"]; ok {
		f.events = append(f.events, event{fileCreated, v})
	}
	if v, ok := params["exit-when-file-deleted"]; ok {
		f.events = append(f.events, event{fileDeleted, v})
	}
	if v, ok := params["exit-when-script"]; ok {
		f.events = append(f.events, event{script, v})
	}
	if v, ok := params["exit-when-poll"]; ok {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("exitwhen: invalid exit-when-poll %q", v)
		}
		f.pollEvery = time.Duration(secs) * time.Second
	}
	if len(f.events) == 0 {
		return nil, fmt.Errorf("exitwhen: at least one exit-when-* event must be configured")
	}

	go f.poll()
	return f, nil
}

// Signal exposes the shutdown flag this filter sets once a configured
// event fires, so a wire front-end can watch it and stop serving.
func (f *Filter) Signal() *shutdown.Signal { return f.signal }

func (f *Filter) checkEvent(e event) bool {
	switch e.kind {
	case fileCreated:
		_, err := os.Stat(e.arg)
		return err == nil
	case fileDeleted:
		_, err := os.Stat(e.arg)
		return os.IsNotExist(err)
	case script:
		cmd := exec.Command("sh", "-c", e.arg)
		err := cmd.Run()
		if err == nil {
			return false
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode() == 88
		}
		logger.Warn("exitwhen: script invocation failed", logger.Err(err))
		return false
	}
	return false
}

func (f *Filter) poll() {
	ticker := time.NewTicker(f.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			if f.signal.Quit() {
				return
			}
			for _, e := range f.events {
				if f.checkEvent(e) {
					logger.Info("exitwhen: triggering shutdown")
					f.signal.RequestQuit()
					return
				}
			}
		}
	}
}

func (f *Filter) Name() string                     { return "exitwhen" }
func (f *Filter) Kind() backend.Kind                { return backend.KindFilter }
func (f *Filter) Index() int                        { return f.idx }
func (f *Filter) SetIndex(i int)                    { f.idx = i }
func (f *Filter) Successor() backend.Backend        { return f.successor }
func (f *Filter) ThreadModel() backend.ThreadModel  { return backend.Parallel }

func (f *Filter) Load() error { return nil }
func (f *Filter) Unload()     { f.once.Do(func() { close(f.stop) }) }

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
	return pipeline.PRead(ctx, c.Next(), buf, offset, flags)
}
func (f *Filter) PWrite(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	return pipeline.PWrite(ctx, c.Next(), buf, offset, flags)
}
func (f *Filter) Flush(ctx context.Context, c *backend.Context, flags backend.Flags) error {
	return pipeline.Flush(ctx, c.Next(), flags)
}
func (f *Filter) Trim(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	return pipeline.Trim(ctx, c.Next(), count, offset, flags)
}
func (f *Filter) Zero(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	return pipeline.Zero(ctx, c.Next(), count, offset, flags)
}
func (f *Filter) Extents(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags, set *extent.Set) error {
	return pipeline.Extents(ctx, c.Next(), count, offset, flags, set)
}
func (f *Filter) Cache(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	return pipeline.Cache(ctx, c.Next(), count, offset, flags)
}
