// Package cache implements two independent caching concerns in one
// filter: a block-status (extents) cache, grounded on nbdkit's
// cacheextents filter (original_source/filters/cacheextents/
// cacheextents.c), and an optional write-back data cache, adapted from
// dittofs's pkg/cache block-buffer model (coverage bitmap per
// block) and pkg/flusher's background-worker shape, but scoped down
// from their content-addressed chunk/block/upload pipeline to a plain
// byte-addressed block cache sitting in front of any backend.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
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
	registry.Global().MustRegisterFilter("cache", New)
}

const (
	defaultBlockSize        = 1 << 20 // 1MiB
	defaultFlushInterval     = 5 * time.Second
	coverageGranularity      = 64
	coverageBitsPerWord      = 64
)

// Filter is the combined extents-cache and write-back data-cache
// filter. The extents cache is always active; the data cache only
// runs when cache-mode=writeback.
type Filter struct {
	idx       int
	successor backend.Backend

	// extents cache: a single cached window of the last extents() answer,
	// invalidated wholesale by any write/trim/zero, exactly like
	// cacheextents.c's cache_extents/cache_start/cache_end/kill_cacheextents.
	extMu    sync.Mutex
	ext      *extent.Set
	extValid bool

	writeBack     bool
	blockSize     uint64
	flushInterval time.Duration

	dataMu sync.Mutex
	blocks map[uint64]*blockEntry

	// nextMu guards next, the successor-side context captured at Open
	// time so the background flusher (which runs independently of any
	// single request) has somewhere to write dirty blocks through to.
	nextMu sync.Mutex
	next   *backend.Context

	stop    chan struct{}
	stopped chan struct{}
	started sync.Once
}

// blockEntry is one fixed-size block's cached content, adapted from
// pkg/cache/types.go's blockBuffer: a data buffer plus a coverage
// bitmap marking which bytes are valid, and a dirty flag instead of
// dittofs's richer upload-state machine (there is no content store
// underneath this filter to stage uploads for).
type blockEntry struct {
	data     []byte
	coverage []uint64
	dirty    bool
}

// New constructs the cache filter from "cache-mode" (extents|writeback,
// default extents), "cache-block-size" (default 1MiB, writeback mode
// only), and "cache-flush-interval" (default 5s, writeback mode only).
func New(successor backend.Backend, params map[string]string) (backend.Backend, error) {
	f := &Filter{
		successor:     successor,
		blockSize:     defaultBlockSize,
		flushInterval: defaultFlushInterval,
		blocks:        make(map[uint64]*blockEntry),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	switch v := params["cache-mode"]; v {
	case "", "extents":
		f.writeBack = false
	case "writeback":
		f.writeBack = true
	default:
		return nil, fmt.Errorf("cache: unrecognized cache-mode %q", v)
	}

	if v, ok := params["cache-block-size"]; ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("cache: invalid cache-block-size %q", v)
		}
		f.blockSize = n
	}

	if v, ok := params["cache-flush-interval"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("cache: invalid cache-flush-interval %q", v)
		}
		f.flushInterval = d
	}

	return f, nil
}

func (f *Filter) Name() string                     { return "cache" }
func (f *Filter) Kind() backend.Kind                { return backend.KindFilter }
func (f *Filter) Index() int                        { return f.idx }
func (f *Filter) SetIndex(i int)                    { f.idx = i }
func (f *Filter) Successor() backend.Backend        { return f.successor }
func (f *Filter) ThreadModel() backend.ThreadModel  { return backend.Parallel }

func (f *Filter) Load() error { return nil }

// Unload stops the background flusher (if running) after a final
// flush, draining dirty blocks the way BackgroundUploader.Stop drains
// its queue before returning.
func (f *Filter) Unload() {
	select {
	case <-f.stop:
		return // already stopped
	default:
	}
	close(f.stop)
	f.started.Do(func() { close(f.stopped) }) // flusher never started
	<-f.stopped
}

func (f *Filter) Open(ctx context.Context, c *backend.Context, next *backend.Opener, readonly bool, exportName string, usingTLS bool) (backend.Handle, error) {
	if _, err := next.Open(); err != nil {
		return nil, err
	}

	f.nextMu.Lock()
	f.next = c.Next()
	f.nextMu.Unlock()

	if f.writeBack {
		f.started.Do(func() { go f.backgroundFlush() })
	}
	return f, nil
}

func (f *Filter) backgroundFlush() {
	defer close(f.stopped)
	ticker := time.NewTicker(f.flushInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-f.stop:
			if err := f.flushDirty(ctx); err != nil {
				logger.Error("cache: final flush failed", logger.Err(err))
			}
			return
		case <-ticker.C:
			if err := f.flushDirty(ctx); err != nil {
				logger.Error("cache: background flush failed", logger.Err(err))
			}
		}
	}
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

// ============================================================================
// Extents cache
// ============================================================================

func (f *Filter) invalidateExtents() {
	f.extMu.Lock()
	f.ext = nil
	f.extValid = false
	f.extMu.Unlock()
}

// Extents answers from the cached window when offset falls inside it,
// trimmed to [offset, offset+count), exactly like cacheextents_extents's
// "offset >= cache_start && offset < cache_end" cache-hit test. On a
// miss, it queries the successor for the requested window and replaces
// the cache with that answer, mirroring fill().
func (f *Filter) Extents(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags, set *extent.Set) error {
	f.extMu.Lock()
	if f.extValid && offset >= f.ext.Start() && offset < f.ext.End() {
		cached := *f.ext
		cached.TrimTo(offset, offset+count)
		records := cached.Records()
		f.extMu.Unlock()
		for _, r := range records {
			if _, err := set.Add(r.Offset, r.Length, r.Type); err != nil {
				return err
			}
		}
		return nil
	}
	f.extMu.Unlock()

	fresh, err := extent.New(offset, offset+count)
	if err != nil {
		return err
	}
	if err := pipeline.Extents(ctx, c.Next(), count, offset, flags, fresh); err != nil {
		return err
	}

	f.extMu.Lock()
	f.ext = fresh
	f.extValid = true
	f.extMu.Unlock()

	for _, r := range fresh.Records() {
		if _, err := set.Add(r.Offset, r.Length, r.Type); err != nil {
			return err
		}
	}
	return nil
}

func (f *Filter) Cache(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	return pipeline.Cache(ctx, c.Next(), count, offset, flags)
}

// ============================================================================
// Write-back data cache
// ============================================================================

func (f *Filter) PRead(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	if !f.writeBack {
		return pipeline.PRead(ctx, c.Next(), buf, offset, flags)
	}

	pos := offset
	remaining := buf
	for len(remaining) > 0 {
		block := pos / f.blockSize
		within := pos % f.blockSize
		n := f.blockSize - within
		if n > uint64(len(remaining)) {
			n = uint64(len(remaining))
		}

		f.dataMu.Lock()
		e, ok := f.blocks[block]
		covered := ok && isRangeCovered(e.coverage, uint32(within), uint32(n))
		var snapshot []byte
		if covered {
			snapshot = append([]byte(nil), e.data[within:within+n]...)
		}
		f.dataMu.Unlock()

		if covered {
			copy(remaining[:n], snapshot)
		} else {
			if err := pipeline.PRead(ctx, c.Next(), remaining[:n], pos, flags); err != nil {
				return err
			}
		}
		remaining = remaining[n:]
		pos += n
	}
	return nil
}

func (f *Filter) PWrite(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	f.invalidateExtents()
	if !f.writeBack {
		return pipeline.PWrite(ctx, c.Next(), buf, offset, flags)
	}

	pos := offset
	remaining := buf
	for len(remaining) > 0 {
		block := pos / f.blockSize
		within := pos % f.blockSize
		n := f.blockSize - within
		if n > uint64(len(remaining)) {
			n = uint64(len(remaining))
		}

		f.dataMu.Lock()
		e, ok := f.blocks[block]
		if !ok {
			e = &blockEntry{data: make([]byte, f.blockSize), coverage: newCoverageBitmap(f.blockSize)}
			f.blocks[block] = e
		}
		copy(e.data[within:within+n], remaining[:n])
		markCoverage(e.coverage, uint32(within), uint32(n))
		e.dirty = true
		f.dataMu.Unlock()

		remaining = remaining[n:]
		pos += n
	}

	if flags&backend.FlagFUA != 0 {
		return f.flushDirty(ctx)
	}
	return nil
}

func (f *Filter) Flush(ctx context.Context, c *backend.Context, flags backend.Flags) error {
	if f.writeBack {
		if err := f.flushDirty(ctx); err != nil {
			return err
		}
	}
	return pipeline.Flush(ctx, c.Next(), flags)
}

func (f *Filter) Trim(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	f.invalidateExtents()
	if f.writeBack {
		f.dropRange(offset, count)
	}
	return pipeline.Trim(ctx, c.Next(), count, offset, flags)
}

func (f *Filter) Zero(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	f.invalidateExtents()
	if f.writeBack {
		f.dropRange(offset, count)
	}
	return pipeline.Zero(ctx, c.Next(), count, offset, flags)
}

// dropRange removes any cached blocks fully or partially overlapping
// [offset, offset+count), since trim/zero change their content without
// going through the normal write path; the next read falls through to
// the successor instead of serving stale cached bytes.
func (f *Filter) dropRange(offset, count uint64) {
	first := offset / f.blockSize
	last := (offset + count - 1) / f.blockSize
	f.dataMu.Lock()
	for b := first; b <= last; b++ {
		delete(f.blocks, b)
	}
	f.dataMu.Unlock()
}

// flushDirty writes every dirty block's covered ranges through to the
// successor and clears the dirty flag, the write-back analogue of
// BackgroundUploader's queue drain.
func (f *Filter) flushDirty(ctx context.Context) error {
	f.dataMu.Lock()
	dirty := make([]uint64, 0)
	for b, e := range f.blocks {
		if e.dirty {
			dirty = append(dirty, b)
		}
	}
	f.dataMu.Unlock()

	f.nextMu.Lock()
	next := f.next
	f.nextMu.Unlock()
	if next == nil {
		return nil // nothing has opened yet
	}

	for _, b := range dirty {
		f.dataMu.Lock()
		e, ok := f.blocks[b]
		if !ok || !e.dirty {
			f.dataMu.Unlock()
			continue
		}
		data := append([]byte(nil), e.data...)
		f.dataMu.Unlock()

		if err := pipeline.PWrite(ctx, next, data, b*f.blockSize, 0); err != nil {
			return errno.New(errno.EIO, "cache: flush failed")
		}

		f.dataMu.Lock()
		if e, ok := f.blocks[b]; ok {
			e.dirty = false
		}
		f.dataMu.Unlock()
	}
	return nil
}

// ============================================================================
// Coverage bitmap helpers, adapted from pkg/cache/types.go
// ============================================================================

func newCoverageBitmap(blockSize uint64) []uint64 {
	words := blockSize / coverageGranularity / coverageBitsPerWord
	if words == 0 {
		words = 1
	}
	return make([]uint64, words)
}

func markCoverage(coverage []uint64, offset, length uint32) {
	if length == 0 || coverage == nil {
		return
	}
	startBit := offset / coverageGranularity
	endBit := (offset + length - 1) / coverageGranularity
	for bit := startBit; bit <= endBit; bit++ {
		word := bit / coverageBitsPerWord
		bitInWord := bit % coverageBitsPerWord
		if int(word) < len(coverage) {
			coverage[word] |= 1 << bitInWord
		}
	}
}

func isRangeCovered(coverage []uint64, offset, length uint32) bool {
	if length == 0 {
		return true
	}
	if coverage == nil {
		return false
	}
	startBit := offset / coverageGranularity
	endBit := (offset + length - 1) / coverageGranularity
	for bit := startBit; bit <= endBit; bit++ {
		word := bit / coverageBitsPerWord
		bitInWord := bit % coverageBitsPerWord
		if int(word) >= len(coverage) || coverage[word]&(1<<bitInWord) == 0 {
			return false
		}
	}
	return true
}
