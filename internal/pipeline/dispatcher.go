// Package pipeline implements the dispatcher: the behavioral core that
// walks a backend.Context chain, caches and gates capability answers,
// validates request ranges, and applies the emulation fall-backs (zero
// via write, cache via read-and-discard) a backend does not implement
// natively.
package pipeline

import (
	"context"
	"fmt"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/errno"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
)

// maxEmulatedChunk bounds the size of any single pwrite/pread issued by an
// emulation fall-back. 64 KiB; the wire protocol permits anything >= 4 KiB.
const maxEmulatedChunk = 64 * 1024

// zeroPage is an immutable, shared zero-filled buffer reused across every
// emulated zero call in the process. It must never be written to.
var zeroPage = make([]byte, maxEmulatedChunk)

// Open builds the context chain for top and marks it OPEN. A thin
// re-export of backend.Open so callers only need to import one package
// for the full open/prepare/finalize/close lifecycle.
func Open(ctx context.Context, top backend.Backend, readonly bool, exportName string, usingTLS bool) (*backend.Context, error) {
	return backend.Open(ctx, top, readonly, exportName, usingTLS)
}

// Prepare walks the chain inward-to-outward, innermost first, calling each
// layer's Prepare. On success every context touched is marked CONNECTED.
// On failure the failing context is marked FAILED and Prepare returns that
// error; the contexts outward of it never run Prepare and keep their state.
func Prepare(ctx context.Context, top *backend.Context, readonly bool) error {
	chain := top.Chain()
	for i := len(chain) - 1; i >= 0; i-- {
		c := chain[i]
		if err := c.Backend().Prepare(ctx, c, readonly); err != nil {
			markFailed(c)
			return err
		}
		markConnected(c)
	}
	return nil
}

// Finalize walks the chain outward-to-inward (outermost first). A failure
// marks that context FAILED and stops the walk; remaining inner layers are
// left CONNECTED (their own Close will still run, per the independent
// close() path).
func Finalize(ctx context.Context, top *backend.Context) error {
	chain := top.Chain()
	for _, c := range chain {
		if err := c.Backend().Finalize(ctx, c); err != nil {
			markFailed(c)
			return err
		}
		markOpen(c)
	}
	return nil
}

// Close walks the chain outward-to-inward and is infallible: every layer
// gets a best-effort chance to release its handle regardless of earlier
// failures.
func Close(ctx context.Context, top *backend.Context) {
	for _, c := range top.Chain() {
		c.Backend().Close(ctx, c)
	}
}

func markConnected(c *backend.Context) { c.SetState(backend.StateConnected) }
func markOpen(c *backend.Context)      { c.SetState(backend.StateOpen) }
func markFailed(c *backend.Context)    { c.SetState(backend.StateFailed) }

// checkConnected rejects any data or capability operation on a context
// that has not reached CONNECTED, or that is FAILED.
func checkConnected(c *backend.Context) error {
	switch {
	case c.State()&backend.StateFailed != 0:
		return errno.New(errno.EIO, "connection failed")
	case c.State()&backend.StateConnected == 0:
		return errno.New(errno.EINVAL, "context not connected")
	default:
		return nil
	}
}

// validateRange enforces §4.4's "count > 0 and offset+count <= exportsize"
// check before any backend method is invoked.
func validateRange(ctx context.Context, c *backend.Context, offset, count uint64) error {
	if count == 0 {
		return errno.New(errno.EINVAL, "zero-length request")
	}
	size, err := GetSize(ctx, c)
	if err != nil {
		return err
	}
	if offset > uint64(size) || count > uint64(size)-offset {
		return errno.New(errno.EINVAL, "request exceeds export size")
	}
	return nil
}

// ---- Capability queries: cached, gated ----

// GetSize returns the export size, querying and caching it on first use.
func GetSize(ctx context.Context, c *backend.Context) (int64, error) {
	if v, ok := c.CachedSize(); ok {
		return v, nil
	}
	v, err := c.Backend().GetSize(ctx, c)
	if err != nil {
		return 0, err
	}
	c.CacheSize(v)
	return v, nil
}

// BlockSize returns (min, preferred, max), querying and caching on first use.
func BlockSize(ctx context.Context, c *backend.Context) (min, preferred, max uint32, err error) {
	if a, b, m, ok := c.CachedBlockSize(); ok {
		return a, b, m, nil
	}
	a, b, m, err := c.Backend().BlockSize(ctx, c)
	if err != nil {
		return 0, 0, 0, err
	}
	c.CacheBlockSize(a, b, m)
	return a, b, m, nil
}

// CanWrite reports whether the pipeline accepts pwrite/trim/zero.
func CanWrite(ctx context.Context, c *backend.Context) (bool, error) {
	if v, ok := c.CachedWrite(); ok {
		return v, nil
	}
	v, err := c.Backend().CanWrite(ctx, c)
	if err != nil {
		return false, err
	}
	c.CacheWrite(v)
	return v, nil
}

// CanFlush reports whether flush is supported.
func CanFlush(ctx context.Context, c *backend.Context) (bool, error) {
	if v, ok := c.CachedFlush(); ok {
		return v, nil
	}
	v, err := c.Backend().CanFlush(ctx, c)
	if err != nil {
		return false, err
	}
	c.CacheFlush(v)
	return v, nil
}

// IsRotational reports whether the export should be advertised as a
// spinning disk (affects client I/O scheduling hints only).
func IsRotational(ctx context.Context, c *backend.Context) (bool, error) {
	if v, ok := c.CachedRotational(); ok {
		return v, nil
	}
	v, err := c.Backend().IsRotational(ctx, c)
	if err != nil {
		return false, err
	}
	c.CacheRotational(v)
	return v, nil
}

// CanTrim reports whether trim is supported. Gated: if CanWrite is false,
// returns false without asking the backend.
func CanTrim(ctx context.Context, c *backend.Context) (bool, error) {
	write, err := CanWrite(ctx, c)
	if err != nil {
		return false, err
	}
	if !write {
		return false, nil
	}
	if v, ok := c.CachedTrim(); ok {
		return v, nil
	}
	v, err := c.Backend().CanTrim(ctx, c)
	if err != nil {
		return false, err
	}
	c.CacheTrim(v)
	return v, nil
}

// CanExtents reports whether the backend answers block-status queries
// natively.
func CanExtents(ctx context.Context, c *backend.Context) (bool, error) {
	if v, ok := c.CachedExtents(); ok {
		return v, nil
	}
	v, err := c.Backend().CanExtents(ctx, c)
	if err != nil {
		return false, err
	}
	c.CacheExtents(v)
	return v, nil
}

// CanMultiConn reports whether more than one connection may safely share
// this export. See the "multi-conn safety combined with writers" design
// note: any layer declaring SerializeConnections forces this false for the
// whole pipeline, which EffectiveMultiConn applies on top of this per-layer
// answer.
func CanMultiConn(ctx context.Context, c *backend.Context) (bool, error) {
	if v, ok := c.CachedMultiConn(); ok {
		return v, nil
	}
	v, err := c.Backend().CanMultiConn(ctx, c)
	if err != nil {
		return false, err
	}
	c.CacheMultiConn(v)
	return v, nil
}

// CanZero reports the zero tri-state. Gated: if CanWrite is false, returns
// ZeroNone without asking the backend.
func CanZero(ctx context.Context, c *backend.Context) (backend.ZeroMode, error) {
	write, err := CanWrite(ctx, c)
	if err != nil {
		return backend.ZeroNone, err
	}
	if !write {
		return backend.ZeroNone, nil
	}
	if v, ok := c.CachedZero(); ok {
		return v, nil
	}
	v, err := c.Backend().CanZero(ctx, c)
	if err != nil {
		return backend.ZeroNone, err
	}
	c.CacheZero(v)
	return v, nil
}

// CanFastZero reports whether zero can be satisfied at native speed
// without a fallback loop. Gated: requires CanZero >= Emulate.
func CanFastZero(ctx context.Context, c *backend.Context) (bool, error) {
	zero, err := CanZero(ctx, c)
	if err != nil {
		return false, err
	}
	if zero < backend.ZeroEmulate {
		return false, nil
	}
	if v, ok := c.CachedFastZero(); ok {
		return v, nil
	}
	v, err := c.Backend().CanFastZero(ctx, c)
	if err != nil {
		return false, err
	}
	c.CacheFastZero(v)
	return v, nil
}

// CanFUA reports the FUA tri-state. Gated: if CanWrite is false, returns
// FUANone without asking the backend.
func CanFUA(ctx context.Context, c *backend.Context) (backend.FUAMode, error) {
	write, err := CanWrite(ctx, c)
	if err != nil {
		return backend.FUANone, err
	}
	if !write {
		return backend.FUANone, nil
	}
	if v, ok := c.CachedFUA(); ok {
		return v, nil
	}
	v, err := c.Backend().CanFUA(ctx, c)
	if err != nil {
		return backend.FUANone, err
	}
	c.CacheFUA(v)
	return v, nil
}

// CanCache reports the cache tri-state.
func CanCache(ctx context.Context, c *backend.Context) (backend.CacheMode, error) {
	if v, ok := c.CachedCache(); ok {
		return v, nil
	}
	v, err := c.Backend().CanCache(ctx, c)
	if err != nil {
		return backend.CacheNone, err
	}
	c.CacheCache(v)
	return v, nil
}

// ListExports collects the pipeline's advertised exports and resolves the
// "use default" sentinel against the topmost backend's default export name.
func ListExports(ctx context.Context, c *backend.Context, readonly, usingTLS bool) (*export.Set, error) {
	set := export.New()
	if err := c.Backend().ListExports(ctx, c, readonly, usingTLS, set); err != nil {
		return nil, err
	}
	name, ok, err := c.Backend().DefaultExport(ctx, c, readonly, usingTLS)
	if err != nil {
		return nil, err
	}
	if !ok {
		name = ""
	}
	if err := set.ResolveDefault(name); err != nil {
		return nil, err
	}
	return set, nil
}

// ---- Data operations ----

// PRead delegates a read to the backend. flags must be zero.
func PRead(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	if err := checkConnected(c); err != nil {
		return err
	}
	if flags != 0 {
		return errno.New(errno.EINVAL, "pread: flags must be zero")
	}
	if err := validateRange(ctx, c, offset, uint64(len(buf))); err != nil {
		return err
	}
	return c.Backend().PRead(ctx, c, buf, offset, flags)
}

// PWrite delegates a write. Requires CanWrite; FUA requires CanFUA > None.
func PWrite(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	if err := checkConnected(c); err != nil {
		return err
	}
	if flags&^backend.FlagFUA != 0 {
		return errno.New(errno.EINVAL, "pwrite: unsupported flags")
	}
	if err := validateRange(ctx, c, offset, uint64(len(buf))); err != nil {
		return err
	}
	write, err := CanWrite(ctx, c)
	if err != nil {
		return err
	}
	if !write {
		return errno.New(errno.EPERM, "pwrite: not writable")
	}
	if flags.Has(backend.FlagFUA) {
		fua, err := CanFUA(ctx, c)
		if err != nil {
			return err
		}
		if fua == backend.FUANone {
			return errno.New(errno.EINVAL, "pwrite: FUA not supported")
		}
	}
	return c.Backend().PWrite(ctx, c, buf, offset, flags)
}

// Flush delegates a cache-flush request. Requires CanFlush.
func Flush(ctx context.Context, c *backend.Context, flags backend.Flags) error {
	if err := checkConnected(c); err != nil {
		return err
	}
	if flags != 0 {
		return errno.New(errno.EINVAL, "flush: flags must be zero")
	}
	can, err := CanFlush(ctx, c)
	if err != nil {
		return err
	}
	if !can {
		return errno.New(errno.EINVAL, "flush: not supported")
	}
	return c.Backend().Flush(ctx, c, flags)
}

// Trim delegates a discard request. Requires CanWrite and CanTrim.
func Trim(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	if err := checkConnected(c); err != nil {
		return err
	}
	if flags&^backend.FlagFUA != 0 {
		return errno.New(errno.EINVAL, "trim: unsupported flags")
	}
	if err := validateRange(ctx, c, offset, count); err != nil {
		return err
	}
	write, err := CanWrite(ctx, c)
	if err != nil {
		return err
	}
	trim, err := CanTrim(ctx, c)
	if err != nil {
		return err
	}
	if !write || !trim {
		return errno.New(errno.EPERM, "trim: not supported")
	}
	if flags.Has(backend.FlagFUA) {
		fua, err := CanFUA(ctx, c)
		if err != nil {
			return err
		}
		if fua == backend.FUANone {
			return errno.New(errno.EINVAL, "trim: FUA not supported")
		}
	}
	return c.Backend().Trim(ctx, c, count, offset, flags)
}

// Extents answers a block-status query, synthesizing a single
// allocated-data extent when the backend cannot answer natively.
func Extents(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags, set *extent.Set) error {
	if err := checkConnected(c); err != nil {
		return err
	}
	if flags&^backend.FlagReqOne != 0 {
		return errno.New(errno.EINVAL, "extents: unsupported flags")
	}
	if err := validateRange(ctx, c, offset, count); err != nil {
		return err
	}
	can, err := CanExtents(ctx, c)
	if err != nil {
		return err
	}
	if !can {
		_, err := set.Add(offset, count, 0)
		return err
	}
	return c.Backend().Extents(ctx, c, count, offset, flags, set)
}

// Cache serves a prefetch hint: delegated natively, emulated by reading
// and discarding in bounded chunks, or a no-op rejected with EINVAL if the
// backend cannot support it at all.
func Cache(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	if err := checkConnected(c); err != nil {
		return err
	}
	if flags != 0 {
		return errno.New(errno.EINVAL, "cache: flags must be zero")
	}
	if err := validateRange(ctx, c, offset, count); err != nil {
		return err
	}
	mode, err := CanCache(ctx, c)
	if err != nil {
		return err
	}
	switch mode {
	case backend.CacheNative:
		return c.Backend().Cache(ctx, c, count, offset, flags)
	case backend.CacheEmulate:
		return emulateCache(ctx, c, count, offset)
	default:
		return errno.New(errno.EINVAL, "cache: not supported")
	}
}

func emulateCache(ctx context.Context, c *backend.Context, count, offset uint64) error {
	buf := make([]byte, maxEmulatedChunk)
	for count > 0 {
		n := uint64(len(buf))
		if n > count {
			n = count
		}
		if err := c.Backend().PRead(ctx, c, buf[:n], offset, 0); err != nil {
			return err
		}
		offset += n
		count -= n
	}
	return nil
}

// Zero satisfies a zero-fill request, delegating natively or emulating via
// a chunked write loop.
func Zero(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	if err := checkConnected(c); err != nil {
		return err
	}
	allowed := backend.FlagFUA | backend.FlagMayTrim | backend.FlagFastZero
	if flags&^allowed != 0 {
		return errno.New(errno.EINVAL, "zero: unsupported flags")
	}
	if err := validateRange(ctx, c, offset, count); err != nil {
		return err
	}

	write, err := CanWrite(ctx, c)
	if err != nil {
		return err
	}
	zeroMode, err := CanZero(ctx, c)
	if err != nil {
		return err
	}
	if !write || zeroMode == backend.ZeroNone {
		return errno.New(errno.EPERM, "zero: not supported")
	}

	if flags.Has(backend.FlagFastZero) {
		fast, err := CanFastZero(ctx, c)
		if err != nil {
			return err
		}
		if !fast {
			return errno.New(errno.ENOTSUP, "zero: fast zero not available")
		}
	}
	if flags.Has(backend.FlagFUA) {
		fua, err := CanFUA(ctx, c)
		if err != nil {
			return err
		}
		if fua == backend.FUANone {
			return errno.New(errno.EINVAL, "zero: FUA not supported")
		}
	}

	if zeroMode == backend.ZeroNative {
		return c.Backend().Zero(ctx, c, count, offset, flags)
	}

	// Emulated path. FAST_ZERO must have already failed above, since
	// emulate means native speed is unavailable... but CanFastZero only
	// returns true when CanZero >= Emulate, so an emulate-mode backend
	// that also claims fast zero is a contradiction the backend must not
	// make; defensively re-check here.
	if flags.Has(backend.FlagFastZero) {
		return errno.New(errno.ENOTSUP, "zero: fast zero not available")
	}
	return emulateZero(ctx, c, count, offset, flags)
}

func emulateZero(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	fua, err := CanFUA(ctx, c)
	if err != nil {
		return err
	}
	wantFUA := flags.Has(backend.FlagFUA)

	for count > 0 {
		n := count
		if n > maxEmulatedChunk {
			n = maxEmulatedChunk
		}
		last := n == count

		chunkFlags := backend.Flags(0)
		if wantFUA {
			switch fua {
			case backend.FUANative:
				chunkFlags |= backend.FlagFUA
			case backend.FUAEmulate:
				if last {
					chunkFlags |= backend.FlagFUA
				}
			}
		}

		if err := c.Backend().PWrite(ctx, c, zeroPage[:n], offset, chunkFlags); err != nil {
			if e := errno.Of(err); e == errno.ENOTSUP {
				// Misleading after an emulation fallback; the caller
				// asked for ordinary (non-fast) zero, so surface EIO
				// instead per §4.4.
				return errno.New(errno.EIO, "zero: emulated write failed")
			}
			return err
		}

		offset += n
		count -= n
	}
	return nil
}

// EffectiveThreadModel returns the minimum thread model over the whole
// pipeline, starting at top and walking to the innermost plugin.
func EffectiveThreadModel(top backend.Backend) backend.ThreadModel {
	model := backend.Parallel
	for b := top; b != nil; b = b.Successor() {
		if b.ThreadModel() < model {
			model = b.ThreadModel()
		}
	}
	return model
}

// EffectiveMultiConn reports whether more than one connection may safely
// share this pipeline: every layer must both declare CanMultiConn and not
// require SerializeConnections (a layer holding per-connection state is
// incompatible with being shared across connections regardless of what it
// answers for CanMultiConn).
func EffectiveMultiConn(ctx context.Context, c *backend.Context) (bool, error) {
	for cur := c; cur != nil; cur = cur.Next() {
		if cur.Backend().ThreadModel() == backend.SerializeConnections {
			return false, nil
		}
		v, err := CanMultiConn(ctx, cur)
		if err != nil {
			return false, fmt.Errorf("effective multi-conn: %w", err)
		}
		if !v {
			return false, nil
		}
	}
	return true, nil
}
