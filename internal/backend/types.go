// Package backend defines the pipeline's core data model: the Backend
// vtable every plugin and filter implements, the per-connection Context
// that holds cached capability answers, and the small value types
// (capability tri-states, thread models, flags) the dispatcher in
// package pipeline operates on.
package backend

import (
	"context"
	"fmt"

	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
)

// Kind distinguishes a leaf plugin from a filter that wraps a successor.
type Kind int

const (
	// KindPlugin is a leaf backend that owns the underlying data source.
	KindPlugin Kind = iota
	// KindFilter wraps a successor backend.
	KindFilter
)

func (k Kind) String() string {
	if k == KindFilter {
		return "filter"
	}
	return "plugin"
}

// ThreadModel is the maximum concurrency a backend can safely accept. The
// server takes the minimum over the whole pipeline (see pipeline.EffectiveThreadModel).
type ThreadModel int

const (
	// SerializeConnections allows at most one connection live at a time.
	SerializeConnections ThreadModel = iota
	// SerializeAllRequests allows at most one request in flight process-wide.
	SerializeAllRequests
	// SerializeRequests allows at most one request per connection.
	SerializeRequests
	// Parallel allows concurrent requests on one connection.
	Parallel
)

func (m ThreadModel) String() string {
	switch m {
	case SerializeConnections:
		return "serialize-connections"
	case SerializeAllRequests:
		return "serialize-all-requests"
	case SerializeRequests:
		return "serialize-requests"
	case Parallel:
		return "parallel"
	default:
		return "unknown"
	}
}

// ZeroMode is the tri-state answer to "can this backend zero a range".
type ZeroMode int

const (
	ZeroNone ZeroMode = iota
	ZeroEmulate
	ZeroNative
)

// FUAMode is the tri-state answer to "does this backend support force-unit-access".
type FUAMode int

const (
	FUANone FUAMode = iota
	FUAEmulate
	FUANative
)

// CacheMode is the tri-state answer to "can this backend prefetch/cache a range".
type CacheMode int

const (
	CacheNone CacheMode = iota
	CacheEmulate
	CacheNative
)

// Flags is the per-request flag bitset passed to data operations.
type Flags uint32

const (
	// FlagFUA requires the operation not return success until durable.
	FlagFUA Flags = 1 << iota
	// FlagMayTrim permits a zero operation to trim instead of writing zeroes.
	FlagMayTrim
	// FlagFastZero requires a zero operation fail fast if it cannot be done
	// at native speed, rather than falling back to an emulated write loop.
	FlagFastZero
	// FlagReqOne asks an extents query to return at most one extent.
	FlagReqOne
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Handle is the opaque per-layer value produced by Open and threaded
// through the rest of a context's lifetime. Only the backend that created
// it interprets its contents.
type Handle any

// State is the bitmask tracking a Context's position in the lifecycle
// state machine. Transitions are monotonic forward except for
// the CONNECTED->OPEN transition on a successful Finalize.
type State int

const (
	StateOpen State = 1 << iota
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch {
	case s&StateFailed != 0:
		return "FAILED"
	case s&StateConnected != 0:
		return "CONNECTED"
	case s&StateOpen != 0:
		return "OPEN"
	default:
		return "CLOSED"
	}
}

// ErrNoSuccessor is returned by Opener.Open when called on a plugin (leaf)
// backend, which has no successor to open.
var ErrNoSuccessor = fmt.Errorf("backend: no successor to open")

// Backend is the vtable every plugin and filter implements. Every method
// receives the Context for its own layer; filters reach their successor
// via Context.Next(). Introspection and data methods are invoked by the
// pipeline dispatcher, which performs capability caching and gating
// before the call reaches here — backend implementations should assume
// preconditions have already been checked.
type Backend interface {
	Name() string
	Kind() Kind
	// Index is this backend's position in the pipeline: 0 for the
	// innermost plugin, increasing outward.
	Index() int
	SetIndex(i int)
	// Successor returns the wrapped backend for a filter, nil for a plugin.
	Successor() Backend
	ThreadModel() ThreadModel

	// Load/Unload run once per backend, process-wide, bracketing all
	// connections.
	Load() error
	Unload()

	// Open creates this layer's handle. next.Open() recurses into the
	// successor; a filter may skip calling it to short-circuit the inner
	// layers entirely.
	Open(ctx context.Context, c *Context, next *Opener, readonly bool, exportName string, usingTLS bool) (Handle, error)
	// Prepare/Finalize/Close bracket the data-transfer phase of one
	// context. The dispatcher invokes these across the whole chain,
	// Prepare innermost-first and Finalize/Close outermost-first;
	// implementations only handle their own layer.
	Prepare(ctx context.Context, c *Context, readonly bool) error
	Finalize(ctx context.Context, c *Context) error
	Close(ctx context.Context, c *Context)

	GetSize(ctx context.Context, c *Context) (int64, error)
	BlockSize(ctx context.Context, c *Context) (min, preferred, max uint32, err error)
	CanWrite(ctx context.Context, c *Context) (bool, error)
	CanFlush(ctx context.Context, c *Context) (bool, error)
	IsRotational(ctx context.Context, c *Context) (bool, error)
	CanTrim(ctx context.Context, c *Context) (bool, error)
	CanExtents(ctx context.Context, c *Context) (bool, error)
	CanMultiConn(ctx context.Context, c *Context) (bool, error)
	CanZero(ctx context.Context, c *Context) (ZeroMode, error)
	CanFastZero(ctx context.Context, c *Context) (bool, error)
	CanFUA(ctx context.Context, c *Context) (FUAMode, error)
	CanCache(ctx context.Context, c *Context) (CacheMode, error)
	ExportDescription(ctx context.Context, c *Context) (desc string, ok bool, err error)
	ListExports(ctx context.Context, c *Context, readonly, usingTLS bool, set *export.Set) error
	DefaultExport(ctx context.Context, c *Context, readonly, usingTLS bool) (string, bool, error)

	PRead(ctx context.Context, c *Context, buf []byte, offset uint64, flags Flags) error
	PWrite(ctx context.Context, c *Context, buf []byte, offset uint64, flags Flags) error
	Flush(ctx context.Context, c *Context, flags Flags) error
	Trim(ctx context.Context, c *Context, count uint64, offset uint64, flags Flags) error
	Zero(ctx context.Context, c *Context, count uint64, offset uint64, flags Flags) error
	Extents(ctx context.Context, c *Context, count uint64, offset uint64, flags Flags, set *extent.Set) error
	Cache(ctx context.Context, c *Context, count uint64, offset uint64, flags Flags) error
}
