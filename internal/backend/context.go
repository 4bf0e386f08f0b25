package backend

import "context"

// capCache holds the cached capability answers for one Context. A field is
// "known" once queried; the pipeline dispatcher is the only code that
// writes to it. Capabilities are fixed for the life of a context once
// observed  "frozen once observed" rule), so there is
// deliberately no invalidation path and no lock: a connection's declared
// thread model already bounds who may call the dispatcher concurrently.
type capCache struct {
	size         *int64
	minBlock     *uint32
	prefBlock    *uint32
	maxBlock     *uint32
	write        *bool
	flush        *bool
	rotational   *bool
	trim         *bool
	extents      *bool
	multiConn    *bool
	zero         *ZeroMode
	fastZero     *bool
	fua          *FUAMode
	cache        *CacheMode
}

// Context is the per-connection, per-layer instance of a backend: its
// opaque handle, lifecycle state, cached capability answers, and a link to
// the next (inner) context. The innermost Context in a chain (the plugin's)
// has a nil Next.
type Context struct {
	backend Backend
	next    *Context
	handle  Handle
	state   State
	caps    capCache
}

// Backend returns the backend this context is an instance of.
func (c *Context) Backend() Backend { return c.backend }

// Handle returns this layer's opaque handle, set once Open succeeds.
func (c *Context) Handle() Handle { return c.handle }

// Next returns the inner context, or nil if this is the innermost context
// in the chain, or if the owning filter short-circuited Open without
// calling next.Open().
func (c *Context) Next() *Context { return c.next }

// State returns the context's current lifecycle state.
func (c *Context) State() State { return c.state }

// Opener is the callback a filter's Open implementation uses to recurse
// into its successor. Calling it builds the inner Context and links it as
// c.Next() for the remainder of the connection's lifetime. It is nil-safe:
// calling Open on a nil Opener (the plugin/leaf case) returns ErrNoSuccessor.
type Opener struct {
	ctx        context.Context
	successor  Backend
	readonly   bool
	exportName string
	usingTLS   bool
	outer      *Context
}

// Open opens the successor backend, if any, and links the resulting
// Context as the outer context's Next.
func (o *Opener) Open() (Handle, error) {
	if o == nil || o.successor == nil {
		return nil, ErrNoSuccessor
	}
	inner, err := open(o.ctx, o.successor, o.readonly, o.exportName, o.usingTLS)
	if err != nil {
		return nil, err
	}
	o.outer.next = inner
	return inner.handle, nil
}

// open is the recursive worker behind both the exported pipeline entry
// point and Opener.Open: construct a Context for backend, invoke its Open
// vtable method with a fresh Opener bound to backend's successor, and mark
// the context OPEN on success.
func open(ctx context.Context, b Backend, readonly bool, exportName string, usingTLS bool) (*Context, error) {
	c := &Context{backend: b}
	o := &Opener{
		ctx:        ctx,
		successor:  b.Successor(),
		readonly:   readonly,
		exportName: exportName,
		usingTLS:   usingTLS,
		outer:      c,
	}
	h, err := b.Open(ctx, c, o, readonly, exportName, usingTLS)
	if err != nil {
		return nil, err
	}
	c.handle = h
	c.state = StateOpen
	return c, nil
}

// Open builds the full Context chain for the topmost backend in a pipeline,
// starting the recursive Open walk described above. Exported for package
// pipeline, which owns orchestration of the rest of the lifecycle.
func Open(ctx context.Context, top Backend, readonly bool, exportName string, usingTLS bool) (*Context, error) {
	return open(ctx, top, readonly, exportName, usingTLS)
}

// Chain returns the contexts from c inward, starting at c itself, following Next() until nil. Used by the dispatcher
// to walk Prepare/Finalize/Close across every layer that was actually
// opened (a short-circuiting filter truncates the chain).
func (c *Context) Chain() []*Context {
	var out []*Context
	for cur := c; cur != nil; cur = cur.next {
		out = append(out, cur)
	}
	return out
}
