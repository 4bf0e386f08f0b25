// Package connection models the wire-level session wrapping one topmost
// backend.Context: negotiated flags, the per-connection default-export
// cache, the interned string pool, and the status machine a shutdown
// signal drives.
package connection

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/pipeline"
)

// Status is the connection's lifecycle state, independent of any one
// context's state machine.
type Status int32

const (
	Negotiating Status = iota
	Running
	Shutdown
	Dead
)

func (s Status) String() string {
	switch s {
	case Negotiating:
		return "NEGOTIATING"
	case Running:
		return "RUNNING"
	case Shutdown:
		return "SHUTDOWN"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Connection owns the topmost context for one client session plus the
// per-connection state kept out of the shared, process-wide backend
// tables: the interned string pool, the default-export cache, and the
// write lock guarding reply serialization.
type Connection struct {
	top *backend.Context

	usingTLS       bool
	readonlyReq    bool
	effectiveModel backend.ThreadModel

	status atomic.Int32

	writeMu sync.Mutex

	internMu sync.Mutex
	intern   map[string]string

	defaultExportMu sync.Mutex
	defaultExport   map[int]string

	// requestMu serializes requests on this connection alone, used under
	// SerializeRequests (and as a harmless no-op under SerializeConnections,
	// where the server already admits only one live connection).
	requestMu sync.Mutex

	// allRequestsMu is the server's process-wide request gate, shared by
	// every Connection, used instead of requestMu under
	// SerializeAllRequests. Nil when the caller has no such gate to share
	// (e.g. in tests constructing a Connection directly).
	allRequestsMu *sync.Mutex
}

// New wraps top (the already-open, already-prepared topmost context) in a
// Connection, computing the effective thread model across the pipeline.
// allRequestsMu is the server's shared, process-wide request gate; pass
// nil if the effective thread model is never SerializeAllRequests.
func New(top *backend.Context, usingTLS, readonlyReq bool, allRequestsMu *sync.Mutex) *Connection {
	c := &Connection{
		top:           top,
		usingTLS:      usingTLS,
		readonlyReq:   readonlyReq,
		intern:        make(map[string]string),
		defaultExport: make(map[int]string),
		allRequestsMu: allRequestsMu,
	}
	c.effectiveModel = pipeline.EffectiveThreadModel(top.Backend())
	c.status.Store(int32(Negotiating))
	return c
}

// Top returns the topmost context this connection dispatches requests
// against.
func (c *Connection) Top() *backend.Context { return c.top }

// Status returns the connection's current lifecycle status.
func (c *Connection) Status() Status { return Status(c.status.Load()) }

// SetStatus atomically transitions the connection's status. Called from
// the shutdown path (Shutdown/Dead) and once negotiation completes
// (Running).
func (c *Connection) SetStatus(s Status) { c.status.Store(int32(s)) }

// Intern returns a shared copy of s, allocating and caching it on first
// use. Used for export names and other short strings the wire front-end
// would otherwise reallocate on every request.
func (c *Connection) Intern(s string) string {
	c.internMu.Lock()
	defer c.internMu.Unlock()
	if v, ok := c.intern[s]; ok {
		return v
	}
	c.intern[s] = s
	return s
}

// DefaultExportFor returns the cached default-export name for the backend
// at pipeline index idx, querying and caching it on first use via query if
// absent. The cache is best-effort: a failure to populate it still returns
// the freshly queried value rather than failing the caller.
func (c *Connection) DefaultExportFor(idx int, query func() (string, error)) (string, error) {
	c.defaultExportMu.Lock()
	if v, ok := c.defaultExport[idx]; ok {
		c.defaultExportMu.Unlock()
		return v, nil
	}
	c.defaultExportMu.Unlock()

	v, err := query()
	if err != nil {
		return "", err
	}

	c.defaultExportMu.Lock()
	c.defaultExport[idx] = v
	c.defaultExportMu.Unlock()
	return v, nil
}

// WithWriteLock runs fn while holding the connection's write lock, the
// only lock a data operation acquires outside the dispatcher itself: it
// serializes concurrent goroutines replying on the same socket.
func (c *Connection) WithWriteLock(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return fn()
}

// RequestGate returns a function that must be deferred immediately after
// calling it, bracketing one dispatcher call under this connection's
// effective thread model:
//
//   - Parallel: no-op, concurrent requests are safe.
//   - SerializeRequests: acquires this connection's own request mutex,
//     serializing requests on this connection but not across others.
//   - SerializeAllRequests: acquires the server's shared, process-wide
//     mutex, serializing requests across every connection.
//   - SerializeConnections: acquires this connection's own request mutex.
//     This is a no-op in practice since the server already admits only
//     one live connection under this model, but it's harmless to keep
//     requests on that one connection serialized too.
func (c *Connection) RequestGate() func() {
	switch {
	case c.effectiveModel >= backend.Parallel:
		return func() {}
	case c.effectiveModel == backend.SerializeAllRequests && c.allRequestsMu != nil:
		c.allRequestsMu.Lock()
		return c.allRequestsMu.Unlock
	default:
		c.requestMu.Lock()
		return c.requestMu.Unlock
	}
}

// EffectiveThreadModel returns the minimum thread model across the whole
// pipeline, computed once at construction.
func (c *Connection) EffectiveThreadModel() backend.ThreadModel { return c.effectiveModel }

// Close tears down the topmost context's whole chain and marks the
// connection Dead. Safe to call once the connection is done serving,
// whatever its prior status.
func (c *Connection) Close(ctx context.Context) {
	pipeline.Close(ctx, c.top)
	c.SetStatus(Dead)
}
