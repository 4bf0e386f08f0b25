// Package acl implements a filter that restricts which clients may open
// a connection, by IP address/CIDR allow and deny lists. Grounded on
// nbdkit's ip filter (original_source/filters/ip/ip.c) for the rule
// matching algorithm, and on pkg/registry/share.go's AllowedClients/
// DeniedClients fields for the configuration shape.
package acl

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/errno"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
	"github.com/blockdkit/blockdkit/internal/logger"
	"github.com/blockdkit/blockdkit/internal/pipeline"
	"github.com/blockdkit/blockdkit/internal/registry"
)

func init() {
	registry.Global().MustRegisterFilter("acl", New)
}

// Filter gates Open by client IP address against allow/deny CIDR lists.
// A client matching the allow list is always let through; failing that,
// a client matching the deny list is rejected; with neither matching,
// the client is let through (default allow), mirroring nbdkit's ip
// filter.
type Filter struct {
	idx       int
	successor backend.Backend

	allow []*net.IPNet
	deny  []*net.IPNet
}

// New constructs the acl filter from its "allow" and "deny" parameters,
// each a comma-separated list of IP addresses or CIDR ranges (a bare
// address is treated as a /32 or /128).
func New(successor backend.Backend, params map[string]string) (backend.Backend, error) {
	f := &Filter{successor: successor}

	var err error
	if v, ok := params["allow"]; ok {
		if f.allow, err = parseRules("allow", v); err != nil {
			return nil, err
		}
	}
	if v, ok := params["deny"]; ok {
		if f.deny, err = parseRules("deny", v); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func parseRules(paramName, value string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, entry := range strings.Split(value, ",") {
		if entry == "" {
			return nil, fmt.Errorf("acl: %s: empty entry in rule list", paramName)
		}
		n, err := parseRule(entry)
		if err != nil {
			return nil, fmt.Errorf("acl: %s: %w", paramName, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseRule(entry string) (*net.IPNet, error) {
	if strings.Contains(entry, "/") {
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("cannot parse rule %q: %w", entry, err)
		}
		return n, nil
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, fmt.Errorf("cannot parse address %q", entry)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	} else {
		ip = ip.To4()
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

func matchesAny(rules []*net.IPNet, ip net.IP) bool {
	for _, n := range rules {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// allowed reports whether clientIP (as parsed by net.ParseIP) may
// connect. An unparseable or empty clientIP (no client-IP context was
// supplied) is let through, matching the original's "implicit allow all
// for non-IP sockets".
func (f *Filter) allowed(clientIP string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return true
	}
	if matchesAny(f.allow, ip) {
		return true
	}
	if matchesAny(f.deny, ip) {
		return false
	}
	return true
}

func (f *Filter) Name() string                     { return "acl" }
func (f *Filter) Kind() backend.Kind                { return backend.KindFilter }
func (f *Filter) Index() int                        { return f.idx }
func (f *Filter) SetIndex(i int)                    { f.idx = i }
func (f *Filter) Successor() backend.Backend        { return f.successor }
func (f *Filter) ThreadModel() backend.ThreadModel  { return backend.Parallel }

func (f *Filter) Load() error { return nil }
func (f *Filter) Unload()     {}

func (f *Filter) Open(ctx context.Context, c *backend.Context, next *backend.Opener, readonly bool, exportName string, usingTLS bool) (backend.Handle, error) {
	clientIP := ""
	if lc := logger.FromContext(ctx); lc != nil {
		clientIP = lc.ClientIP
	}
	if !f.allowed(clientIP) {
		logger.Warn("acl: rejecting connection", logger.ClientIP(clientIP))
		return nil, errno.New(errno.EPERM, "client not permitted to connect")
	}
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
