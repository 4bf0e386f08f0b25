// Package exportname implements a filter that rewrites the list of
// exports a backend advertises and the descriptions attached to them,
// independent of what the successor reports. Grounded on nbdkit's
// exportname filter (original_source/filters/exportname/exportname.c).
package exportname

import (
	"fmt"

	"context"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/errno"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
	"github.com/blockdkit/blockdkit/internal/pipeline"
	"github.com/blockdkit/blockdkit/internal/registry"
)

func init() {
	registry.Global().MustRegisterFilter("exportname", New)
}

type listMode int

const (
	listKeep listMode = iota
	listError
	listEmpty
	listDefaultOnly
	listExplicit
)

type descMode int

const (
	descKeep descMode = iota
	descNone
	descFixed
)

// Filter overrides which exports are advertised and what description
// each carries, optionally restricting connections to a fixed allow-list
// ("strict" mode).
type Filter struct {
	idx       int
	successor backend.Backend

	defaultExport string
	list          listMode
	strict        bool
	descMode      descMode
	desc          string
	explicit      []export.Entry
}

// New constructs the exportname filter from its "default-export",
// "exportname-list" (keep|error|empty|defaultonly|explicit),
// "exportname-strict" (bool), repeatable "exportname" entries, and
// "exportdesc" (keep|none|fixed:STRING) parameters. Unlike the original,
// there is no "script:" exportdesc mode: shelling out to describe an
// export has no natural home once descriptions are plain config data.
func New(successor backend.Backend, params map[string]string) (backend.Backend, error) {
	f := &Filter{successor: successor}

	f.defaultExport = params["default-export"]

	switch v := params["exportname-list"]; v {
	case "", "keep":
		f.list = listKeep
	case "error":
		f.list = listError
	case "empty":
		f.list = listEmpty
	case "defaultonly", "default-only":
		f.list = listDefaultOnly
	case "explicit":
		f.list = listExplicit
	default:
		return nil, fmt.Errorf("exportname: unrecognized exportname-list mode %q", v)
	}

	if v, ok := params["exportname-strict"]; ok {
		b, err := parseBool(v)
		if err != nil {
			return nil, err
		}
		f.strict = b
	}

	for _, name := range splitRepeated(params, "exportname") {
		f.explicit = append(f.explicit, export.Entry{Name: name})
	}

	switch v := params["exportdesc"]; {
	case v == "" || v == "keep":
		f.descMode = descKeep
	case v == "none":
		f.descMode = descNone
	case len(v) > 6 && v[:6] == "fixed:":
		f.descMode = descFixed
		f.desc = v[6:]
	default:
		return nil, fmt.Errorf("exportname: unrecognized exportdesc mode %q", v)
	}

	return f, nil
}

func parseBool(v string) (bool, error) {
	switch v {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("exportname: invalid boolean %q", v)
}

// splitRepeated splits a param value on NUL separators, recovering the
// repeated "exportname" params that the config layer pre-joins, since
// params is a flat map; pkg/config is responsible for that join before
// constructing this filter.
func splitRepeated(params map[string]string, key string) []string {
	v, ok := params[key]
	if !ok || v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(v); i++ {
		if v[i] == 0 {
			out = append(out, v[start:i])
			start = i + 1
		}
	}
	out = append(out, v[start:])
	return out
}

func (f *Filter) describeFor(name string, fallback string, hasFallback bool) (string, bool) {
	switch f.descMode {
	case descKeep:
		return fallback, hasFallback
	case descNone:
		return "", false
	case descFixed:
		return f.desc, true
	}
	return "", false
}

// handle carries the export name a connection opened with, so later
// ExportDescription calls on this same context can look it up.
type handle struct{ name string }

func (f *Filter) Name() string                     { return "exportname" }
func (f *Filter) Kind() backend.Kind                { return backend.KindFilter }
func (f *Filter) Index() int                        { return f.idx }
func (f *Filter) SetIndex(i int)                    { f.idx = i }
func (f *Filter) Successor() backend.Backend        { return f.successor }
func (f *Filter) ThreadModel() backend.ThreadModel  { return backend.Parallel }

func (f *Filter) Load() error { return nil }
func (f *Filter) Unload()     {}

func (f *Filter) allowed(name string) bool {
	if !f.strict {
		return true
	}
	for _, e := range f.explicit {
		if e.Name == name {
			return true
		}
	}
	return false
}

func (f *Filter) Open(ctx context.Context, c *backend.Context, next *backend.Opener, readonly bool, exportName string, usingTLS bool) (backend.Handle, error) {
	if !f.allowed(exportName) {
		return nil, errno.New(errno.EINVAL, fmt.Sprintf("export %q not found", exportName))
	}
	if _, err := next.Open(); err != nil {
		return nil, err
	}
	return &handle{name: exportName}, nil
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
	var fallback string
	var hasFallback bool
	if f.descMode == descKeep {
		var err error
		fallback, hasFallback, err = f.successor.ExportDescription(ctx, c.Next())
		if err != nil {
			return "", false, err
		}
	}
	h, _ := c.Handle().(*handle)
	name := ""
	if h != nil {
		name = h.name
	}
	d, ok := f.describeFor(name, fallback, hasFallback)
	return d, ok, nil
}

func (f *Filter) ListExports(ctx context.Context, c *backend.Context, readonly, usingTLS bool, set *export.Set) error {
	var source []export.Entry

	switch f.list {
	case listKeep:
		inner := export.New()
		if err := f.successor.ListExports(ctx, c.Next(), readonly, usingTLS, inner); err != nil {
			return err
		}
		source = inner.Entries()
	case listError:
		return fmt.Errorf("exportname: export list restricted by policy")
	case listEmpty:
		return nil
	case listDefaultOnly:
		return set.UseDefault()
	case listExplicit:
		source = f.explicit
	}

	for _, e := range source {
		if e.IsDefaultSentinel() {
			if err := set.UseDefault(); err != nil {
				return err
			}
			continue
		}
		d, ok := f.describeFor(e.Name, e.Description, e.HasDesc)
		if err := set.Add(e.Name, d, ok); err != nil {
			return err
		}
	}
	return nil
}

func (f *Filter) DefaultExport(ctx context.Context, c *backend.Context, readonly, usingTLS bool) (string, bool, error) {
	if f.strict {
		for _, e := range f.explicit {
			if e.Name == "" {
				if f.defaultExport != "" {
					return f.defaultExport, true, nil
				}
				return "", true, nil
			}
		}
		return "", false, nil
	}
	if f.defaultExport != "" {
		return f.defaultExport, true, nil
	}
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
