// Package registry implements the static, compile-time name->constructor
// tables that replace the source's dynamic shared-library loading (spec
// §9's explicit redesign note): one table for plugins, one for filters.
// Concrete plugins/filters register their constructors from an init()
// function in their own package.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blockdkit/blockdkit/internal/backend"
)

// PluginConstructor builds a fresh plugin backend instance from its
// configuration parameters (already parsed into key=value pairs by the
// config loader).
type PluginConstructor func(params map[string]string) (backend.Backend, error)

// FilterConstructor builds a fresh filter backend wrapping successor.
type FilterConstructor func(successor backend.Backend, params map[string]string) (backend.Backend, error)

// Registry holds the process-wide plugin and filter constructor tables.
// Registration happens once at startup (typically via package init
// functions); lookups happen once per pipeline construction. The lock
// exists only to make concurrent registration/lookup safe during plugin
// package init ordering, not because either table changes at runtime.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]PluginConstructor
	filters map[string]FilterConstructor
}

// global is the process-wide registry every plugin/filter package
// registers itself into, mirroring the single shared dispatch-table
// instance the source's dynamic loader would have populated.
var global = New()

// New creates an empty registry. Exported for tests that want an isolated
// table instead of mutating the process-wide one.
func New() *Registry {
	return &Registry{
		plugins: make(map[string]PluginConstructor),
		filters: make(map[string]FilterConstructor),
	}
}

// Global returns the process-wide registry.
func Global() *Registry { return global }

// RegisterPlugin adds a named plugin constructor. Returns an error if name
// is empty or already registered.
func (r *Registry) RegisterPlugin(name string, ctor PluginConstructor) error {
	if name == "" {
		return fmt.Errorf("registry: plugin name must not be empty")
	}
	if ctor == nil {
		return fmt.Errorf("registry: plugin %q: constructor must not be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("registry: plugin %q already registered", name)
	}
	r.plugins[name] = ctor
	return nil
}

// MustRegisterPlugin is RegisterPlugin for use from package init, where a
// registration failure is a programming error, not a runtime condition.
func (r *Registry) MustRegisterPlugin(name string, ctor PluginConstructor) {
	if err := r.RegisterPlugin(name, ctor); err != nil {
		panic(err)
	}
}

// RegisterFilter adds a named filter constructor. Returns an error if name
// is empty or already registered.
func (r *Registry) RegisterFilter(name string, ctor FilterConstructor) error {
	if name == "" {
		return fmt.Errorf("registry: filter name must not be empty")
	}
	if ctor == nil {
		return fmt.Errorf("registry: filter %q: constructor must not be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.filters[name]; exists {
		return fmt.Errorf("registry: filter %q already registered", name)
	}
	r.filters[name] = ctor
	return nil
}

// MustRegisterFilter is RegisterFilter for use from package init.
func (r *Registry) MustRegisterFilter(name string, ctor FilterConstructor) {
	if err := r.RegisterFilter(name, ctor); err != nil {
		panic(err)
	}
}

// NewPlugin looks up name and constructs a plugin backend from params.
func (r *Registry) NewPlugin(name string, params map[string]string) (backend.Backend, error) {
	r.mu.RLock()
	ctor, ok := r.plugins[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown plugin %q", name)
	}
	b, err := ctor(params)
	if err != nil {
		return nil, fmt.Errorf("registry: plugin %q: %w", name, err)
	}
	return b, nil
}

// NewFilter looks up name and constructs a filter backend wrapping
// successor.
func (r *Registry) NewFilter(name string, successor backend.Backend, params map[string]string) (backend.Backend, error) {
	r.mu.RLock()
	ctor, ok := r.filters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown filter %q", name)
	}
	b, err := ctor(successor, params)
	if err != nil {
		return nil, fmt.Errorf("registry: filter %q: %w", name, err)
	}
	return b, nil
}

// PluginNames returns the registered plugin names, sorted.
func (r *Registry) PluginNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FilterNames returns the registered filter names, sorted.
func (r *Registry) FilterNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.filters))
	for n := range r.filters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build constructs a full pipeline from an ordered spec: plugin is the
// innermost backend's name+params, filters lists the filter chain from
// outermost to innermost (the order the config loader parsed --filter
// flags in, which this reverses into successor-wraps-innermost-first
// construction order). Indices are assigned innermost-first (0 = plugin),
// matching "index (0 = innermost plugin, increases outward)".
func (r *Registry) Build(pluginName string, pluginParams map[string]string, filters []NamedParams) (backend.Backend, error) {
	b, err := r.NewPlugin(pluginName, pluginParams)
	if err != nil {
		return nil, err
	}
	b.SetIndex(0)

	for i := len(filters) - 1; i >= 0; i-- {
		f := filters[i]
		wrapped, err := r.NewFilter(f.Name, b, f.Params)
		if err != nil {
			return nil, err
		}
		wrapped.SetIndex(b.Index() + 1)
		b = wrapped
	}
	return b, nil
}

// NamedParams is one entry in an ordered filter chain: a filter name plus
// its key=value configuration parameters.
type NamedParams struct {
	Name   string
	Params map[string]string
}
