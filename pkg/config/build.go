package config

import (
	"fmt"
	"strings"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/registry"
)

// BuildPipeline assembles the fixed plugin+filter chain the registry will
// serve, flattening each BackendSpec's repeated params into the flat
// map[string]string the registry constructors expect.
func BuildPipeline(cfg PipelineConfig) (backend.Backend, error) {
	pluginParams := flattenParams(cfg.Plugin.Params)

	filters := make([]registry.NamedParams, 0, len(cfg.Filters))
	for _, f := range cfg.Filters {
		filters = append(filters, registry.NamedParams{
			Name:   f.Name,
			Params: flattenParams(f.Params),
		})
	}

	top, err := registry.Global().Build(cfg.Plugin.Name, pluginParams, filters)
	if err != nil {
		return nil, fmt.Errorf("config: build pipeline: %w", err)
	}
	return top, nil
}

// flattenParams joins each key's value slice with a NUL separator,
// matching the convention pkg/filter/exportname documents for repeated
// "exportname" entries: params is a flat map[string]string on the wire
// into the registry, so repetition has to be pre-joined by this layer.
// A single-valued key is passed through unchanged.
func flattenParams(in map[string][]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, values := range in {
		out[k] = strings.Join(values, "\x00")
	}
	return out
}
