package config

import (
	"os"
	"path/filepath"
	"testing"

	_ "github.com/blockdkit/blockdkit/pkg/plugin/memory"
)

func writeTestConfig(t *testing.T, yamlBody string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("expected default log level INFO, got %q", cfg.Logging.Level)
	}
	if cfg.Wire.ListenAddr == "" {
		t.Error("expected a default wire listen address")
	}
}

func TestLoad_ParsesPipelineAndRepeatedParams(t *testing.T) {
	path := writeTestConfig(t, `
shutdown_timeout: 10s
wire:
  listen_addr: ":11000"
pipeline:
  plugin:
    name: memory
    params:
      size: ["67108864"]
  filters:
    - name: exportname
      params:
        exportname: ["alpha", "beta"]
        default-export: ["alpha"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.Plugin.Name != "memory" {
		t.Fatalf("expected plugin memory, got %q", cfg.Pipeline.Plugin.Name)
	}
	if len(cfg.Pipeline.Filters) != 1 || cfg.Pipeline.Filters[0].Name != "exportname" {
		t.Fatalf("expected one exportname filter, got %+v", cfg.Pipeline.Filters)
	}

	flat := flattenParams(cfg.Pipeline.Filters[0].Params)
	if flat["exportname"] != "alpha\x00beta" {
		t.Errorf("expected NUL-joined repeated params, got %q", flat["exportname"])
	}
}

func TestValidate_RejectsMissingPlugin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.Plugin.Name = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for a config with no plugin selected")
	}
}

func TestValidate_RejectsDuplicateListenAddrs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.Plugin.Name = "memory"
	cfg.Wire.ListenAddr = ":10000"
	cfg.ControlAPI.ListenAddr = ":10000"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error when wire and control_api share a listen address")
	}
}

func TestBuildPipeline_AssemblesMemoryPlugin(t *testing.T) {
	cfg := PipelineConfig{
		Plugin: BackendSpec{
			Name:   "memory",
			Params: map[string][]string{"size": {"65536"}},
		},
	}
	top, err := BuildPipeline(cfg)
	if err != nil {
		t.Fatalf("BuildPipeline: %v", err)
	}
	if top.Name() != "memory" {
		t.Errorf("expected plugin name memory, got %q", top.Name())
	}
}
