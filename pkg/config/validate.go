package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks cfg against the struct tags declared on Config and its
// nested types, and against the few cross-field invariants validator
// tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w", err)
	}
	if cfg.Pipeline.Plugin.Name == "" {
		return fmt.Errorf("pipeline.plugin.name is required")
	}
	for i, f := range cfg.Pipeline.Filters {
		if f.Name == "" {
			return fmt.Errorf("pipeline.filters[%d].name is required", i)
		}
	}
	if cfg.ControlAPI.ListenAddr != "" && cfg.ControlAPI.ListenAddr == cfg.Wire.ListenAddr {
		return fmt.Errorf("control_api.listen_addr must differ from wire.listen_addr")
	}
	return nil
}
