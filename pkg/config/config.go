// Package config loads and validates blockdkitd's static configuration:
// logging, telemetry, the wire and control-API listeners, and the fixed
// plugin+filter pipeline composition. Unlike dittofs, which splits
// static config from a database-backed dynamic control plane, this
// server's entire pipeline is read once at startup and never changes
// without a restart (per the wire front-end's fixed-composition design).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/blockdkit/blockdkit/internal/bytesize"
)

// Config is the complete static configuration for blockdkitd.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout bounds how long the server waits for in-flight
	// connections to drain before forcing an exit.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	Wire       WireConfig       `mapstructure:"wire" yaml:"wire"`
	ControlAPI ControlAPIConfig `mapstructure:"control_api" yaml:"control_api"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`

	// Pipeline is the fixed plugin+filter composition served for the
	// lifetime of the process.
	Pipeline PipelineConfig `mapstructure:"pipeline" validate:"required" yaml:"pipeline"`
}

// LoggingConfig controls logging behavior, mirroring dittofs's
// LoggingConfig field-for-field.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// WireConfig configures the data-plane listener (internal/wire.Server).
type WireConfig struct {
	ListenAddr  string        `mapstructure:"listen_addr" validate:"required" yaml:"listen_addr"`
	Readonly    bool          `mapstructure:"readonly" yaml:"readonly"`
	TLSCertFile string        `mapstructure:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile  string        `mapstructure:"tls_key_file" yaml:"tls_key_file"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// UsingTLS reports whether both a cert and key are configured.
func (w WireConfig) UsingTLS() bool {
	return w.TLSCertFile != "" && w.TLSKeyFile != ""
}

// ControlAPIConfig configures the management listener (internal/controlapi.Server).
// A blank ListenAddr disables the management API entirely.
type ControlAPIConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	JWTSecret    string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// EnvJWTSecret overrides ControlAPIConfig.JWTSecret, taking precedence
// over the config file since a signing secret should never be committed
// to a config file in the clear.
const EnvJWTSecret = "BLOCKDKIT_CONTROL_API_JWT_SECRET"

// ResolvedJWTSecret returns the configured secret, preferring the
// environment variable.
func (c ControlAPIConfig) ResolvedJWTSecret() string {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		return v
	}
	return c.JWTSecret
}

// MetricsConfig controls whether /metrics is served by the control API.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// BackendSpec names one plugin or filter and its nbdkit-style key=value
// parameters. Params values are string slices to hold repeated keys
// (e.g. "exportname" may be given more than once in YAML as a list);
// BuildPipeline joins each slice with a NUL separator before handing it
// to the registry, per the convention pkg/filter/exportname documents.
type BackendSpec struct {
	Name   string              `mapstructure:"name" validate:"required" yaml:"name"`
	Params map[string][]string `mapstructure:"params" yaml:"params"`
}

// PipelineConfig is the fixed plugin + filter chain assembled once at
// startup via registry.Global().Build.
type PipelineConfig struct {
	Plugin  BackendSpec   `mapstructure:"plugin" validate:"required" yaml:"plugin"`
	Filters []BackendSpec `mapstructure:"filters" yaml:"filters"`
}

// EnvPrefix is the prefix viper uses for environment variable overrides,
// e.g. BLOCKDKIT_WIRE_LISTEN_ADDR.
const EnvPrefix = "BLOCKDKIT"

// Load reads configuration from configPath (YAML or TOML); environment
// variables override keys the file sets, and defaults fill whatever is
// still unset. An empty configPath searches the default location. A
// missing file is not a read error: the defaults alone are then used,
// environment variables are not consulted, and the result is validated
// like any other config.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
			return nil, fmt.Errorf("config: unmarshal: %w", err)
		}
	}
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as YAML with restricted permissions,
// since the pipeline's filter params (e.g. crypt passphrases) may be
// sensitive.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := marshalYAML(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(defaultConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read config file: %w", err)
	}
	return true, nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

// byteSizeDecodeHook lets human-readable sizes ("100MiB") parse straight
// into bytesize.ByteSize fields, grounded on dittofs's identical hook
// in pkg/config/config.go.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "blockdkit")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".blockdkit"
	}
	return filepath.Join(home, ".config", "blockdkit")
}

// GetDefaultConfigPath returns the config.yaml path Load searches when no
// explicit path is given.
func GetDefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the
// default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
