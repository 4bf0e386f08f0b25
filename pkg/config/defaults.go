package config

import "time"

// DefaultConfig returns a Config populated with the same defaults
// ApplyDefaults would fill in on a zero-value Config, used when no
// config file is found at all.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in zero-valued fields after loading, mirroring the
// dittofs's ApplyDefaults entry point but trimmed to this server's
// smaller, fixed-pipeline configuration surface.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyWireDefaults(&cfg.Wire)
	applyControlAPIDefaults(&cfg.ControlAPI)
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyLoggingDefaults(l *LoggingConfig) {
	if l.Level == "" {
		l.Level = "INFO"
	}
	if l.Format == "" {
		l.Format = "text"
	}
	if l.Output == "" {
		l.Output = "stderr"
	}
}

func applyWireDefaults(w *WireConfig) {
	if w.ListenAddr == "" {
		w.ListenAddr = ":10809" // the NBD-family convention port; this protocol is unrelated but reuses the familiar default
	}
	if w.IdleTimeout == 0 {
		w.IdleTimeout = 5 * time.Minute
	}
}

func applyControlAPIDefaults(a *ControlAPIConfig) {
	if a.ReadTimeout == 0 {
		a.ReadTimeout = 10 * time.Second
	}
	if a.WriteTimeout == 0 {
		a.WriteTimeout = 10 * time.Second
	}
	if a.IdleTimeout == 0 {
		a.IdleTimeout = 60 * time.Second
	}
}
