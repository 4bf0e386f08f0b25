package controlapi

import "time"

// EnvJWTSecret is the environment variable overriding Config.JWTSecret,
// mirroring dittofs's preference for env vars over config files for
// signing secrets.
const EnvJWTSecret = "BLOCKDKIT_CONTROLAPI_SECRET"

// Config configures the management HTTP server.
type Config struct {
	// ListenAddr is the "host:port" address to serve on.
	ListenAddr string

	// JWTSecret is the HMAC signing key bearer tokens must be signed
	// with. Must be at least 32 bytes. An empty secret disables auth
	// entirely, which is only appropriate for local/test use.
	JWTSecret string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// UsingTLS reports whether connections reaching this server are
	// already TLS-terminated, passed through to the same pipeline
	// Open/ListExports calls the wire front-end uses.
	UsingTLS bool
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}
