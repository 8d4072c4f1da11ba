package gatehttp

import (
	"time"

	"github.com/joeshaw/envdecode"
)

// Config collects the deployment-tunable knobs for a gateway process.
// Defaults can be loaded via envdecode; every field carries a default so a
// bare environment yields a working single-process configuration.
type Config struct {
	// ListenAddr for the HTTP server. ENV: GATE_LISTEN_ADDR
	ListenAddr string `env:"GATE_LISTEN_ADDR,default=:8080"`
	// MaxSessionsPerDevice is the admission ceiling. ENV: GATE_MAX_SESSIONS_PER_DEVICE
	MaxSessionsPerDevice int `env:"GATE_MAX_SESSIONS_PER_DEVICE,default=8"`
	// ReadIdleTimeout bounds connection-level inactivity. ENV: GATE_READ_IDLE_TIMEOUT
	ReadIdleTimeout time.Duration `env:"GATE_READ_IDLE_TIMEOUT,default=60s"`
	// PingInterval is the keepalive cadence; zero derives it from
	// ReadIdleTimeout. ENV: GATE_PING_INTERVAL
	PingInterval time.Duration `env:"GATE_PING_INTERVAL,default=0s"`
	// SessionMaxIdle is the registry sweeper's inactivity bound.
	// ENV: GATE_SESSION_MAX_IDLE
	SessionMaxIdle time.Duration `env:"GATE_SESSION_MAX_IDLE,default=10m"`
	// SweepInterval between sweeper runs. ENV: GATE_SWEEP_INTERVAL
	SweepInterval time.Duration `env:"GATE_SWEEP_INTERVAL,default=5m"`
	// HTTPRateLimit is the per-device request budget per minute on plain
	// HTTP routes. Zero disables limiting. ENV: GATE_HTTP_RATE_LIMIT
	HTTPRateLimit int `env:"GATE_HTTP_RATE_LIMIT,default=60"`
	// RedisAddr, when set, switches the rate limiter to the shared Redis
	// backend. ENV: GATE_REDIS_ADDR
	RedisAddr string `env:"GATE_REDIS_ADDR"`
}

// ConfigFromEnv builds a Config using envdecode to populate the fields.
func ConfigFromEnv() Config {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return cfg
}

// Options translates the tunables that belong to the Handler into Option
// values for New.
func (c Config) Options() []Option {
	opts := []Option{
		WithReadIdleTimeout(c.ReadIdleTimeout),
		WithSessionMaxIdle(c.SessionMaxIdle),
		WithSweepInterval(c.SweepInterval),
	}
	if c.PingInterval > 0 {
		opts = append(opts, WithPingInterval(c.PingInterval))
	}
	return opts
}
