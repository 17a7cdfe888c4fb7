package api

import (
	"context"
	"log/slog"
	"time"
)

// HTTPServerConfig configures api/server.Server.
type HTTPServerConfig struct {
	ListenAddr string

	// MetricsAddr serves /metrics on a separate listener. Empty disables it.
	MetricsAddr string

	// EnablePprof mounts net/http/pprof under /debug.
	EnablePprof bool

	Log *slog.Logger

	// DrainDuration is how long /drain waits after failing readiness, so
	// load balancers stop routing before shutdown.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds in-flight requests on Shutdown.
	GracefulShutdownDuration time.Duration

	// Timeouts of the underlying http.Server. A zero ReadHeaderTimeout
	// falls back to ReadTimeout.
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration

	// ReadinessCheck is consulted by /readyz once the server is not
	// draining, typically the record store's Ping.
	ReadinessCheck func(ctx context.Context) error
}

// WithDefaults returns a copy with unset durations and the logger filled in.
func (c HTTPServerConfig) WithDefaults() HTTPServerConfig {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.GracefulShutdownDuration <= 0 {
		c.GracefulShutdownDuration = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = c.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	return c
}
