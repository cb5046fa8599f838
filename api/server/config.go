package server

import (
	"log/slog"
	"time"
)

// Config holds the listener settings of the admin API server.
type Config struct {
	ListenAddr string

	// MetricsAddr is only logged here; the metrics listener itself is
	// passed to New. Empty disables it.
	MetricsAddr string

	EnablePprof bool
	Log         *slog.Logger

	// DrainDuration is how long Shutdown waits after readyz turns 503.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds in-flight request completion.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns a Config listening on listenAddr with the
// timeouts used by the keymanager serve command.
func DefaultConfig(listenAddr string, log *slog.Logger) *Config {
	return &Config{
		ListenAddr:               listenAddr,
		Log:                      log,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}
