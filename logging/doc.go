// Package logging provides a minimal logging interface and adapters for Orchestra.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the runtime and flows use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - OrchestraLogger with run/flow contextual helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	r, err := run.New(profiles, "Principal", func(o *run.Options) { o.Logger = logger })
//
// The design intentionally keeps the interface minimal to avoid vendor lock-in
// while supporting structured logging where available.
package logging
