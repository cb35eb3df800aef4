// Package logging provides a minimal logging interface and adapters for taskmesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn,
// Error) that the registry, gateway, runner and orchestrator use for
// observability. This package includes:
//
//   - Logger interface for dependency injection
//   - StructuredLogger wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	orch := orchestrator.New(runner, orchestrator.WithLogger(logger))
//
// Message strings are dotted event names (task.status.changed,
// tool.invoke.retry) followed by key/value attributes.
package logging
