// Package pkg provides shared utilities for the moondancer firmware core.
//
// This package contains common functionality used by the device stack, the
// hardware models and the RPC boundary, including:
//
//   - Structured, leveled logging via [github.com/go-kit/log]
//   - Sentinel error types for USB protocol and resource errors
//   - Component identifiers for log filtering
//   - Prometheus counters for the event path
//
// # Logging
//
// The logging subsystem wraps go-kit/log with USB-specific context:
//
//	pkg.SetLogLevel(pkg.LevelDebug)
//	pkg.LogInfo(pkg.ComponentControl, "address applied", "address", 5)
//
// # Errors
//
// Common USB errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrTimeout) {
//	    // FIFO never went idle
//	}
package pkg
