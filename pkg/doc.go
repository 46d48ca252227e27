// Package pkg provides shared utilities for the softdfu updater.
//
// This package contains common functionality used by the host stack, the
// DFU orchestrator, and the command-line tool, including:
//
//   - Structured logging via Go's standard [log/slog] package, with a
//     human-oriented format backed by hermannm.dev/devlog
//   - Sentinel error types for USB transfer and firmware update errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.SetLogFormat(pkg.LogFormatDev)
//	pkg.LogInfo(pkg.ComponentDFU, "download complete", "bytes", 1000)
//
// # Errors
//
// Common errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrVerifyMismatch) {
//	    // Read-back did not match the image
//	}
//
// [StatusFromError] classifies a transfer error into the [TransferStatus]
// carried by completion notifications.
package pkg
