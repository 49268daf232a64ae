// Package pkg provides shared utilities for the usbenum host stack.
//
// It contains:
//
//   - Component-tagged structured logging on top of [log/slog]
//   - Sentinel errors for request outcomes, descriptor faults and engine
//     invariants
//   - [TransferStatus], the outcome code carried by every bus request
//
// # Logging
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentReset, "address assigned", "port", 1, "address", 3)
//
// # Errors
//
// Sentinels are created with github.com/efficientgo/core/errors so that
// wrapped chains keep a stack trace, and are matched with errors.Is:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // Handle endpoint stall
//	}
package pkg
