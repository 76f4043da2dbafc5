// Package observability provides structured logging, metrics and tracing
// for the funbuns storage core.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// Loggers are always injected; nothing logs through a global.
package observability

import (
	"context"
	"log/slog"
	"time"
)

// Default returns logger, or a logger that discards everything when nil.
func Default(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}

// Component scopes a logger to one storage component.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return Default(logger).With(slog.String("component", name))
}

// LogConversionStart logs the start of a conversion.
func LogConversionStart(logger *slog.Logger, pendingRuns int, tailIndex int) {
	if logger == nil {
		return
	}
	logger.Info("conversion starting",
		slog.Int("pending_runs", pendingRuns),
		slog.Int("tail_block", tailIndex),
	)
}

// LogConversionComplete logs a committed (or no-op) conversion.
func LogConversionComplete(logger *slog.Logger, newBlocks, consumedRuns, redundant int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("conversion completed",
		slog.Int("blocks_written", newBlocks),
		slog.Int("runs_consumed", consumedRuns),
		slog.Int("redundant_records", redundant),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogConversionError logs a failed conversion. Nothing was committed.
func LogConversionError(logger *slog.Logger, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("conversion failed",
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogScan logs an integrity scan result.
func LogScan(logger *slog.Logger, blocks, violations int, durationMs float64) {
	if logger == nil {
		return
	}
	level := slog.LevelInfo
	if violations > 0 {
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, "integrity scan finished",
		slog.Int("blocks", blocks),
		slog.Int("violations", violations),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogResume logs a released resume point.
func LogResume(logger *slog.Logger, lastPrime, startIndex uint64) {
	if logger == nil {
		return
	}
	logger.Info("resume released",
		slog.Uint64("last_prime", lastPrime),
		slog.Uint64("start_index", startIndex),
	)
}

// LogResumeBlocked logs a refused resume request.
func LogResumeBlocked(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	logger.Warn("resume blocked",
		slog.String("error", err.Error()),
	)
}

// LogSentinelStale logs a cached sentinel that disagreed with the blocks.
func LogSentinelStale(logger *slog.Logger, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("cached resume sentinel is stale, rewriting",
		slog.String("reason", reason),
	)
}

// LogRecovery logs staging recovery after an interrupted conversion.
func LogRecovery(logger *slog.Logger, stagingDir string, rolledForward bool) {
	if logger == nil {
		return
	}
	action := "discarded"
	if rolledForward {
		action = "rolled forward"
	}
	logger.Warn("recovered interrupted conversion",
		slog.String("staging", stagingDir),
		slog.String("action", action),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
