package observability

import (
	"context"
	"log/slog"
	"time"
)

// TimeOperation runs fn and records its duration and outcome under
// operation. Failures are logged at error level, successes at debug.
func TimeOperation(ctx context.Context, logger *slog.Logger, metrics Metrics, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	observe(ctx, logger, metrics, operation, time.Since(start), err)
	return err
}

// TimeOperationResult is TimeOperation for functions that return a value.
func TimeOperationResult[T any](ctx context.Context, logger *slog.Logger, metrics Metrics, operation string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	observe(ctx, logger, metrics, operation, time.Since(start), err)
	return v, err
}

func observe(ctx context.Context, logger *slog.Logger, metrics Metrics, operation string, took time.Duration, err error) {
	if metrics != nil {
		op := T("operation", operation)
		metrics.Counter(MetricOperationTotal, 1, op)
		metrics.Timing(MetricOperationDuration, took, op)
		if err != nil {
			metrics.Counter(MetricOperationErrors, 1, op)
		}
	}
	if logger == nil {
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "operation failed", "operation", operation, "duration_ms", took.Milliseconds(), "error", err)
		return
	}
	logger.DebugContext(ctx, "operation completed", "operation", operation, "duration_ms", took.Milliseconds())
}
