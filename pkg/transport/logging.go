package transport

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that emits structured log entries for each
// execution request. The log entry includes the tool ID, streaming flag,
// duration, request ID (from context), and whether the request succeeded
// or failed.
//
// Note: The HTTP method and path are not available at the ExecutionRunner
// level. This middleware logs at the handler level. For full HTTP-level
// logging (including status codes), use HTTP-level middleware in the adapter.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next ExecutionRunner) ExecutionRunner {
		return ExecutionRunnerFunc(func(ctx context.Context, req *RunRequest, w ExecutionWriter) error {
			start := time.Now()
			requestID := RequestIDFromContext(ctx)

			err := next.RunExecution(ctx, req, w)

			toolID := ""
			if req.Tool != nil {
				toolID = req.Tool.ID
			}
			attrs := []slog.Attr{
				slog.String("request_id", requestID),
				slog.String("tool_id", toolID),
				slog.Bool("stream", req.Stream),
				slog.Duration("duration", time.Since(start)),
			}

			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelError, "execution request failed", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelInfo, "execution request completed", attrs...)
			}

			return err
		})
	}
}
