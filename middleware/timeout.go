package middleware

import (
	"context"
	"log/slog"

	"github.com/stevessr/enrollq/task"
)

// Timeout returns middleware that enforces a per-task dispatch
// deadline. If the task has a non-zero Timeout, a context.WithTimeout
// wraps the handler call; when the deadline is exceeded the context is
// cancelled and the ledger call returns context.DeadlineExceeded.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		if t.Timeout > 0 {
			logger.Debug("task timeout set",
				slog.String("task_id", t.ID.String()),
				slog.Duration("timeout", t.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
