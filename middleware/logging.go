package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/stevessr/enrollq/task"
)

// Logging returns middleware that logs task dispatch start and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		logger.Info("task dispatch started",
			slog.String("task_id", t.ID.String()),
			slog.String("task_type", string(t.Type)),
			slog.String("queue", t.Queue),
			slog.Int64("student_id", t.StudentID),
			slog.Int64("course_id", t.CourseID),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("task dispatch failed",
				slog.String("task_id", t.ID.String()),
				slog.String("task_type", string(t.Type)),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("task dispatch completed",
				slog.String("task_id", t.ID.String()),
				slog.String("task_type", string(t.Type)),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
