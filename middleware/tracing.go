package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stevessr/enrollq/task"
)

// tracerName is the instrumentation scope name for enrollq tracing.
const tracerName = "github.com/stevessr/enrollq"

// Tracing returns middleware that wraps task dispatch in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: enrollq.task.id, enrollq.task.type,
// enrollq.queue, enrollq.student_id, enrollq.course_id,
// enrollq.retry_count. On error, the span status is set to codes.Error
// with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		ctx, span := tracer.Start(ctx, "enrollq.task.dispatch",
			trace.WithAttributes(
				attribute.String("enrollq.task.id", t.ID.String()),
				attribute.String("enrollq.task.type", string(t.Type)),
				attribute.String("enrollq.queue", t.Queue),
				attribute.Int64("enrollq.student_id", t.StudentID),
				attribute.Int64("enrollq.course_id", t.CourseID),
				attribute.Int("enrollq.retry_count", t.RetryCount),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
