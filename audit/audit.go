// Package audit is an extension that bridges task lifecycle events to
// an audit trail backend. Enrollment decisions are contested (a full
// course means someone was refused a seat), so every transition is
// recorded with enough metadata to reconstruct who asked for what and
// what the system decided.
//
// The [Recorder] interface keeps this package free of any concrete
// audit backend; callers inject an adapter at wiring time.
//
// # Selective filtering
//
//	audit.New(recorder,
//	    audit.WithActions(
//	        audit.ActionTaskFailed,
//	        audit.ActionTaskCancelled,
//	    ),
//	)
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stevessr/enrollq/ext"
	"github.com/stevessr/enrollq/task"
)

// Audit event actions. Each constant corresponds to one ext lifecycle
// hook and becomes the Action field of the audit event.
const (
	ActionTaskSubmitted = "task.submitted"
	ActionTaskStarted   = "task.started"
	ActionTaskCompleted = "task.completed"
	ActionTaskFailed    = "task.failed"
	ActionTaskCancelled = "task.cancelled"
	ActionTaskRetried   = "task.retried"
)

// CategoryTask groups all task actions.
const CategoryTask = "enrollq.task"

// ResourceTask is the Resource field of every event this package emits.
const ResourceTask = "task"

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionTaskSubmitted,
		ActionTaskStarted,
		ActionTaskCompleted,
		ActionTaskFailed,
		ActionTaskCancelled,
		ActionTaskRetried,
	}
}

// Event is a structured audit record for one lifecycle transition.
type Event struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// Recorder is the interface audit backends must implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// LogRecorder writes audit events to a structured logger. It is the
// default backend for deployments without a dedicated audit store.
func LogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, event *Event) error {
		logger.LogAttrs(ctx, slog.LevelInfo, "audit event",
			slog.String("action", event.Action),
			slog.String("resource_id", event.ResourceID),
			slog.String("outcome", event.Outcome),
			slog.String("severity", event.Severity),
			slog.String("reason", event.Reason),
			slog.Any("metadata", event.Metadata),
		)
		return nil
	})
}

// Compile-time interface checks.
var (
	_ ext.Extension     = (*Extension)(nil)
	_ ext.TaskSubmitted = (*Extension)(nil)
	_ ext.TaskStarted   = (*Extension)(nil)
	_ ext.TaskCompleted = (*Extension)(nil)
	_ ext.TaskFailed    = (*Extension)(nil)
	_ ext.TaskCancelled = (*Extension)(nil)
	_ ext.TaskRetried   = (*Extension)(nil)
)

// Extension bridges task lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// Option configures an Extension.
type Option func(*Extension)

// WithActions restricts the extension to emit only the listed actions.
// By default all actions are enabled. Unknown actions are silently
// ignored.
func WithActions(actions ...string) Option {
	return func(e *Extension) {
		e.enabled = make(map[string]bool, len(actions))
		for _, a := range actions {
			e.enabled[a] = true
		}
	}
}

// WithLogger sets a custom logger for the extension.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) { e.logger = l }
}

// New creates an Extension that emits audit events through the provided
// Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit" }

// OnTaskSubmitted implements ext.TaskSubmitted.
func (e *Extension) OnTaskSubmitted(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskSubmitted, SeverityInfo, OutcomeSuccess, t.ID.String(), nil,
		"task_type", string(t.Type),
		"queue", t.Queue,
		"student_id", t.StudentID,
		"course_id", t.CourseID,
	)
}

// OnTaskStarted implements ext.TaskStarted.
func (e *Extension) OnTaskStarted(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskStarted, SeverityInfo, OutcomeSuccess, t.ID.String(), nil,
		"task_type", string(t.Type),
		"student_id", t.StudentID,
		"course_id", t.CourseID,
		"worker_id", t.WorkerID,
	)
}

// OnTaskCompleted implements ext.TaskCompleted.
func (e *Extension) OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error {
	return e.record(ctx, ActionTaskCompleted, SeverityInfo, OutcomeSuccess, t.ID.String(), nil,
		"task_type", string(t.Type),
		"student_id", t.StudentID,
		"course_id", t.CourseID,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnTaskFailed implements ext.TaskFailed.
func (e *Extension) OnTaskFailed(ctx context.Context, t *task.Task, taskErr error) error {
	return e.record(ctx, ActionTaskFailed, SeverityWarning, OutcomeFailure, t.ID.String(), taskErr,
		"task_type", string(t.Type),
		"student_id", t.StudentID,
		"course_id", t.CourseID,
		"retry_count", t.RetryCount,
	)
}

// OnTaskCancelled implements ext.TaskCancelled.
func (e *Extension) OnTaskCancelled(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskCancelled, SeverityInfo, OutcomeSuccess, t.ID.String(), nil,
		"task_type", string(t.Type),
		"student_id", t.StudentID,
		"course_id", t.CourseID,
	)
}

// OnTaskRetried implements ext.TaskRetried.
func (e *Extension) OnTaskRetried(ctx context.Context, t *task.Task, runAt time.Time) error {
	return e.record(ctx, ActionTaskRetried, SeverityWarning, OutcomeSuccess, t.ID.String(), nil,
		"task_type", string(t.Type),
		"student_id", t.StudentID,
		"course_id", t.CourseID,
		"retry_count", t.RetryCount,
		"run_at", runAt.UTC().Format(time.RFC3339),
	)
}

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome, resourceID string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &Event{
		Action:     action,
		Resource:   ResourceTask,
		Category:   CategoryTask,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
