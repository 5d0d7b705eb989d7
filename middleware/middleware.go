// Package middleware provides composable middleware for task dispatch.
// Middleware wraps ledger calls synchronously and can modify execution
// (recover from panics, enforce deadlines, log, record metrics, trace).
package middleware

import (
	"context"

	"github.com/stevessr/enrollq/task"
)

// Handler is the terminal function that performs the ledger operation
// for a task.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the task being dispatched, and the next handler to
// call. Middleware MUST call next to continue the chain (unless
// short-circuiting on error).
type Middleware func(ctx context.Context, t *task.Task, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(recoverMW, logging, timeout) executes as:
//
//	recoverMW → logging → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, t, prev)
			}
		}
		return h(ctx)
	}
}
