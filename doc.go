// Package enrollq implements the concurrency core of a course-selection
// system: a rate-limited, durable enrollment task queue with an
// asynchronous dispatcher.
//
// Students submit select/deselect intents which are recorded as durable
// tasks and executed against the authoritative enrollment ledger by a
// bounded worker pool. The queue never enforces seat capacity itself —
// that is the ledger's contract — but it gives each submission a
// queryable lifecycle (pending → processing → completed/failed), fair
// per-client throttling, and explicit, observable retry.
//
// # Quick Start
//
//	s := memory.New()
//	led := ledger.NewMemory()
//	eng, err := engine.Build(enrollq.DefaultConfig(), s, led, logger)
//
// # Architecture
//
// Each concern lives in its own package: task (model + store contract),
// ratelimit (token buckets + dual-key gating), dispatcher (executor +
// worker pool), ledger (seat accounting collaborator), engine (wiring
// and queue operations), api (HTTP transport). A single store backend
// (memory, redis, or postgres) implements the task.Store interface.
//
// All task IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package enrollq
