// Package queue defines per-queue and per-course dispatch limits.
//
// Queues are named channels that group enrollment tasks: deselects and
// selects run on separate queues so freed seats can be released ahead of
// the select backlog. Tasks carry a Queue field that determines which
// queue they belong to. The dispatcher polls the queues listed in
// [enrollq.Config.Queues].
//
// # Per-Queue Configuration
//
// Use [Config] to set per-queue rate limits and concurrency caps:
//
//	queue.Config{
//	    Name:           "select",
//	    MaxConcurrency: 8,      // max 8 concurrent select dispatches
//	    RateLimit:      50,     // max 50 tasks/s dequeued from this queue
//	    RateBurst:      100,    // allow bursts up to 100
//	}
//
// # Manager
//
// [Manager] enforces the limits at dequeue time. It uses a token-bucket
// rate limiter (golang.org/x/time/rate) and an active-count gate for
// concurrency limits. Per-course caps stop a single hot course from
// monopolizing the worker pool during a registration rush.
//
//	m := queue.NewManager(configs...)
//	if m.Acquire(queueName, courseKey) {
//	    defer m.Release(queueName, courseKey)
//	    // dispatch the task
//	}
//
// Queues without a [Config] have no limits beyond the pool-wide
// concurrency.
package queue
