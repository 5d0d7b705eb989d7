// Package store defines the aggregate persistence interface for the
// enrollment queue. The task store carries the durable task records;
// lifecycle methods cover schema migration, connectivity checks, and
// shutdown. Backends: Postgres, Redis, and Memory.
package store

import (
	"context"

	"github.com/stevessr/enrollq/task"
)

// Store is the aggregate persistence interface. A single backend
// implements the task store plus lifecycle management.
type Store interface {
	task.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
