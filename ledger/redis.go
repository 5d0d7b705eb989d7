package ledger

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Ensure Redis implements Ledger at compile time.
var _ Ledger = (*Redis)(nil)

// Key layout:
//
//	enrollq:course:{courseID}:capacity   string, seat capacity
//	enrollq:course:{courseID}:occupants  set of student IDs
//	enrollq:student:{studentID}:courses  set of course IDs
//
// Both membership sides are updated inside one Lua script, so the
// capacity check and the two SADD/SREM calls commit as a single
// server-side step. No reply from a script is ever acted on after
// another client could have moved the seat count.

// Script reply codes. Kept in sync with the KEYS/ARGV contracts below.
const (
	replyOK              = 0
	replyCourseNotFound  = 1
	replyCourseFull      = 2
	replyAlreadySelected = 3
	replyNotSelected     = 4
)

// selectScript: KEYS[1]=capacity KEYS[2]=occupants KEYS[3]=selections
// ARGV[1]=studentID ARGV[2]=courseID
var selectScript = redis.NewScript(`
local capacity = redis.call("GET", KEYS[1])
if not capacity then
  return 1
end
if redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 1 then
  return 3
end
if redis.call("SCARD", KEYS[2]) >= tonumber(capacity) then
  return 2
end
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("SADD", KEYS[3], ARGV[2])
return 0
`)

// deselectScript: same key/arg contract as selectScript.
var deselectScript = redis.NewScript(`
if not redis.call("GET", KEYS[1]) then
  return 1
end
if redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 0 then
  return 4
end
redis.call("SREM", KEYS[2], ARGV[1])
redis.call("SREM", KEYS[3], ARGV[2])
return 0
`)

// Redis is a Ledger backed by Redis sets, for deployments where seat
// state is shared across processes. The caller owns the client
// lifecycle.
type Redis struct {
	client redis.Cmdable
}

// NewRedis creates a Redis-backed ledger.
func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client}
}

// AddCourse registers a course with the given seat capacity.
func (r *Redis) AddCourse(ctx context.Context, courseID int64, capacity int) error {
	if err := r.client.Set(ctx, capacityKey(courseID), capacity, 0).Err(); err != nil {
		return fmt.Errorf("enrollq/ledger: add course %d: %w", courseID, err)
	}
	return nil
}

// Select implements Ledger.
func (r *Redis) Select(ctx context.Context, studentID, courseID int64) error {
	return r.run(ctx, selectScript, studentID, courseID)
}

// Deselect implements Ledger.
func (r *Redis) Deselect(ctx context.Context, studentID, courseID int64) error {
	return r.run(ctx, deselectScript, studentID, courseID)
}

// Ping verifies the Redis connection is alive.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) run(ctx context.Context, script *redis.Script, studentID, courseID int64) error {
	keys := []string{
		capacityKey(courseID),
		occupantsKey(courseID),
		selectionsKey(studentID),
	}
	code, err := script.Run(ctx, r.client, keys, studentID, courseID).Int()
	if err != nil {
		return fmt.Errorf("enrollq/ledger: script: %w", err)
	}

	switch code {
	case replyOK:
		return nil
	case replyCourseNotFound:
		return ErrCourseNotFound
	case replyCourseFull:
		return ErrCourseFull
	case replyAlreadySelected:
		return ErrAlreadySelected
	case replyNotSelected:
		return ErrNotSelected
	default:
		return fmt.Errorf("enrollq/ledger: unexpected script reply %d", code)
	}
}

func capacityKey(courseID int64) string {
	return fmt.Sprintf("enrollq:course:%d:capacity", courseID)
}

func occupantsKey(courseID int64) string {
	return fmt.Sprintf("enrollq:course:%d:occupants", courseID)
}

func selectionsKey(studentID int64) string {
	return fmt.Sprintf("enrollq:student:%d:courses", studentID)
}
