package ports

import (
	"context"
	"time"
)

// DurableStore mirrors in-flight and queued envelopes so a process restart
// does not lose them. Any store exposing these four list primitives
// satisfies the contract; the reference adapter is a Redis list per key.
//
// Store failures must never block delivery to live connections: callers
// degrade to memory-only operation and log the transition.
type DurableStore interface {
	// Push appends a value to the list stored at key.
	Push(ctx context.Context, key string, value []byte) error

	// List returns every value stored at key, in insertion order.
	List(ctx context.Context, key string) ([][]byte, error)

	// Remove deletes every value at key for which match returns true.
	Remove(ctx context.Context, key string, match func(value []byte) bool) error

	// Expire sets the time-to-live of the whole key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}
