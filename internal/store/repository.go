/**
 * @description
 * This file defines the `Repository` interface, the contract for the durable
 * key-value store that backs every persisted state machine and the bulk
 * aggregate. The store is the only shared mutable resource in the system:
 * all cross-process coordination (phase counters, idempotency guards,
 * membership maps) goes through these operations, never through in-memory
 * state.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 */

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no value exists under the requested key or
// hash field.
var ErrNotFound = errors.New("store: key not found")

// Repository defines the set of operations against the key-value store.
//
// Field operations act on a hash stored under the key. IncrementField and
// SetFieldNX must be atomic at the store level; they are the primitives the
// bulk engine relies on for correct counting under concurrent handlers.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	GetField(ctx context.Context, key, field string) (string, error)
	SetField(ctx context.Context, key, field, value string) error
	// SetFieldNX sets the field only if it does not already exist and
	// reports whether this call performed the write. It is the guard used
	// to make at-least-once event handling idempotent.
	SetFieldNX(ctx context.Context, key, field, value string) (bool, error)
	// IncrementField atomically adds delta to an integer field and returns
	// the new value.
	IncrementField(ctx context.Context, key, field string, delta int64) (int64, error)
	GetAllFields(ctx context.Context, key string) (map[string]string, error)

	// Keys returns all keys matching the glob pattern. Used only by the
	// sweeper and by aggregate membership listing; never on a hot path.
	Keys(ctx context.Context, pattern string) ([]string, error)
}
