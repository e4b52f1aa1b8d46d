// Package idempotency provides the cross-process set-if-absent primitive the
// event gateway relies on for at-most-once processing.
package idempotency

import (
	"context"
	"time"
)

// Store is an atomic key-value store with TTL semantics. SetIfAbsent must be
// atomic across processes: exactly one caller observes true for a given key
// within the TTL window.
type Store interface {
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Close() error
}
