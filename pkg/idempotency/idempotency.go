// Package idempotency deduplicates retried requests and engine callbacks
// by claiming a key for a bounded window.
package idempotency

import (
	"context"
	"time"
)

// DefaultTTL is how long a claimed key stays reserved.
const DefaultTTL = 24 * time.Hour

// Store claims idempotency keys. Claim returns true when the key was not
// seen before within the TTL window; a false return means the operation
// already ran and should be treated as a duplicate.
type Store interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	Close() error
}
