// Package kvstore holds short-lived security state: passcode attempt
// counters, lockouts, login throttles and revoked token IDs.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a minimal expiring key-value store.
type Store interface {
	// Get decodes the JSON value stored at key into dest.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores value as JSON. A zero ttl keeps the key until deleted.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Incr increments the integer at key and returns the new value. The ttl
	// is applied when the key is created by this call.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime of key, or 0 when it has none or
	// does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
}
