package store

import (
	"context"
	"time"
)

// Store is the TTL key/value capability contract backing OTP records and
// rate-limit counters. Two backends satisfy it: a redis-backed store and an
// in-process fallback. Selection happens once at startup.
type Store interface {
	// Get returns the value for key, or found=false when absent or expired.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set writes key with the given TTL, replacing any previous value.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Increment atomically adds one to the integer counter at key and returns
	// the new value. The TTL is applied when the counter is first created.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Delete removes key and reports whether it existed. The deleted flag is
	// what linearizes concurrent single-use consumption of OTP records.
	Delete(ctx context.Context, key string) (deleted bool, err error)
}
