// Package cache abstracts the Redis operations behind the job ledger and the
// request rate limiter.
package cache

import (
	"context"
	"time"
)

// Cache is everything the job ledger needs from the store.
type Cache interface {
	Counter
	RecordOps

	Ping(ctx context.Context) error
	Close() error
}

// Counter covers claims and fixed-window counters.
type Counter interface {
	// SetNX sets key only if it is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL is negative for a key without expiry (-1) or a missing key (-2).
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, keys ...string) error
}

// RecordOps stores small field maps such as a job's lifecycle record.
type RecordOps interface {
	// HGetAll returns an empty map for a missing key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// Pipeline queues the writes issued by fn and sends them in one round trip.
	// Nothing is sent when fn fails.
	Pipeline(ctx context.Context, fn func(pipe Pipeliner) error) error
}

// Pipeliner is the set of writes that may be batched.
type Pipeliner interface {
	HMSet(key string, fields map[string]interface{}) error
	Expire(key string, ttl time.Duration) error
}
