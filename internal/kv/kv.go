// Package kv defines the shared key-value store both engines are built on:
// TTL strings, atomic counters, compare-and-swap, scored sets and a blocking list pop.
package kv

import (
	"context"
	"errors"
	"time"
)

var ErrUnavailable = errors.New("kv store unavailable")

// Store is the operation set the job and abuse engines need. Every method is
// atomic per key; nothing assumes serializability across keys.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes only when the key is absent and reports whether it wrote.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces old with value and resets the TTL. An absent key
	// never matches, so a record deleted by TTL is not recreated.
	CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// TTL returns the remaining lifetime, or a negative duration when the key
	// is absent or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// IncrWithTTL increments a counter and starts its TTL on creation. It
	// returns the new count and the time left before the counter expires.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, max float64) ([]ScoredMember, error)
	// ZRem reports whether this call removed the member.
	ZRem(ctx context.Context, key, member string) (bool, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)

	RPush(ctx context.Context, key string, values ...string) error
	// BLPop waits up to timeout for a value; ok is false on timeout.
	BLPop(ctx context.Context, key string, timeout time.Duration) (value string, ok bool, err error)

	Ping(ctx context.Context) error
}

type ScoredMember struct {
	Member string
	Score  float64
}
