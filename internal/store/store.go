// Package store provides the shared counter store the limiters run against.
// It supports both in-memory (single instance) and Redis (distributed)
// backends behind one interface, so the limiter arithmetic is identical on
// the shared path and the degraded local path.
package store

import (
	"context"
	"fmt"
	"time"
)

// BucketResult is the outcome of one atomic token-bucket operation.
type BucketResult struct {
	Allowed      bool
	Tokens       float64
	LastRefillAt time.Time
}

// CounterStore is the contract between the limiters and a counter backend.
//
// Increment and TakeTokens must each be a single atomic operation; callers
// never perform a separate read followed by a separate write against shared
// keys. Backend failures surface as domain.ErrStoreUnavailable so callers
// can degrade instead of failing the request.
type CounterStore interface {
	// Increment atomically increments the counter at key, setting ttl when
	// the key is created, and returns the post-increment count.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// TakeTokens atomically refills the bucket at key from its last refill
	// time to now and consumes requested tokens when enough are available.
	// A denied take still persists the refilled state.
	TakeTokens(ctx context.Context, key string, capacity, refillPerSecond, requested float64, now time.Time) (BucketResult, error)

	// Available reports whether the backend is reachable. Implementations
	// cache the probe briefly so a dead backend is not probed per request.
	Available(ctx context.Context) bool

	// Reset clears all counters for a subject and operation. Used by the
	// admin API.
	Reset(ctx context.Context, subjectID, operation string) error
}

// WindowKey identifies one fixed-window counter for a subject. The window
// size is part of the key so an operation limited per minute and per hour
// uses distinct counters.
func WindowKey(subjectID, operation string, windowMillis, windowIndex int64) string {
	return fmt.Sprintf("rl:win:%s:%s:%d:%d", subjectID, operation, windowMillis, windowIndex)
}

// GlobalWindowKey identifies one fixed-window counter shared by all subjects.
func GlobalWindowKey(operation string, windowMillis, windowIndex int64) string {
	return fmt.Sprintf("rl:global:%s:%d:%d", operation, windowMillis, windowIndex)
}

// BucketKey identifies the token bucket for a subject and operation.
func BucketKey(subjectID, operation string) string {
	return fmt.Sprintf("rl:bkt:%s:%s", subjectID, operation)
}

// bucketTTL is how long an untouched bucket is kept. Twice the time a full
// refill takes, clamped so short buckets survive clock skew and long ones
// don't pin memory forever.
func bucketTTL(capacity, refillPerSecond float64) time.Duration {
	if refillPerSecond <= 0 {
		return time.Hour
	}
	ttl := 2 * time.Duration(capacity/refillPerSecond*float64(time.Second))
	if ttl < time.Minute {
		return time.Minute
	}
	if ttl > 24*time.Hour {
		return 24 * time.Hour
	}
	return ttl
}

func resetKeyPrefixes(subjectID, operation string) []string {
	return []string{
		fmt.Sprintf("rl:win:%s:%s:", subjectID, operation),
		fmt.Sprintf("rl:bkt:%s:%s", subjectID, operation),
	}
}
