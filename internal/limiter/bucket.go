package limiter

import (
	"context"
	"math"
	"time"

	"github.com/gateguard/gateguard/internal/store"
)

// Bucket is the token-bucket limiter. The refill-and-consume step is a
// single atomic store operation; two concurrent checks can never both spend
// the last token.
type Bucket struct {
	store store.CounterStore
	nowFn func() time.Time
}

func NewBucket(s store.CounterStore) *Bucket {
	return &Bucket{store: s, nowFn: time.Now}
}

// Check consumes requested tokens from the subject's bucket. On denial,
// RetryAfter reports when the next whole token becomes available.
func (b *Bucket) Check(ctx context.Context, subjectID, operation string, capacity, refillPerSecond, requested float64) Result {
	now := b.nowFn()
	limit := int(capacity)

	res, err := b.store.TakeTokens(ctx, store.BucketKey(subjectID, operation), capacity, refillPerSecond, requested, now)
	if err != nil {
		return Result{Status: StatusDegraded, Limit: limit}
	}

	remaining := int(math.Floor(res.Tokens))
	if remaining < 0 {
		remaining = 0
	}

	if !res.Allowed {
		refillAt := nextTokenAt(res.LastRefillAt, refillPerSecond)
		retryAfter := refillAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Result{
			Status:     StatusDenied,
			Limit:      limit,
			Remaining:  remaining,
			ResetAt:    refillAt,
			RetryAfter: retryAfter,
		}
	}

	return Result{
		Status:    StatusAllowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   nextTokenAt(res.LastRefillAt, refillPerSecond),
	}
}

// nextTokenAt is the earliest instant a single whole token is refilled.
func nextTokenAt(lastRefill time.Time, refillPerSecond float64) time.Time {
	if refillPerSecond <= 0 {
		return lastRefill
	}
	return lastRefill.Add(time.Duration(float64(time.Second) / refillPerSecond))
}
