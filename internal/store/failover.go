package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/gateguard/gateguard/internal/metrics"
)

// Failover serves counter operations from a primary shared store and falls
// back to a process-local mirror when the primary is unreachable or times
// out. The fallback only protects this process, not the fleet; that is the
// accepted degraded behavior during an outage.
//
// Transitions between the two stores are not linearizable: a check may land
// on the mirror while a concurrent one lands on the just-recovered primary.
type Failover struct {
	primary CounterStore
	local   CounterStore
}

func NewFailover(primary, local CounterStore) *Failover {
	return &Failover{primary: primary, local: local}
}

func (f *Failover) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if !f.primary.Available(ctx) {
		metrics.RecordFallback()
		return f.local.Increment(ctx, key, ttl)
	}

	count, err := f.primary.Increment(ctx, key, ttl)
	if err != nil {
		slog.Warn("shared store increment failed, using local fallback", "key", key, "error", err)
		metrics.RecordStoreError()
		metrics.RecordFallback()
		return f.local.Increment(ctx, key, ttl)
	}
	return count, nil
}

func (f *Failover) TakeTokens(ctx context.Context, key string, capacity, refillPerSecond, requested float64, now time.Time) (BucketResult, error) {
	if !f.primary.Available(ctx) {
		metrics.RecordFallback()
		return f.local.TakeTokens(ctx, key, capacity, refillPerSecond, requested, now)
	}

	res, err := f.primary.TakeTokens(ctx, key, capacity, refillPerSecond, requested, now)
	if err != nil {
		slog.Warn("shared store bucket op failed, using local fallback", "key", key, "error", err)
		metrics.RecordStoreError()
		metrics.RecordFallback()
		return f.local.TakeTokens(ctx, key, capacity, refillPerSecond, requested, now)
	}
	return res, nil
}

// Available always reports true: the failover can serve from the mirror.
func (f *Failover) Available(ctx context.Context) bool {
	return true
}

// Reset clears counters in both stores so an admin reset takes effect
// regardless of which path recent checks used.
func (f *Failover) Reset(ctx context.Context, subjectID, operation string) error {
	if err := f.local.Reset(ctx, subjectID, operation); err != nil {
		return err
	}
	return f.primary.Reset(ctx, subjectID, operation)
}
