package limiter

import (
	"context"
	"time"

	"github.com/gateguard/gateguard/internal/store"
)

// Window counts requests in fixed, window-aligned intervals. One atomic
// increment per check; the counter resets only by window rollover. A burst
// of up to twice the limit can pass across a window boundary, which is the
// accepted price of O(1) counting.
type Window struct {
	store store.CounterStore
	nowFn func() time.Time
}

func NewWindow(s store.CounterStore) *Window {
	return &Window{store: s, nowFn: time.Now}
}

// Check consumes one slot in the subject's current window. Consumption is
// not rolled back if the request is later aborted.
func (w *Window) Check(ctx context.Context, subjectID, operation string, limit int, window time.Duration) Result {
	now := w.nowFn()
	key := store.WindowKey(subjectID, operation, window.Milliseconds(), windowIndex(now, window))
	return checkWindow(ctx, w.store, key, limit, window, now)
}

func windowIndex(now time.Time, window time.Duration) int64 {
	return now.UnixMilli() / window.Milliseconds()
}

func checkWindow(ctx context.Context, s store.CounterStore, key string, limit int, window time.Duration, now time.Time) Result {
	idx := now.UnixMilli() / window.Milliseconds()
	resetAt := time.UnixMilli((idx + 1) * window.Milliseconds())

	// TTL rounds the window up to whole seconds so the key outlives its
	// window rather than expiring inside it.
	ttl := window.Truncate(time.Second)
	if ttl < window {
		ttl += time.Second
	}

	count, err := s.Increment(ctx, key, ttl)
	if err != nil {
		return Result{Status: StatusDegraded, Limit: limit}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	if count > int64(limit) {
		return Result{
			Status:     StatusDenied,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	return Result{
		Status:    StatusAllowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
