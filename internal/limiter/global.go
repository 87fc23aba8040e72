package limiter

import (
	"context"
	"time"

	"github.com/gateguard/gateguard/internal/store"
)

// Global applies the window algorithm to an operation as a whole, ignoring
// the subject. It caps aggregate load regardless of who originates it and
// composes with the per-subject check: the orchestrator requires both to
// pass.
type Global struct {
	store store.CounterStore
	nowFn func() time.Time
}

func NewGlobal(s store.CounterStore) *Global {
	return &Global{store: s, nowFn: time.Now}
}

func (g *Global) Check(ctx context.Context, operation string, limit int, window time.Duration) Result {
	now := g.nowFn()
	key := store.GlobalWindowKey(operation, window.Milliseconds(), windowIndex(now, window))
	return checkWindow(ctx, g.store, key, limit, window, now)
}
