package api

import (
	"context"

	"github.com/gateguard/gateguard/internal/domain"
)

type contextKey string

const decisionContextKey contextKey = "ratelimit_decision"

// WithDecision attaches the enforcement decision to the request context so
// downstream handlers can account for it.
func WithDecision(ctx context.Context, decision domain.Decision) context.Context {
	return context.WithValue(ctx, decisionContextKey, decision)
}

func DecisionFromContext(ctx context.Context) (domain.Decision, bool) {
	decision, ok := ctx.Value(decisionContextKey).(domain.Decision)
	return decision, ok
}
