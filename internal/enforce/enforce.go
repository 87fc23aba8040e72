// Package enforce ties policy resolution and the limiters into a single
// admit/deny decision. Enforcement never turns its own failures into
// user-facing errors: the only rejection a caller ever sees is a genuine,
// successfully computed over-limit decision.
package enforce

import (
	"context"
	"log/slog"
	"time"

	"github.com/gateguard/gateguard/internal/alert"
	"github.com/gateguard/gateguard/internal/domain"
	"github.com/gateguard/gateguard/internal/limiter"
	"github.com/gateguard/gateguard/internal/metrics"
	"github.com/gateguard/gateguard/internal/policy"
	"github.com/gateguard/gateguard/internal/store"
	"github.com/gateguard/gateguard/internal/telemetry"
	"github.com/gateguard/gateguard/internal/usage"
)

// Config wires an Enforcer. Store is required; Usage and Alerts are
// optional and skipped when nil.
type Config struct {
	Resolver *policy.Resolver
	Store    store.CounterStore
	Usage    *usage.Dispatcher
	Alerts   *alert.Monitor
}

// Enforcer is the per-request decision engine. All counter state lives in
// the injected store; the Enforcer itself is stateless and safe for
// concurrent use.
type Enforcer struct {
	resolver *policy.Resolver
	store    store.CounterStore
	window   *limiter.Window
	bucket   *limiter.Bucket
	global   *limiter.Global
	usage    *usage.Dispatcher
	alerts   *alert.Monitor
	nowFn    func() time.Time
}

func New(cfg Config) *Enforcer {
	return &Enforcer{
		resolver: cfg.Resolver,
		store:    cfg.Store,
		window:   limiter.NewWindow(cfg.Store),
		bucket:   limiter.NewBucket(cfg.Store),
		global:   limiter.NewGlobal(cfg.Store),
		usage:    cfg.Usage,
		alerts:   cfg.Alerts,
		nowFn:    time.Now,
	}
}

// Enforce decides whether the subject may run the operation. The decision
// carries the header metadata for admitted requests and the retry metadata
// for rejected ones.
func (e *Enforcer) Enforce(ctx context.Context, operation string, subject *domain.Subject, meta domain.RequestMeta) domain.Decision {
	start := e.nowFn()

	ctx, span := telemetry.StartSpan(ctx, "gateguard.enforce")
	defer span.End()

	eff, skip := e.resolver.Resolve(operation, subject, meta)
	if skip != policy.SkipNone {
		metrics.RecordCheck(operation, "none", skip.String(), e.nowFn().Sub(start).Seconds())
		return domain.Decision{Allowed: true, Bypassed: skip == policy.SkipBypass}
	}

	telemetry.AddCheckAttributes(span, eff.SubjectID, operation, string(eff.Policy.Algorithm))

	res, algorithm := e.check(ctx, operation, eff)

	var decision domain.Decision
	if res.Status == limiter.StatusDegraded {
		// A check that could not execute fails open: skipping enforcement
		// once is better than refusing traffic because of our own
		// infrastructure.
		slog.Warn("limiter check degraded, admitting request",
			"operation", operation,
			"subject_id", eff.SubjectID,
			"algorithm", algorithm,
		)
		metrics.RecordDegraded(operation, algorithm)
		decision = domain.Decision{Allowed: true, Degraded: true, Limit: res.Limit}
	} else {
		decision = domain.Decision{
			Allowed:    res.Status == limiter.StatusAllowed,
			Limit:      res.Limit,
			Remaining:  res.Remaining,
			ResetAt:    res.ResetAt,
			RetryAfter: res.RetryAfter,
		}
		if !decision.Allowed {
			decision.Remaining = 0
			decision.Message = eff.Policy.Message
		}
	}

	telemetry.AddDecisionAttributes(span, decision.Allowed, decision.Degraded, decision.Remaining)
	metrics.RecordCheck(operation, algorithm, res.Status.String(), e.nowFn().Sub(start).Seconds())

	if !decision.Allowed {
		metrics.RecordDenial(operation, eff.SubjectID)
		if e.alerts != nil {
			e.alerts.RecordDenial(eff.SubjectID, operation)
		}
	}

	if e.usage != nil {
		e.usage.Dispatch(domain.UsageRecord{
			RequestID: meta.RequestID,
			SubjectID: eff.SubjectID,
			Operation: operation,
			Algorithm: algorithm,
			Allowed:   decision.Allowed,
			Degraded:  decision.Degraded,
			Limit:     decision.Limit,
			Remaining: decision.Remaining,
			Timestamp: e.nowFn(),
		})
	}

	return decision
}

// Reset clears every counter for a subject and operation. Exposed to the
// admin API.
func (e *Enforcer) Reset(ctx context.Context, subjectID, operation string) error {
	return e.store.Reset(ctx, subjectID, operation)
}

// check runs the limiter selected by the policy, then the operation-wide
// ceiling when one is configured. Both must pass; each check consumes its
// counter and consumption is never rolled back.
func (e *Enforcer) check(ctx context.Context, operation string, eff *policy.Effective) (limiter.Result, string) {
	var res limiter.Result
	algorithm := string(eff.Policy.Algorithm)

	switch eff.Policy.Algorithm {
	case domain.AlgorithmSlidingWindow:
		res = e.checkWindows(ctx, operation, eff)
	case domain.AlgorithmTokenBucket:
		res = e.bucket.Check(ctx, eff.SubjectID, operation, eff.Capacity, eff.RefillPerSecond, 1)
	default:
		// A policy naming an unknown algorithm is a config defect, not a
		// reason to refuse traffic.
		slog.Error("unsupported rate limit algorithm, admitting request",
			"operation", operation,
			"algorithm", algorithm,
		)
		return limiter.Result{Status: limiter.StatusDegraded}, algorithm
	}

	if res.Status == limiter.StatusAllowed && eff.Policy.Global != nil {
		globalRes := e.global.Check(ctx, operation, eff.Policy.Global.PerMinute, time.Minute)
		if globalRes.Status != limiter.StatusAllowed {
			if globalRes.Status == limiter.StatusDenied {
				return globalRes, algorithm
			}
			// Degraded global check does not veto an allowed subject check.
			metrics.RecordDegraded(operation, "global")
		}
	}

	return res, algorithm
}

// checkWindows enforces the per-minute and per-hour windows. The stricter
// remaining wins; a denial by either denies the request.
func (e *Enforcer) checkWindows(ctx context.Context, operation string, eff *policy.Effective) limiter.Result {
	var results []limiter.Result

	if eff.PerMinute > 0 {
		results = append(results, e.window.Check(ctx, eff.SubjectID, operation, eff.PerMinute, time.Minute))
	}
	if eff.PerHour > 0 {
		results = append(results, e.window.Check(ctx, eff.SubjectID, operation, eff.PerHour, time.Hour))
	}

	if len(results) == 0 {
		return limiter.Result{Status: limiter.StatusDegraded}
	}

	combined := results[0]
	for _, r := range results[1:] {
		switch {
		case r.Status == limiter.StatusDenied && combined.Status != limiter.StatusDenied:
			combined = r
		case r.Status == combined.Status && r.Remaining < combined.Remaining:
			combined = r
		case combined.Status == limiter.StatusDegraded && r.Status != limiter.StatusDegraded:
			combined = r
		}
	}
	return combined
}
