package policy

import (
	"math"

	"github.com/gateguard/gateguard/internal/domain"
)

// SkipReason explains why enforcement does not apply to a request.
type SkipReason int

const (
	SkipNone SkipReason = iota
	SkipNoPolicy
	SkipBypass
	SkipAnonymous
)

func (r SkipReason) String() string {
	switch r {
	case SkipNoPolicy:
		return "no_policy"
	case SkipBypass:
		return "bypass"
	case SkipAnonymous:
		return "anonymous"
	default:
		return "none"
	}
}

// Effective is a policy with multipliers applied, ready for a limiter.
type Effective struct {
	Policy          *domain.EndpointPolicy
	SubjectID       string
	PerMinute       int
	PerHour         int
	Capacity        float64
	RefillPerSecond float64
}

// Resolver maps (operation, subject) to the effective limiter configuration.
type Resolver struct {
	table *Table
}

func NewResolver(table *Table) *Resolver {
	return &Resolver{table: table}
}

// Resolve applies the resolution order: missing policy, bypass predicate and
// anonymous-with-requireAuth all admit unconditionally; otherwise the
// subject identity is the user id, or the client IP for anonymous traffic,
// and the base limits are scaled by the multiplier factor.
func (r *Resolver) Resolve(operation string, subject *domain.Subject, meta domain.RequestMeta) (*Effective, SkipReason) {
	p, ok := r.table.Get(operation)
	if !ok {
		return nil, SkipNoPolicy
	}

	if p.Bypass != nil && p.Bypass(subject, meta) {
		return nil, SkipBypass
	}

	if subject == nil && p.RequireAuth {
		// Rate limiting applies to identified callers only, unless the
		// policy explicitly opts anonymous traffic in.
		return nil, SkipAnonymous
	}

	subjectID := meta.ClientIP
	if subject != nil && subject.ID != "" {
		subjectID = subject.ID
	}

	factor := multiplierFor(p, subject)

	return &Effective{
		Policy:          p,
		SubjectID:       subjectID,
		PerMinute:       scaleLimit(p.Limits.PerMinute, factor),
		PerHour:         scaleLimit(p.Limits.PerHour, factor),
		Capacity:        p.Limits.Capacity * factor,
		RefillPerSecond: p.Limits.RefillPerSecond * factor,
	}, SkipNone
}

// multiplierFor picks the scaling factor for a subject. An explicit role
// multiplier takes precedence over the tier multiplier; the two never
// compound. Default factor is 1.
func multiplierFor(p *domain.EndpointPolicy, subject *domain.Subject) float64 {
	if subject == nil {
		return 1
	}
	if factor, ok := p.RoleMultipliers[subject.Role]; ok {
		return factor
	}
	if factor, ok := p.TierMultipliers[subject.Tier]; ok {
		return factor
	}
	return 1
}

func scaleLimit(base int, factor float64) int {
	if base <= 0 {
		return base
	}
	return int(math.Round(float64(base) * factor))
}
