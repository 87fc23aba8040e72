package domain

import "time"

// Subject is the identity a limit is scoped to: an authenticated caller or,
// for anonymous traffic, the client IP carried in RequestMeta.
type Subject struct {
	ID         string
	Name       string
	APIKeyHash string
	Role       string
	Tier       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RequestMeta carries the request attributes the guard needs without binding
// it to any particular transport.
type RequestMeta struct {
	RequestID string
	ClientIP  string
	Internal  bool
	Headers   map[string]string
}

// Algorithm names a limiter implementation.
type Algorithm string

const (
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmTokenBucket   Algorithm = "token_bucket"
)

// Limits holds the base limits of a policy before multipliers are applied.
// PerMinute/PerHour apply to sliding_window, Capacity/RefillPerSecond to
// token_bucket.
type Limits struct {
	PerMinute       int
	PerHour         int
	Capacity        float64
	RefillPerSecond float64
}

// GlobalLimit caps an operation across all subjects combined.
type GlobalLimit struct {
	PerMinute int
}

// BypassFunc exempts a request from enforcement when it returns true.
type BypassFunc func(subject *Subject, meta RequestMeta) bool

// EndpointPolicy is the resolved, validated limiter configuration for one
// operation. It is immutable for the duration of a request.
type EndpointPolicy struct {
	Operation       string
	Algorithm       Algorithm
	Limits          Limits
	TierMultipliers map[string]float64
	RoleMultipliers map[string]float64
	RequireAuth     bool
	Global          *GlobalLimit
	Bypass          BypassFunc
	Message         string
}

// Decision is the outcome of one enforcement check. Produced fresh per
// request, never persisted beyond it.
type Decision struct {
	Allowed    bool
	Bypassed   bool
	Degraded   bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Message    string
}

// UsageRecord is the accounting view of a decision, handed to the usage
// pipeline after the request is admitted or rejected.
type UsageRecord struct {
	RequestID string
	SubjectID string
	Operation string
	Algorithm string
	Allowed   bool
	Degraded  bool
	Limit     int
	Remaining int
	Timestamp time.Time
}
