// Package limiter implements the rate-limiting algorithms over a
// store.CounterStore. Checks never return errors to callers; a check that
// could not be executed reports StatusDegraded and the orchestrator decides
// admission policy for it.
package limiter

import "time"

// Status is the explicit outcome of one limiter check.
type Status int

const (
	StatusAllowed Status = iota
	StatusDenied
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusAllowed:
		return "allowed"
	case StatusDenied:
		return "denied"
	case StatusDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Result is produced fresh for every check and never persisted.
type Result struct {
	Status     Status
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}
