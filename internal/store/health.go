package store

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthCooldown         = 5 * time.Second
)

// healthGate tracks consecutive backend failures and gates availability.
// After the failure threshold is reached the gate opens for a cooldown and
// Available reports false without touching the network; the first probe
// after the cooldown acts as the half-open trial. Probe results are cached
// for probeTTL so a healthy backend is not pinged on every request.
type healthGate struct {
	mu        sync.Mutex
	failures  int
	openUntil time.Time
	probeTTL  time.Duration
	lastProbe time.Time
	probeOK   bool
}

func newHealthGate(probeTTL time.Duration) *healthGate {
	return &healthGate{probeTTL: probeTTL}
}

func (g *healthGate) RecordFailure(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures++
	if g.failures >= healthFailureThreshold {
		g.openUntil = now.Add(healthCooldown)
	}
	// A failed operation invalidates a cached healthy probe immediately.
	g.lastProbe = time.Time{}
	g.probeOK = false
}

func (g *healthGate) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures = 0
	g.openUntil = time.Time{}
}

func (g *healthGate) Open(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return now.Before(g.openUntil)
}

func (g *healthGate) CachedProbe(now time.Time) (ok, fresh bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.lastProbe.IsZero() || now.Sub(g.lastProbe) > g.probeTTL {
		return false, false
	}
	return g.probeOK, true
}

func (g *healthGate) StoreProbe(now time.Time, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastProbe = now
	g.probeOK = ok
}
