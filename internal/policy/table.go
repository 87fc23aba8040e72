// Package policy loads the endpoint policy table and resolves the effective
// limits for a (operation, subject) pair. Policies are parsed and validated
// once at load time; the rest of the system only ever sees closed,
// well-formed domain.EndpointPolicy values.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/gateguard/gateguard/internal/domain"
)

type fileTable struct {
	Policies map[string]filePolicy `yaml:"policies"`
}

type filePolicy struct {
	Algorithm       string             `yaml:"algorithm"`
	PerMinute       int                `yaml:"per_minute"`
	PerHour         int                `yaml:"per_hour"`
	Capacity        float64            `yaml:"capacity"`
	RefillPerSecond float64            `yaml:"refill_per_second"`
	RequireAuth     bool               `yaml:"require_auth"`
	Message         string             `yaml:"message"`
	TierMultipliers map[string]float64 `yaml:"tier_multipliers"`
	RoleMultipliers map[string]float64 `yaml:"role_multipliers"`
	GlobalPerMinute int                `yaml:"global_per_minute"`
	Bypass          fileBypass         `yaml:"bypass"`
}

type fileBypass struct {
	Roles    []string `yaml:"roles"`
	Subjects []string `yaml:"subjects"`
	Internal bool     `yaml:"internal"`
}

// Table holds the loaded policies. Reads take a shared lock so a hot reload
// never tears a request's view; each request works on the immutable policy
// value it fetched.
type Table struct {
	mu       sync.RWMutex
	policies map[string]*domain.EndpointPolicy
}

// Load reads and validates a policy file.
func Load(path string) (*Table, error) {
	t := &Table{}
	if err := t.reload(path); err != nil {
		return nil, err
	}
	return t, nil
}

// NewTable builds a table from already-constructed policies. Used by tests
// and embedded deployments that do not read a file.
func NewTable(policies map[string]*domain.EndpointPolicy) *Table {
	if policies == nil {
		policies = make(map[string]*domain.EndpointPolicy)
	}
	return &Table{policies: policies}
}

func (t *Table) reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}

	var raw fileTable
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}

	policies := make(map[string]*domain.EndpointPolicy, len(raw.Policies))
	for operation, fp := range raw.Policies {
		p, err := compile(operation, fp)
		if err != nil {
			return fmt.Errorf("policy %q: %w", operation, err)
		}
		policies[operation] = p
	}

	t.mu.Lock()
	t.policies = policies
	t.mu.Unlock()

	return nil
}

func compile(operation string, fp filePolicy) (*domain.EndpointPolicy, error) {
	algorithm := domain.Algorithm(fp.Algorithm)

	switch algorithm {
	case domain.AlgorithmSlidingWindow:
		if fp.PerMinute <= 0 && fp.PerHour <= 0 {
			return nil, fmt.Errorf("sliding_window requires a positive per_minute or per_hour")
		}
		if fp.PerMinute < 0 || fp.PerHour < 0 {
			return nil, fmt.Errorf("window limits must not be negative")
		}
	case domain.AlgorithmTokenBucket:
		if fp.Capacity <= 0 {
			return nil, fmt.Errorf("token_bucket requires a positive capacity")
		}
		if fp.RefillPerSecond <= 0 {
			return nil, fmt.Errorf("token_bucket requires a positive refill_per_second")
		}
	default:
		return nil, fmt.Errorf("unknown algorithm %q", fp.Algorithm)
	}

	for tier, factor := range fp.TierMultipliers {
		if factor <= 0 {
			return nil, fmt.Errorf("tier multiplier %q must be positive", tier)
		}
	}
	for role, factor := range fp.RoleMultipliers {
		if factor <= 0 {
			return nil, fmt.Errorf("role multiplier %q must be positive", role)
		}
	}
	if fp.GlobalPerMinute < 0 {
		return nil, fmt.Errorf("global_per_minute must not be negative")
	}

	message := fp.Message
	if message == "" {
		message = "Rate limit exceeded. Please retry later."
	}

	p := &domain.EndpointPolicy{
		Operation: operation,
		Algorithm: algorithm,
		Limits: domain.Limits{
			PerMinute:       fp.PerMinute,
			PerHour:         fp.PerHour,
			Capacity:        fp.Capacity,
			RefillPerSecond: fp.RefillPerSecond,
		},
		TierMultipliers: fp.TierMultipliers,
		RoleMultipliers: fp.RoleMultipliers,
		RequireAuth:     fp.RequireAuth,
		Message:         message,
		Bypass:          compileBypass(fp.Bypass),
	}
	if fp.GlobalPerMinute > 0 {
		p.Global = &domain.GlobalLimit{PerMinute: fp.GlobalPerMinute}
	}

	return p, nil
}

func compileBypass(b fileBypass) domain.BypassFunc {
	if len(b.Roles) == 0 && len(b.Subjects) == 0 && !b.Internal {
		return nil
	}

	roles := make(map[string]struct{}, len(b.Roles))
	for _, r := range b.Roles {
		roles[r] = struct{}{}
	}
	subjects := make(map[string]struct{}, len(b.Subjects))
	for _, s := range b.Subjects {
		subjects[s] = struct{}{}
	}

	return func(subject *domain.Subject, meta domain.RequestMeta) bool {
		if b.Internal && meta.Internal {
			return true
		}
		if subject == nil {
			return false
		}
		if _, ok := roles[subject.Role]; ok {
			return true
		}
		if _, ok := subjects[subject.ID]; ok {
			return true
		}
		return false
	}
}

// Get returns the policy for an operation, if one exists.
func (t *Table) Get(operation string) (*domain.EndpointPolicy, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.policies[operation]
	return p, ok
}

// Operations lists the configured operation names.
func (t *Table) Operations() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ops := make([]string, 0, len(t.policies))
	for op := range t.policies {
		ops = append(ops, op)
	}
	return ops
}

// Watch reloads the table whenever the policy file changes. A reload that
// fails validation is logged and the previous table stays in effect.
func (t *Table) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := t.reload(path); err != nil {
					slog.Error("policy reload failed, keeping previous table", "path", path, "error", err)
					continue
				}
				slog.Info("policy table reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("policy watcher error", "error", err)
			}
		}
	}()

	return nil
}
