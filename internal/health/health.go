// Package health provides a registry of named subsystem health checks.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the result of one subsystem check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Check probes one subsystem. It must honor ctx cancellation.
type Check func(ctx context.Context) (healthy bool, detail string)

// Registry holds named checks and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	checks []namedCheck
}

type namedCheck struct {
	name  string
	check Check
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named check. Order of registration is preserved in output.
func (r *Registry) Register(name string, check Check) {
	r.mu.Lock()
	r.checks = append(r.checks, namedCheck{name: name, check: check})
	r.mu.Unlock()
}

// Run executes all checks and reports aggregate health plus per-subsystem detail.
func (r *Registry) Run(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checks := make([]namedCheck, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(checks))
	for _, nc := range checks {
		ok, detail := nc.check(ctx)
		if !ok {
			healthy = false
		}
		statuses = append(statuses, Status{
			Name:      nc.name,
			Healthy:   ok,
			Detail:    detail,
			CheckedAt: time.Now().UTC(),
		})
	}
	return healthy, statuses
}
