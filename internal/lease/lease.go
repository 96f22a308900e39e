// Package lease implements a best-effort, blob-backed leader lease.
//
// EnsureLeader grants time-boxed exclusive ownership of a named periodic
// job. The guarantee is deliberately weak: two instances may both
// believe they hold the lease for a brief window around acquisition and
// expiry. Every operation driven by a lease must therefore be
// idempotent — the lease exists to cut duplicate work, not to carry
// correctness.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avolkov/kassaflow/internal/blob"
	"github.com/avolkov/kassaflow/internal/clock"
	"github.com/avolkov/kassaflow/internal/metrics"
)

// Lease is the stored ownership record for one job name.
type Lease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// cacheEntry remembers a confirmed self-owned lease so frequent polls
// skip the storage round trip while comfortably inside the window.
type cacheEntry struct {
	expiresAt time.Time
	checkedAt time.Time
}

// Coordinator acquires and renews leases for this process instance.
// The renewal cache is per-Coordinator, not package state.
type Coordinator struct {
	store  blob.Store
	clock  clock.Clock
	self   string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

const (
	// cacheFreshFor bounds how stale a confirmed ownership may be
	// before we go back to storage.
	cacheFreshFor = 5 * time.Second
	// renewFraction of the ttl must remain for the cache to answer.
	renewFraction = 0.4
)

// NewCoordinator creates a lease coordinator owned by the given identity.
func NewCoordinator(store blob.Store, clk clock.Clock, self string, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		clock:  clk,
		self:   self,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

// Self returns the coordinator's identity.
func (c *Coordinator) Self() string { return c.self }

func leaseKey(name string) string { return "leases/" + name + ".json" }

// EnsureLeader reports whether this instance holds the lease for name,
// acquiring or renewing it if possible. A foreign unexpired lease yields
// false, nil.
func (c *Coordinator) EnsureLeader(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	now := c.clock.Now()

	// Fast path: recently confirmed self-ownership well inside the window.
	c.mu.Lock()
	if e, ok := c.cache[name]; ok {
		remaining := e.expiresAt.Sub(now)
		if remaining >= time.Duration(float64(ttl)*renewFraction) && now.Sub(e.checkedAt) < cacheFreshFor {
			c.mu.Unlock()
			metrics.LeaseAcquisitionsTotal.WithLabelValues(name, "held").Inc()
			return true, nil
		}
	}
	c.mu.Unlock()

	current, err := c.read(ctx, name)
	if err != nil {
		metrics.LeaseAcquisitionsTotal.WithLabelValues(name, "error").Inc()
		return false, err
	}

	if current != nil && current.Owner != c.self && current.ExpiresAt.After(now) {
		metrics.LeaseAcquisitionsTotal.WithLabelValues(name, "denied").Inc()
		return false, nil
	}

	next := Lease{Owner: c.self, ExpiresAt: now.Add(ttl)}
	if err := c.write(ctx, name, next); err != nil {
		metrics.LeaseAcquisitionsTotal.WithLabelValues(name, "error").Inc()
		return false, err
	}

	// Read-after-write: a concurrent writer may have won the race
	// between our read and our write.
	confirmed, err := c.read(ctx, name)
	if err != nil {
		metrics.LeaseAcquisitionsTotal.WithLabelValues(name, "error").Inc()
		return false, err
	}
	if confirmed == nil || confirmed.Owner != c.self {
		c.logger.Debug("lost lease acquisition race", "job", name, "winner", ownerOf(confirmed))
		metrics.LeaseAcquisitionsTotal.WithLabelValues(name, "denied").Inc()
		return false, nil
	}

	c.mu.Lock()
	c.cache[name] = cacheEntry{expiresAt: confirmed.ExpiresAt, checkedAt: now}
	c.mu.Unlock()

	metrics.LeaseAcquisitionsTotal.WithLabelValues(name, "acquired").Inc()
	return true, nil
}

func (c *Coordinator) read(ctx context.Context, name string) (*Lease, error) {
	data, err := c.store.Get(ctx, leaseKey(name))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease: read %s: %w", name, err)
	}
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		// A corrupt lease record is treated as absent; the next write
		// replaces it.
		c.logger.Warn("corrupt lease record, treating as absent", "job", name, "error", err)
		return nil, nil
	}
	return &l, nil
}

func (c *Coordinator) write(ctx context.Context, name string, l Lease) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("lease: marshal %s: %w", name, err)
	}
	if err := c.store.Put(ctx, leaseKey(name), data); err != nil {
		return fmt.Errorf("lease: write %s: %w", name, err)
	}
	return nil
}

func ownerOf(l *Lease) string {
	if l == nil {
		return ""
	}
	return l.Owner
}
