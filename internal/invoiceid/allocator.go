package invoiceid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avolkov/kassaflow/internal/blob"
	"github.com/avolkov/kassaflow/internal/clock"
	"github.com/avolkov/kassaflow/internal/retry"
)

// ErrLockNotAcquired reports that the cooperative counter lock could not
// be observed as owned within the wait budget. Callers proceed anyway:
// availability is preferred over perfect exclusion, and ledger writes
// are idempotent per order id.
var ErrLockNotAcquired = errors.New("invoiceid: counter lock not acquired")

const (
	counterKey = "counter.json"
	lockKey    = "counter.lock.json"

	lockPollInterval = 50 * time.Millisecond
)

// KnownOrders reports order ids already present in the ledger. The
// allocator skips past them so a crash between "order persisted" and
// "counter persisted" can never hand out a duplicate.
type KnownOrders interface {
	OrderIDs(ctx context.Context) ([]int64, error)
}

type counterState struct {
	Prefix  string `json:"prefix"`
	Counter int64  `json:"counter"`
}

type lockState struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Allocator hands out monotonic, collision-free order ids backed by a
// persisted counter and a cooperative TTL lock in the blob store.
type Allocator struct {
	store    blob.Store
	clock    clock.Clock
	known    KnownOrders
	self     string
	prefix   string
	lockTTL  time.Duration
	lockWait time.Duration
	logger   *slog.Logger

	pollInterval time.Duration // overridable in tests
}

// NewAllocator creates an allocator owned by the given instance identity.
func NewAllocator(store blob.Store, clk clock.Clock, known KnownOrders, self, prefix string, lockTTL, lockWait time.Duration, logger *slog.Logger) *Allocator {
	return &Allocator{
		store:        store,
		clock:        clk,
		known:        known,
		self:         self,
		prefix:       prefix,
		lockTTL:      lockTTL,
		lockWait:     lockWait,
		logger:       logger,
		pollInterval: lockPollInterval,
	}
}

// InvoiceID formats the invoice id for an order with this allocator's prefix.
func (a *Allocator) InvoiceID(orderID int64, kind Kind) string {
	return Format(a.prefix, orderID, kind)
}

// NextOrderID returns the next free order id and durably bumps the
// counter. Ids already used by known orders are skipped, which covers
// the crash window where an order was persisted but the counter was not.
func (a *Allocator) NextOrderID(ctx context.Context) (int64, error) {
	if err := a.acquireLock(ctx); err != nil {
		// Proceed without the lock: a short race producing a duplicate
		// candidate is tolerated because the skip-forward scan below
		// re-reads known orders, and ledger writes are per-order-id
		// idempotent.
		a.logger.Warn("allocating without counter lock", "error", err)
	} else {
		defer a.releaseLock(ctx)
	}

	state, err := a.readCounter(ctx)
	if err != nil {
		return 0, err
	}

	used, err := a.usedIDs(ctx)
	if err != nil {
		return 0, err
	}

	candidate := state.Counter + 1
	for used[candidate] {
		candidate++
	}

	state.Counter = candidate
	if state.Prefix == "" {
		state.Prefix = a.prefix
	}
	if err := a.writeCounter(ctx, state); err != nil {
		return 0, err
	}
	return candidate, nil
}

func (a *Allocator) usedIDs(ctx context.Context) (map[int64]bool, error) {
	ids, err := a.known.OrderIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("invoiceid: list known orders: %w", err)
	}
	used := make(map[int64]bool, len(ids))
	for _, id := range ids {
		used[id] = true
	}
	return used, nil
}

func (a *Allocator) readCounter(ctx context.Context) (counterState, error) {
	var state counterState
	data, err := a.store.Get(ctx, counterKey)
	if errors.Is(err, blob.ErrNotFound) {
		return counterState{Prefix: a.prefix}, nil
	}
	if err != nil {
		return state, fmt.Errorf("invoiceid: read counter: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("invoiceid: decode counter: %w", err)
	}
	return state, nil
}

func (a *Allocator) writeCounter(ctx context.Context, state counterState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("invoiceid: encode counter: %w", err)
	}
	if err := a.store.Put(ctx, counterKey, data); err != nil {
		return fmt.Errorf("invoiceid: write counter: %w", err)
	}
	return nil
}

// acquireLock takes the cooperative TTL lock: write an owner record when
// the lock looks free, then wait until we are the observed owner or the
// wait budget runs out.
func (a *Allocator) acquireLock(ctx context.Context) error {
	deadline := a.clock.Now().Add(a.lockWait)

	for {
		now := a.clock.Now()
		current, err := a.readLock(ctx)
		if err != nil {
			return err
		}

		switch {
		case current != nil && current.Owner == a.self && current.ExpiresAt.After(now):
			return nil
		case current == nil || !current.ExpiresAt.After(now):
			next := lockState{Owner: a.self, ExpiresAt: now.Add(a.lockTTL)}
			if err := a.writeLock(ctx, next); err != nil {
				return err
			}
			// Fall through to re-read: a concurrent writer may have
			// overwritten us between write and observation.
		}

		if !a.clock.Now().Before(deadline) {
			return ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.pollInterval + retry.Jitter(a.pollInterval)):
		}
	}
}

func (a *Allocator) releaseLock(ctx context.Context) {
	current, err := a.readLock(ctx)
	if err != nil || current == nil || current.Owner != a.self {
		return
	}
	if err := a.store.Delete(ctx, lockKey); err != nil {
		a.logger.Warn("failed to release counter lock", "error", err)
	}
}

func (a *Allocator) readLock(ctx context.Context) (*lockState, error) {
	data, err := a.store.Get(ctx, lockKey)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invoiceid: read lock: %w", err)
	}
	var l lockState
	if err := json.Unmarshal(data, &l); err != nil {
		// Corrupt lock record: treat as free.
		return nil, nil
	}
	return &l, nil
}

func (a *Allocator) writeLock(ctx context.Context, l lockState) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("invoiceid: encode lock: %w", err)
	}
	if err := a.store.Put(ctx, lockKey, data); err != nil {
		return fmt.Errorf("invoiceid: write lock: %w", err)
	}
	return nil
}
