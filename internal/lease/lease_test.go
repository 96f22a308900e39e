package lease

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avolkov/kassaflow/internal/blob"
	"github.com/avolkov/kassaflow/internal/clock"
)

func testLogger() *slog.Logger { return slog.Default() }

func TestEnsureLeader_AcquiresWhenAbsent(t *testing.T) {
	store := blob.NewMemoryStore()
	fake := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewCoordinator(store, fake, "inst_a", testLogger())

	ok, err := c.EnsureLeader(context.Background(), "repair", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEnsureLeader_DeniesForeignUnexpired(t *testing.T) {
	store := blob.NewMemoryStore()
	fake := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	a := NewCoordinator(store, fake, "inst_a", testLogger())
	b := NewCoordinator(store, fake, "inst_b", testLogger())

	ok, err := a.EnsureLeader(context.Background(), "repair", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.EnsureLeader(context.Background(), "repair", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok, "foreign unexpired lease must be denied")
}

func TestEnsureLeader_TakesOverExpired(t *testing.T) {
	store := blob.NewMemoryStore()
	fake := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	a := NewCoordinator(store, fake, "inst_a", testLogger())
	b := NewCoordinator(store, fake, "inst_b", testLogger())

	ok, _ := a.EnsureLeader(context.Background(), "repair", 30*time.Second)
	require.True(t, ok)

	fake.Advance(31 * time.Second)

	ok, err := b.EnsureLeader(context.Background(), "repair", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "expired lease must be claimable")

	// And now a is denied.
	ok, err = a.EnsureLeader(context.Background(), "repair", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEnsureLeader_SelfRenewal(t *testing.T) {
	store := blob.NewMemoryStore()
	fake := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewCoordinator(store, fake, "inst_a", testLogger())
	ctx := context.Background()

	ok, _ := c.EnsureLeader(ctx, "repair", 30*time.Second)
	require.True(t, ok)

	// Near expiry the holder renews via storage and keeps the lease.
	fake.Advance(25 * time.Second)
	ok, err := c.EnsureLeader(ctx, "repair", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The renewal pushed expiry out past the original window.
	fake.Advance(20 * time.Second)
	ok, err = c.EnsureLeader(ctx, "repair", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEnsureLeader_CacheSkipsStorage(t *testing.T) {
	store := blob.NewMemoryStore()
	fake := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewCoordinator(store, fake, "inst_a", testLogger())
	ctx := context.Background()

	ok, _ := c.EnsureLeader(ctx, "repair", 30*time.Second)
	require.True(t, ok)

	// Clobber the stored lease. With the cache fresh and plenty of ttl
	// remaining, the coordinator must not notice.
	require.NoError(t, store.Delete(ctx, "leases/repair.json"))

	ok, err := c.EnsureLeader(ctx, "repair", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "fresh cache should answer without a storage read")
}

func TestEnsureLeader_ContentionSingleWinner(t *testing.T) {
	store := blob.NewMemoryStore()
	fake := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	a := NewCoordinator(store, fake, "inst_a", testLogger())
	b := NewCoordinator(store, fake, "inst_b", testLogger())
	ctx := context.Background()

	// Race a and b over many simulated ticks; after any successful
	// renewal inside the window, the other instance must observe false.
	for tick := 0; tick < 20; tick++ {
		okA, errA := a.EnsureLeader(ctx, "schedule", 30*time.Second)
		require.NoError(t, errA)
		okB, errB := b.EnsureLeader(ctx, "schedule", 30*time.Second)
		require.NoError(t, errB)

		if okA && okB {
			t.Fatalf("tick %d: both instances observed leadership", tick)
		}
		fake.Advance(10 * time.Second)
	}
}

func TestEnsureLeader_CorruptRecordTreatedAsAbsent(t *testing.T) {
	store := blob.NewMemoryStore()
	fake := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewCoordinator(store, fake, "inst_a", testLogger())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "leases/repair.json", []byte("not json")))

	ok, err := c.EnsureLeader(ctx, "repair", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}
