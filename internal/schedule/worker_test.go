package schedule

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avolkov/kassaflow/internal/blob"
	"github.com/avolkov/kassaflow/internal/clock"
	"github.com/avolkov/kassaflow/internal/fiscal"
	"github.com/avolkov/kassaflow/internal/lease"
	"github.com/avolkov/kassaflow/internal/ledger"
)

func testWorker(t *testing.T) (*Worker, *Store, *ledger.Store, *fiscal.Fake, *clock.FakeClock) {
	t.Helper()
	blobs := blob.NewMemoryStore()
	fake := clock.NewFakeClock(time.Date(2025, 6, 2, 6, 0, 0, 0, time.UTC)) // 09:00 Moscow
	ldg := ledger.NewStore(blobs, fake, nil, false, slog.Default())
	jobs := NewStore(blobs)
	fg := fiscal.NewFake()
	leases := lease.NewCoordinator(blobs, fake, "inst_test", slog.Default())
	w := NewWorker(jobs, ldg, fg, leases, fake, time.Minute, 30*time.Second, slog.Default())
	return w, jobs, ldg, fg, fake
}

func deferred(orderID int64) *ledger.SaleOrder {
	return &ledger.SaleOrder{
		OrderID:        orderID,
		TaskID:         "task-offset",
		OrganizationID: "7701234567",
		BuyerEmail:     "buyer@example.com",
		Amount:         "3000.00",
		ServiceDate:    "2025-06-02",
		InvoicePrepay:  "kf-A-1",
		InvoiceOffset:  "kf-B-1",
	}
}

func dueJob(orderID int64, due time.Time) *OffsetJob {
	return &OffsetJob{
		OrderID:        orderID,
		DueAt:          due,
		OrganizationID: "7701234567",
		Amount:         "3000.00",
		BuyerEmail:     "buyer@example.com",
	}
}

func TestWorker_StopTerminatesLoop(t *testing.T) {
	w, _, _, _, _ := testWorker(t)

	go w.Start(context.Background())
	require.Eventually(t, w.Running, time.Second, 5*time.Millisecond)

	w.Stop()
	w.Stop() // idempotent
	require.Eventually(t, func() bool { return !w.Running() },
		time.Second, 5*time.Millisecond)
}

func TestWorker_IssuesDueJobAndDeletes(t *testing.T) {
	w, jobs, ldg, fg, fake := testWorker(t)
	ctx := context.Background()

	require.NoError(t, ldg.CreateOrder(ctx, deferred(1)))
	require.NoError(t, jobs.Put(ctx, dueJob(1, fake.Now().Add(-time.Minute))))

	require.Equal(t, "ran", w.tick(ctx))

	require.True(t, fg.Created("kf-B-1"))
	reqs := fg.Requests()
	require.Len(t, reqs, 1)
	require.True(t, reqs[0].AdvanceOffset, "offset settles a prior advance")
	require.Equal(t, "7701234567", reqs[0].SupplierINN)

	o, err := ldg.GetByOrderID(ctx, 1)
	require.NoError(t, err)
	require.NotEmpty(t, o.FullReceiptID)

	left, err := jobs.List(ctx)
	require.NoError(t, err)
	require.Empty(t, left, "completed job removed from the queue")
}

func TestWorker_NotDueJobUntouched(t *testing.T) {
	w, jobs, ldg, fg, fake := testWorker(t)
	ctx := context.Background()

	require.NoError(t, ldg.CreateOrder(ctx, deferred(1)))
	require.NoError(t, jobs.Put(ctx, dueJob(1, fake.Now().Add(time.Hour))))

	require.Equal(t, "ran", w.tick(ctx))

	require.False(t, fg.Created("kf-B-1"))
	left, err := jobs.List(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
}

func TestWorker_FailedJobRetainedAndRetried(t *testing.T) {
	w, jobs, ldg, fg, fake := testWorker(t)
	ctx := context.Background()

	require.NoError(t, ldg.CreateOrder(ctx, deferred(1)))
	require.NoError(t, jobs.Put(ctx, dueJob(1, fake.Now().Add(-time.Minute))))

	fg.FailCreate = errors.New("gateway down")
	require.Equal(t, "ran", w.tick(ctx))

	left, err := jobs.List(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1, "failed job stays queued unchanged")

	// Gateway recovers; the next tick picks the same job up again.
	fg.FailCreate = nil
	require.Equal(t, "ran", w.tick(ctx))

	require.True(t, fg.Created("kf-B-1"))
	left, err = jobs.List(ctx)
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestWorker_MissingInvoiceKeepsJob(t *testing.T) {
	w, jobs, ldg, fg, fake := testWorker(t)
	ctx := context.Background()

	o := deferred(1)
	o.InvoicePrepay = ""
	o.InvoiceOffset = ""
	o.InvoiceFull = "kf-C-1" // same-day shape; no offset id to issue
	require.NoError(t, ldg.CreateOrder(ctx, o))
	require.NoError(t, jobs.Put(ctx, dueJob(1, fake.Now().Add(-time.Minute))))

	require.Equal(t, "ran", w.tick(ctx))

	require.False(t, fg.Created("kf-B-1"))
	left, err := jobs.List(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1, "job without an offset invoice waits for repair")
}

func TestWorker_ExistingReceiptReused(t *testing.T) {
	w, jobs, ldg, fg, fake := testWorker(t)
	ctx := context.Background()

	require.NoError(t, ldg.CreateOrder(ctx, deferred(1)))
	require.NoError(t, jobs.Put(ctx, dueJob(1, fake.Now().Add(-time.Minute))))

	// A crashed prior attempt already created the receipt.
	prior, err := fg.CreateReceipt(ctx, fiscal.ReceiptRequest{InvoiceID: "kf-B-1", Kind: fiscal.KindOffset})
	require.NoError(t, err)

	require.Equal(t, "ran", w.tick(ctx))

	o, err := ldg.GetByOrderID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, prior, o.FullReceiptID, "pre-check reuses the existing receipt")
	require.Len(t, fg.Requests(), 1, "no second creation attempt")
}

func TestWorker_NonLeaderSkips(t *testing.T) {
	w, jobs, ldg, fg, fake := testWorker(t)
	ctx := context.Background()

	require.NoError(t, ldg.CreateOrder(ctx, deferred(1)))
	require.NoError(t, jobs.Put(ctx, dueJob(1, fake.Now().Add(-time.Minute))))

	// Another instance holds the lease.
	other := lease.NewCoordinator(w.jobs.blobs, fake, "inst_other", slog.Default())
	held, err := other.EnsureLeader(ctx, leaseName, time.Hour)
	require.NoError(t, err)
	require.True(t, held)

	require.Equal(t, "skipped", w.tick(ctx))
	require.False(t, fg.Created("kf-B-1"))
}

func TestWorker_AlreadySettledJobDropped(t *testing.T) {
	w, jobs, ldg, fg, fake := testWorker(t)
	ctx := context.Background()

	o := deferred(1)
	require.NoError(t, ldg.CreateOrder(ctx, o))
	_, err := ldg.AttachReceipts(ctx, 1, ledger.ReceiptPatch{
		FullReceiptID:  "rcpt-done",
		FullReceiptURL: "https://ofd.example/rcpt-done",
	})
	require.NoError(t, err)
	require.NoError(t, jobs.Put(ctx, dueJob(1, fake.Now().Add(-time.Minute))))

	require.Equal(t, "ran", w.tick(ctx))

	require.False(t, fg.Created("kf-B-1"), "no duplicate issuance for a settled order")
	left, err := jobs.List(ctx)
	require.NoError(t, err)
	require.Empty(t, left)
}
