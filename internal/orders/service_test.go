package orders

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avolkov/kassaflow/internal/blob"
	"github.com/avolkov/kassaflow/internal/clock"
	"github.com/avolkov/kassaflow/internal/invoiceid"
	"github.com/avolkov/kassaflow/internal/ledger"
	"github.com/avolkov/kassaflow/internal/schedule"
)

func testService(t *testing.T) (*Service, *ledger.Store, *schedule.Store, *clock.FakeClock) {
	t.Helper()
	blobs := blob.NewMemoryStore()
	// 2025-06-01 23:30 Moscow: late evening, still June 1 locally.
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 20, 30, 0, 0, time.UTC))
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	business := clock.NewBusiness(fake, loc)

	ldg := ledger.NewStore(blobs, fake, nil, false, slog.Default())
	alloc := invoiceid.NewAllocator(blobs, clock.System{}, ldg, "inst_test", "kf",
		time.Second, 100*time.Millisecond, slog.Default())
	jobs := schedule.NewStore(blobs)
	svc := NewService(ldg, alloc, jobs, business, 9, slog.Default())
	return svc, ldg, jobs, fake
}

func TestCreate_SameDayGetsFullInvoice(t *testing.T) {
	svc, _, jobs, _ := testService(t)

	o, err := svc.Create(context.Background(), CreateRequest{
		TaskID:         "task-1",
		OrganizationID: "7701234567",
		Amount:         "1500.00",
		ServiceDate:    "2025-06-01",
	})
	require.NoError(t, err)
	require.Equal(t, "kf-C-1", o.InvoiceFull)
	require.Empty(t, o.InvoicePrepay)
	require.Empty(t, o.InvoiceOffset)

	queued, err := jobs.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, queued, "same-day orders never queue an offset job")
}

func TestCreate_PastDateSettlesInFull(t *testing.T) {
	svc, _, _, _ := testService(t)

	o, err := svc.Create(context.Background(), CreateRequest{
		TaskID:      "task-1",
		Amount:      "1500.00",
		ServiceDate: "2025-05-20",
	})
	require.NoError(t, err)
	require.NotEmpty(t, o.InvoiceFull)
	require.Equal(t, "unknown", o.OrganizationID)
}

func TestCreate_DeferredGetsPairAndJob(t *testing.T) {
	svc, _, jobs, _ := testService(t)

	o, err := svc.Create(context.Background(), CreateRequest{
		TaskID:         "task-1",
		OrganizationID: "7701234567",
		BuyerEmail:     "buyer@example.com",
		Amount:         "3000.00",
		ServiceDate:    "2025-06-05",
	})
	require.NoError(t, err)
	require.Empty(t, o.InvoiceFull)
	require.Equal(t, "kf-A-1", o.InvoicePrepay)
	require.Equal(t, "kf-B-1", o.InvoiceOffset)

	queued, err := jobs.List(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 1)
	job := queued[0]
	require.Equal(t, o.OrderID, job.OrderID)
	// Due at 09:00 Moscow on the service date = 06:00 UTC.
	require.Equal(t, time.Date(2025, 6, 5, 6, 0, 0, 0, time.UTC), job.DueAt)
	require.Equal(t, "3000.00", job.Amount)
}

func TestCreate_BusinessDayBoundary(t *testing.T) {
	svc, _, _, fake := testService(t)

	// 2025-06-01 23:30 Moscow. June 2 is tomorrow locally even though
	// UTC is still June 1, so the order defers.
	o, err := svc.Create(context.Background(), CreateRequest{
		TaskID:      "task-1",
		Amount:      "100.00",
		ServiceDate: "2025-06-02",
	})
	require.NoError(t, err)
	require.Empty(t, o.InvoiceFull)
	require.NotEmpty(t, o.InvoicePrepay)

	// Half an hour later it is June 2 in Moscow; the same service date
	// now settles in full.
	fake.Advance(time.Hour)
	o, err = svc.Create(context.Background(), CreateRequest{
		TaskID:      "task-2",
		Amount:      "100.00",
		ServiceDate: "2025-06-02",
	})
	require.NoError(t, err)
	require.NotEmpty(t, o.InvoiceFull)
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _, _ := testService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{Amount: "1.00", ServiceDate: "2025-06-01"})
	require.ErrorIs(t, err, ErrMissingTask)

	_, err = svc.Create(ctx, CreateRequest{TaskID: "t", ServiceDate: "2025-06-01"})
	require.ErrorIs(t, err, ErrMissingAmount)

	_, err = svc.Create(ctx, CreateRequest{TaskID: "t", Amount: "1.00", ServiceDate: "01.06.2025"})
	require.ErrorIs(t, err, ErrBadDate)
}

func TestCreate_SequentialIDs(t *testing.T) {
	svc, ldg, _, _ := testService(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		o, err := svc.Create(ctx, CreateRequest{
			TaskID:      "task",
			Amount:      "1.00",
			ServiceDate: "2025-06-01",
		})
		require.NoError(t, err)
		require.Equal(t, int64(i), o.OrderID)
	}

	ids, err := ldg.OrderIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 3)
}
