package repair

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
	"github.com/avolkov/kassaflow/internal/outbox"
	"github.com/avolkov/kassaflow/internal/paygate"
)

type repairEnv struct {
	worker  *Worker
	blobs   blob.Store
	ledger  *ledger.Store
	fiscal  *fiscal.Fake
	pay     *paygate.Fake
	intents *outbox.Store
	sender  *recordingSender
	clock   *clock.FakeClock
}

type recordingSender struct {
	sent []int64
}

func (s *recordingSender) Send(_ context.Context, _ string, orderID int64) error {
	s.sent = append(s.sent, orderID)
	return nil
}

func newEnv(t *testing.T) *repairEnv {
	t.Helper()
	blobs := blob.NewMemoryStore()
	// 2025-06-02 12:00 Moscow.
	fake := clock.NewFakeClock(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	business := clock.NewBusiness(fake, loc)

	ldg := ledger.NewStore(blobs, fake, nil, false, slog.Default())
	fg := fiscal.NewFake()
	pay := paygate.NewFake()
	intents := outbox.NewStore(blobs, fake)
	sender := &recordingSender{}
	dispatcher := outbox.NewDispatcher(intents, pay, sender, slog.Default())
	leases := lease.NewCoordinator(blobs, fake, "inst_test", slog.Default())

	w := NewWorker(ldg, fg, pay, intents, dispatcher, leases, business, 9,
		2*time.Minute, 30*time.Second, slog.Default())
	return &repairEnv{
		worker: w, blobs: blobs, ledger: ldg, fiscal: fg, pay: pay,
		intents: intents, sender: sender, clock: fake,
	}
}

func TestRepair_SameDayOrderEndToEnd(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ledger.CreateOrder(ctx, &ledger.SaleOrder{
		OrderID:        1,
		TaskID:         "task-1",
		OrganizationID: "7701234567",
		BuyerEmail:     "buyer@example.com",
		Amount:         "1500.00",
		ServiceDate:    "2025-06-02",
		InvoiceFull:    "kf-C-1",
	}))
	env.pay.SetTask("task-1", paygate.TaskState{AcquiringStatus: "paid", RootStatus: "in_progress"})

	// First tick: status synced, receipt created, not signed yet.
	require.Equal(t, "ran", env.worker.tick(ctx))

	o, err := env.ledger.GetByOrderID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "paid", o.PaymentStatus)
	require.Equal(t, "in_progress", o.RootStatus)
	require.NotEmpty(t, o.FullReceiptID)
	require.Empty(t, o.FullReceiptURL)
	require.True(t, env.fiscal.Created("kf-C-1"))

	// Device signs; the next tick attaches the URL and emails the buyer.
	env.fiscal.Sign("kf-C-1")
	require.Equal(t, "ran", env.worker.tick(ctx))

	o, err = env.ledger.GetByOrderID(ctx, 1)
	require.NoError(t, err)
	require.NotEmpty(t, o.FullReceiptURL)
	require.Equal(t, []int64{1}, env.sender.sent)

	// A third tick creates nothing new.
	require.Equal(t, "ran", env.worker.tick(ctx))
	require.Len(t, env.fiscal.Requests(), 1, "repeat ticks must not re-create receipts")
}

func TestRepair_DeferredAgentOrderEndToEnd(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ledger.CreateOrder(ctx, &ledger.SaleOrder{
		OrderID:        2,
		TaskID:         "task-2",
		OrganizationID: "7701234567",
		BuyerEmail:     "buyer@example.com",
		Amount:         "5000.00",
		Agent:          true,
		Commission:     "500.00",
		ServiceDate:    "2025-06-04",
		InvoicePrepay:  "kf-A-2",
		InvoiceOffset:  "kf-B-2",
	}))
	env.pay.SetTask("task-2", paygate.TaskState{
		AcquiringStatus: "paid",
		RootStatus:      "in_progress",
		ExecutorINN:     "500100732259",
		ExecutorKind:    paygate.KindEntrepreneur,
	})

	// Payment day: prepayment receipt only, offset not due.
	require.Equal(t, "ran", env.worker.tick(ctx))
	o, err := env.ledger.GetByOrderID(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, "500100732259", o.PartnerINN, "executor resolved from the gateway")
	require.NotEmpty(t, o.PrepayReceiptID)
	require.False(t, env.fiscal.Created("kf-B-2"), "offset must wait for the service day")

	reqs := env.fiscal.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, fiscal.KindPrepay, reqs[0].Kind)
	require.Equal(t, "500100732259", reqs[0].SupplierINN, "agent orders bill the partner party")

	// Service day, after the issue hour; the task completed meanwhile.
	env.clock.Set(time.Date(2025, 6, 4, 7, 0, 0, 0, time.UTC)) // 10:00 Moscow
	env.pay.SetTask("task-2", paygate.TaskState{
		AcquiringStatus: "transferred",
		RootStatus:      "completed",
		ExecutorINN:     "500100732259",
		ExecutorKind:    paygate.KindEntrepreneur,
	})
	env.fiscal.Sign("kf-A-2")

	require.Equal(t, "ran", env.worker.tick(ctx))
	o, err = env.ledger.GetByOrderID(ctx, 2)
	require.NoError(t, err)
	require.NotEmpty(t, o.PrepayReceiptURL)
	require.NotEmpty(t, o.FullReceiptID, "offset issued on the service day")
	require.True(t, env.fiscal.Created("kf-B-2"))
	require.Equal(t, 0, env.pay.Captures("task-2"), "capture waits for all receipts")

	// Offset signs; settlement URL attaches, then the commission receipt.
	env.fiscal.Sign("kf-B-2")
	require.Equal(t, "ran", env.worker.tick(ctx))
	o, err = env.ledger.GetByOrderID(ctx, 2)
	require.NoError(t, err)
	require.NotEmpty(t, o.FullReceiptURL)
	require.True(t, env.fiscal.Created("kf-B-2-fee"))
	require.Empty(t, o.CommissionReceiptURL, "fee receipt not signed yet")

	env.fiscal.Sign("kf-B-2-fee")
	require.Equal(t, "ran", env.worker.tick(ctx))
	o, err = env.ledger.GetByOrderID(ctx, 2)
	require.NoError(t, err)
	require.NotEmpty(t, o.CommissionReceiptURL)
	require.Equal(t, 1, env.pay.Captures("task-2"), "capture fires once all receipts are in place")
}

func TestRepair_OffsetDueHourBoundary(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ledger.CreateOrder(ctx, &ledger.SaleOrder{
		OrderID:        3,
		TaskID:         "task-3",
		OrganizationID: "7701234567",
		Amount:         "100.00",
		ServiceDate:    "2025-06-03",
		InvoicePrepay:  "kf-A-3",
		InvoiceOffset:  "kf-B-3",
		PaymentStatus:  "paid",
	}))

	// 08:30 Moscow on the service day: before the issue hour.
	env.clock.Set(time.Date(2025, 6, 3, 5, 30, 0, 0, time.UTC))
	require.Equal(t, "ran", env.worker.tick(ctx))
	require.False(t, env.fiscal.Created("kf-B-3"))

	// 09:30 Moscow: due.
	env.clock.Set(time.Date(2025, 6, 3, 6, 30, 0, 0, time.UTC))
	require.Equal(t, "ran", env.worker.tick(ctx))
	require.True(t, env.fiscal.Created("kf-B-3"))
}

func TestRepair_URLResolutionOnly(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	// A receipt created by a crashed instance: id persisted, URL missing.
	require.NoError(t, env.ledger.CreateOrder(ctx, &ledger.SaleOrder{
		OrderID:        4,
		TaskID:         "task-4",
		OrganizationID: "7701234567",
		Amount:         "100.00",
		ServiceDate:    "2025-06-02",
		InvoiceFull:    "kf-C-4",
		PaymentStatus:  "paid",
	}))
	id, err := env.fiscal.CreateReceipt(ctx, fiscal.ReceiptRequest{InvoiceID: "kf-C-4", Kind: fiscal.KindFull})
	require.NoError(t, err)
	_, err = env.ledger.AttachReceipts(ctx, 4, ledger.ReceiptPatch{FullReceiptID: id})
	require.NoError(t, err)
	env.fiscal.Sign("kf-C-4")

	require.Equal(t, "ran", env.worker.tick(ctx))

	o, err := env.ledger.GetByOrderID(ctx, 4)
	require.NoError(t, err)
	require.NotEmpty(t, o.FullReceiptURL)
	require.Len(t, env.fiscal.Requests(), 1, "existing receipt reused, not re-created")
}

func TestRepair_BadOrderDoesNotStarveScan(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	// Order 5's gateway task errors out; order 6 must still be repaired.
	require.NoError(t, env.ledger.CreateOrder(ctx, &ledger.SaleOrder{
		OrderID:        5,
		TaskID:         "task-5",
		OrganizationID: "7701234567",
		Amount:         "100.00",
		ServiceDate:    "2025-06-02",
		InvoiceFull:    "kf-C-5",
	}))
	env.pay.SetTaskError("task-5", errors.New("gateway exploded"))
	require.NoError(t, env.ledger.CreateOrder(ctx, &ledger.SaleOrder{
		OrderID:        6,
		TaskID:         "task-6",
		OrganizationID: "7701234567",
		Amount:         "100.00",
		ServiceDate:    "2025-06-02",
		InvoiceFull:    "kf-C-6",
		PaymentStatus:  "paid",
	}))

	require.Equal(t, "ran", env.worker.tick(ctx))
	require.True(t, env.fiscal.Created("kf-C-6"))
}

func TestRepair_TaxReceiptOnlyForNonEntrepreneurs(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	// Entrepreneurs issue their own receipts; the gateway reference
	// must not be attached for them.
	require.NoError(t, env.ledger.CreateOrder(ctx, &ledger.SaleOrder{
		OrderID:        7,
		TaskID:         "task-7",
		OrganizationID: "7701234567",
		Amount:         "100.00",
		Agent:          true,
		Commission:     "10.00",
		ServiceDate:    "2025-06-02",
		InvoiceFull:    "kf-C-7",
	}))
	env.pay.SetTask("task-7", paygate.TaskState{
		AcquiringStatus: "pending",
		ExecutorINN:     "500100732259",
		ExecutorKind:    paygate.KindEntrepreneur,
		TaxReceiptURL:   "https://npd.example/7",
	})

	require.NoError(t, env.ledger.CreateOrder(ctx, &ledger.SaleOrder{
		OrderID:        8,
		TaskID:         "task-8",
		OrganizationID: "7701234567",
		Amount:         "100.00",
		Agent:          true,
		Commission:     "10.00",
		ServiceDate:    "2025-06-02",
		InvoiceFull:    "kf-C-8",
	}))
	env.pay.SetTask("task-8", paygate.TaskState{
		AcquiringStatus: "pending",
		ExecutorINN:     "123456789012",
		ExecutorKind:    paygate.KindIndividual,
		TaxReceiptURL:   "https://npd.example/8",
	})

	require.Equal(t, "ran", env.worker.tick(ctx))

	o, err := env.ledger.GetByOrderID(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, paygate.KindEntrepreneur, o.PartnerKind)
	require.Empty(t, o.TaxReceiptURL)

	o, err = env.ledger.GetByOrderID(ctx, 8)
	require.NoError(t, err)
	require.Equal(t, "https://npd.example/8", o.TaxReceiptURL)
}

func TestWorker_StopTerminatesLoop(t *testing.T) {
	env := newEnv(t)

	go env.worker.Start(context.Background())
	require.Eventually(t, env.worker.Running, time.Second, 5*time.Millisecond)

	env.worker.Stop()
	env.worker.Stop() // idempotent
	require.Eventually(t, func() bool { return !env.worker.Running() },
		time.Second, 5*time.Millisecond)
}

func TestRepair_NonLeaderSkips(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	other := lease.NewCoordinator(env.blobs, env.clock, "inst_other", slog.Default())
	held, err := other.EnsureLeader(ctx, leaseName, time.Hour)
	require.NoError(t, err)
	require.True(t, held)

	require.Equal(t, "skipped", env.worker.tick(ctx))
}
