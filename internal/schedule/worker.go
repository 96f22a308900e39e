package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avolkov/kassaflow/internal/clock"
	"github.com/avolkov/kassaflow/internal/fiscal"
	"github.com/avolkov/kassaflow/internal/lease"
	"github.com/avolkov/kassaflow/internal/ledger"
	"github.com/avolkov/kassaflow/internal/logging"
	"github.com/avolkov/kassaflow/internal/metrics"
	"github.com/avolkov/kassaflow/internal/traces"
)

const leaseName = "offset-schedule"

// Ledger is the slice of the sale ledger the worker needs.
type Ledger interface {
	GetByOrderID(ctx context.Context, orderID int64) (*ledger.SaleOrder, error)
	AttachReceipts(ctx context.Context, orderID int64, patch ledger.ReceiptPatch) (*ledger.SaleOrder, error)
}

// Worker issues due offset receipts on a fixed interval. Only the lease
// holder processes the queue; a failed job is retained unchanged and
// retried next tick.
type Worker struct {
	jobs     *Store
	ledger   Ledger
	fiscal   fiscal.Gateway
	leases   *lease.Coordinator
	clock    clock.Clock
	interval time.Duration
	leaseTTL time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewWorker creates the schedule worker.
func NewWorker(jobs *Store, ldg Ledger, fg fiscal.Gateway, leases *lease.Coordinator, clk clock.Clock, interval, leaseTTL time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		jobs:     jobs,
		ledger:   ldg,
		fiscal:   fg,
		leases:   leases,
		clock:    clk,
		interval: interval,
		leaseTTL: leaseTTL,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the worker loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start begins the schedule loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeTick(ctx)
		}
	}
}

// Stop terminates the loop. Safe to call more than once; the loop
// observes the closed channel even when it is mid-tick.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Worker) safeTick(ctx context.Context) {
	started := time.Now()
	outcome := "ran"
	defer func() {
		if r := recover(); r != nil {
			outcome = "error"
			w.logger.Error("panic in schedule worker", "panic", fmt.Sprint(r))
		}
		metrics.ObserveTick(leaseName, outcome, started)
	}()
	outcome = w.tick(ctx)
}

func (w *Worker) tick(ctx context.Context) string {
	ctx, span := traces.StartSpan(ctx, "schedule.tick", traces.Worker(leaseName))
	defer span.End()

	leader, err := w.leases.EnsureLeader(ctx, leaseName, w.leaseTTL)
	if err != nil {
		w.logger.Warn("schedule lease check failed", "error", err)
		return "error"
	}
	if !leader {
		return "skipped"
	}

	jobs, err := w.jobs.List(ctx)
	if err != nil {
		w.logger.Warn("failed to list offset jobs", "error", err)
		return "error"
	}
	metrics.OffsetJobsQueued.Set(float64(len(jobs)))

	now := w.clock.Now()
	for _, job := range jobs {
		if job.DueAt.After(now) {
			continue
		}
		if err := w.processJob(ctx, job); err != nil {
			// Retained unchanged; retried next tick.
			w.logger.Warn("offset job failed, will retry",
				"order_id", job.OrderID, "error", err)
		}
	}
	return "ran"
}

// processJob issues the offset receipt for one due job and deletes the
// job once the receipt is confirmed at the gateway.
func (w *Worker) processJob(ctx context.Context, job *OffsetJob) error {
	ctx = logging.WithLogger(logging.WithOrderID(ctx, job.OrderID), w.logger)
	log := logging.L(ctx)

	o, err := w.ledger.GetByOrderID(ctx, job.OrderID)
	if err != nil {
		return err
	}
	invoiceID := o.InvoiceOffset
	if invoiceID == "" {
		// Order exists but carries no offset invoice; wait for repair to
		// sort it out rather than guessing.
		log.Warn("due job has no offset invoice id")
		return nil
	}
	if o.FullReceiptURL != "" {
		// Already settled (repair got there first).
		return w.jobs.Delete(ctx, job.OrderID)
	}

	receiptID, err := w.ensureReceipt(ctx, invoiceID, job)
	if err != nil {
		return err
	}
	if _, err := w.ledger.AttachReceipts(ctx, job.OrderID, ledger.ReceiptPatch{FullReceiptID: receiptID}); err != nil {
		return err
	}

	if url, err := w.fiscal.ResolveURL(ctx, invoiceID); err == nil && url != "" {
		if _, err := w.ledger.AttachReceipts(ctx, job.OrderID, ledger.ReceiptPatch{FullReceiptURL: url}); err != nil {
			return err
		}
	}

	log.Info("offset receipt issued", "invoice_id", invoiceID, "receipt_id", receiptID)
	return w.jobs.Delete(ctx, job.OrderID)
}

// ensureReceipt is the idempotency pre-check + create sequence: a receipt
// already known at the gateway is reused, never re-created.
func (w *Worker) ensureReceipt(ctx context.Context, invoiceID string, job *OffsetJob) (string, error) {
	st, err := w.fiscal.ReceiptStatus(ctx, invoiceID)
	if err == nil {
		return st.ReceiptID, nil
	}
	if !errors.Is(err, fiscal.ErrReceiptNotFound) {
		return "", err
	}

	return w.fiscal.CreateReceipt(ctx, fiscal.ReceiptRequest{
		InvoiceID:     invoiceID,
		Kind:          fiscal.KindOffset,
		SupplierINN:   job.SupplierINN(),
		BuyerEmail:    job.BuyerEmail,
		Amount:        job.Amount,
		VAT:           job.VAT,
		AdvanceOffset: true,
		Description:   fmt.Sprintf("Settlement of advance for order %d", job.OrderID),
	})
}
