// Package orders creates sale orders: allocates the order id, decides
// the invoice shape from the business calendar, and persists the record.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avolkov/kassaflow/internal/clock"
	"github.com/avolkov/kassaflow/internal/invoiceid"
	"github.com/avolkov/kassaflow/internal/ledger"
	"github.com/avolkov/kassaflow/internal/schedule"
	"github.com/avolkov/kassaflow/internal/traces"
)

var (
	ErrMissingTask   = errors.New("orders: taskId is required")
	ErrMissingAmount = errors.New("orders: amount is required")
	ErrBadDate       = errors.New("orders: serviceDate must be YYYY-MM-DD")
)

// CreateRequest describes a new order.
type CreateRequest struct {
	TaskID         string `json:"taskId"`
	OrganizationID string `json:"organizationId"`
	BuyerEmail     string `json:"buyerEmail"`
	BuyerPhone     string `json:"buyerPhone"`
	Amount         string `json:"amount"`
	VAT            string `json:"vat"`
	Agent          bool   `json:"agent"`
	Commission     string `json:"commission"`
	ServiceDate    string `json:"serviceDate"`
}

// Service builds orders with exactly one invoice shape: a single full
// invoice when the service happens today (or already happened), or a
// prepay+offset pair with a queued offset job for a future service date.
type Service struct {
	ledger    *ledger.Store
	alloc     *invoiceid.Allocator
	jobs      *schedule.Store
	business  *clock.Business
	issueHour int
	logger    *slog.Logger
}

// NewService creates the order creation service. issueHour is the local
// business hour the deferred offset receipt becomes due at.
func NewService(ldg *ledger.Store, alloc *invoiceid.Allocator, jobs *schedule.Store, business *clock.Business, issueHour int, logger *slog.Logger) *Service {
	return &Service{
		ledger:    ldg,
		alloc:     alloc,
		jobs:      jobs,
		business:  business,
		issueHour: issueHour,
		logger:    logger,
	}
}

// Create allocates an id, decides the invoice shape, and persists the
// order. For deferred orders the offset job is queued after the ledger
// write; a lost job is re-derived by the repair worker, never the other
// way around.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*ledger.SaleOrder, error) {
	if req.TaskID == "" {
		return nil, ErrMissingTask
	}
	if req.Amount == "" {
		return nil, ErrMissingAmount
	}
	if _, err := time.ParseInLocation("2006-01-02", req.ServiceDate, s.business.Location()); err != nil {
		return nil, ErrBadDate
	}
	org := req.OrganizationID
	if org == "" {
		org = "unknown"
	}

	orderID, err := s.alloc.NextOrderID(ctx)
	if err != nil {
		return nil, fmt.Errorf("orders: allocate order id: %w", err)
	}

	ctx, span := traces.StartSpan(ctx, "orders.Create",
		traces.OrderID(orderID), traces.TaskID(req.TaskID), traces.Organization(org))
	defer span.End()

	o := &ledger.SaleOrder{
		OrderID:        orderID,
		TaskID:         req.TaskID,
		OrganizationID: org,
		BuyerEmail:     req.BuyerEmail,
		BuyerPhone:     req.BuyerPhone,
		Amount:         req.Amount,
		VAT:            req.VAT,
		Agent:          req.Agent,
		Commission:     req.Commission,
		ServiceDate:    req.ServiceDate,
	}

	// The shape decision happens exactly once, here. Past dates settle
	// in full immediately, same as today.
	sameDay := s.business.IsToday(req.ServiceDate) || s.business.IsPast(req.ServiceDate)
	if sameDay {
		o.InvoiceFull = s.alloc.InvoiceID(orderID, invoiceid.KindFull)
	} else {
		o.InvoicePrepay = s.alloc.InvoiceID(orderID, invoiceid.KindPrepay)
		o.InvoiceOffset = s.alloc.InvoiceID(orderID, invoiceid.KindOffset)
	}

	if err := s.ledger.CreateOrder(ctx, o); err != nil {
		return nil, err
	}

	if !sameDay {
		dueAt, err := s.business.AtHour(req.ServiceDate, s.issueHour)
		if err != nil {
			return nil, fmt.Errorf("orders: compute offset due time: %w", err)
		}
		job := &schedule.OffsetJob{
			OrderID:        orderID,
			DueAt:          dueAt,
			OrganizationID: org,
			Amount:         req.Amount,
			VAT:            req.VAT,
			BuyerEmail:     req.BuyerEmail,
		}
		if err := s.jobs.Put(ctx, job); err != nil {
			// Order exists; the repair worker issues the offset anyway.
			s.logger.Warn("failed to queue offset job",
				"order_id", orderID, "error", err)
		}
	}

	s.logger.Info("order created",
		"order_id", orderID,
		"task_id", req.TaskID,
		"organization", org,
		"same_day", sameDay,
	)
	return o, nil
}
