// Package ledger is the authoritative record of every order's commercial
// and fiscal state. Orders are created once, mutated incrementally by
// merge patches, and never physically deleted — only soft-hidden.
package ledger

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("ledger: order not found")
	ErrAlreadyExists = errors.New("ledger: order already exists")
	ErrInvoiceShape  = errors.New("ledger: exactly one of invoiceFull or invoicePrepay+invoiceOffset must be set")
)

// SaleOrder is one payment order's ledger record.
type SaleOrder struct {
	OrderID        int64  `json:"orderId"`
	TaskID         string `json:"taskId"`
	OrganizationID string `json:"organizationId"` // tax id, "unknown" permitted
	BuyerEmail     string `json:"buyerEmail,omitempty"`
	BuyerPhone     string `json:"buyerPhone,omitempty"`
	Amount         string `json:"amount"` // gross, decimal string
	VAT            string `json:"vat,omitempty"`
	Agent          bool   `json:"agent"` // split-commission order
	Commission     string `json:"commission,omitempty"`
	ServiceDate    string `json:"serviceDate"` // civil date YYYY-MM-DD, pivot for receipt timing

	// Gateway-reported statuses. Root task status and acquiring status
	// are tracked separately; root vocabulary never touches
	// PaymentStatus and vice versa.
	PaymentStatus string     `json:"paymentStatus,omitempty"`
	RootStatus    string     `json:"rootStatus,omitempty"`
	PaidAt        *time.Time `json:"paidAt,omitempty"` // stamped on first paid-like status, never overwritten

	// Executor (partner) resolved from the payment gateway for agent orders.
	PartnerINN  string `json:"partnerInn,omitempty"`
	PartnerKind string `json:"partnerKind,omitempty"` // "entrepreneur", "company", "individual"

	// Invoice identifiers, each assigned at most once and immutable
	// thereafter. Exactly one of InvoiceFull (same-day service) or the
	// InvoicePrepay+InvoiceOffset pair (deferred service) is populated.
	InvoicePrepay string `json:"invoicePrepay,omitempty"`
	InvoiceOffset string `json:"invoiceOffset,omitempty"`
	InvoiceFull   string `json:"invoiceFull,omitempty"`

	// Receipt results.
	PrepayReceiptID      string `json:"prepayReceiptId,omitempty"`
	PrepayReceiptURL     string `json:"prepayReceiptUrl,omitempty"`
	FullReceiptID        string `json:"fullReceiptId,omitempty"`
	FullReceiptURL       string `json:"fullReceiptUrl,omitempty"`
	CommissionReceiptURL string `json:"commissionReceiptUrl,omitempty"`
	TaxReceiptURL        string `json:"taxReceiptUrl,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Hidden    bool      `json:"hidden,omitempty"` // soft delete
}

// validInvoiceShape checks the invoice-kind exclusivity invariant.
func (o *SaleOrder) validInvoiceShape() bool {
	full := o.InvoiceFull != ""
	deferred := o.InvoicePrepay != "" && o.InvoiceOffset != ""
	partial := (o.InvoicePrepay != "") != (o.InvoiceOffset != "")
	return (full != deferred) && !partial
}

// Status vocabularies. Values outside both sets are routed nowhere.
var rootStatuses = map[string]bool{
	"new":         true,
	"draft":       true,
	"in_progress": true,
	"completed":   true,
	"canceled":    true,
}

var paymentStatuses = map[string]bool{
	"pending":     true,
	"paid":        true,
	"transferred": true,
	"expired":     true,
	"refunded":    true,
}

// paidLike statuses stamp PaidAt on first transition.
var paidLike = map[string]bool{
	"paid":        true,
	"transferred": true,
}

// IsPaidLike reports whether the order has reached a final paid status.
func (o *SaleOrder) IsPaidLike() bool {
	return paidLike[o.PaymentStatus]
}

// Patch is a recognized update kind. The closed set makes the
// root/payment routing invariant a compile-checked exhaustiveness
// property instead of an untyped partial object.
type Patch interface {
	isPatch()
}

// StatusPatch carries one gateway-reported status value. Routing by
// vocabulary decides which field it lands in.
type StatusPatch struct {
	Status string
}

// ReceiptPatch attaches fiscal receipt ids and URLs. Empty fields leave
// the current value; non-empty fields are last-writer-wins.
type ReceiptPatch struct {
	PrepayReceiptID      string
	PrepayReceiptURL     string
	FullReceiptID        string
	FullReceiptURL       string
	CommissionReceiptURL string
	TaxReceiptURL        string
}

// PartnerPatch records the executor resolved from the payment gateway.
type PartnerPatch struct {
	INN  string
	Kind string
}

// HidePatch soft-deletes the order.
type HidePatch struct{}

func (StatusPatch) isPatch()  {}
func (ReceiptPatch) isPatch() {}
func (PartnerPatch) isPatch() {}
func (HidePatch) isPatch()    {}

// merged returns the next record after applying p. Invoice identifiers
// are never touched by any patch. The autoHide flag mirrors production
// behavior of hiding expired orders.
func (o SaleOrder) merged(p Patch, now time.Time, autoHide bool) SaleOrder {
	next := o
	switch patch := p.(type) {
	case StatusPatch:
		s := patch.Status
		switch {
		case rootStatuses[s]:
			next.RootStatus = s
		case paymentStatuses[s]:
			next.PaymentStatus = s
			if paidLike[s] && next.PaidAt == nil {
				t := now.UTC()
				next.PaidAt = &t
			}
			if s == "expired" && autoHide {
				next.Hidden = true
			}
		}
		// Unknown vocabulary: routed nowhere.
	case ReceiptPatch:
		if patch.PrepayReceiptID != "" {
			next.PrepayReceiptID = patch.PrepayReceiptID
		}
		if patch.PrepayReceiptURL != "" {
			next.PrepayReceiptURL = patch.PrepayReceiptURL
		}
		if patch.FullReceiptID != "" {
			next.FullReceiptID = patch.FullReceiptID
		}
		if patch.FullReceiptURL != "" {
			next.FullReceiptURL = patch.FullReceiptURL
		}
		if patch.CommissionReceiptURL != "" {
			next.CommissionReceiptURL = patch.CommissionReceiptURL
		}
		if patch.TaxReceiptURL != "" {
			next.TaxReceiptURL = patch.TaxReceiptURL
		}
	case PartnerPatch:
		if patch.INN != "" {
			next.PartnerINN = patch.INN
		}
		if patch.Kind != "" {
			next.PartnerKind = patch.Kind
		}
	case HidePatch:
		next.Hidden = true
	}
	return next
}

// OrderSummary is the org-index projection of an order, enough for
// listings without loading every record.
type OrderSummary struct {
	OrderID       int64     `json:"orderId"`
	TaskID        string    `json:"taskId"`
	ServiceDate   string    `json:"serviceDate"`
	PaymentStatus string    `json:"paymentStatus,omitempty"`
	Amount        string    `json:"amount"`
	CreatedAt     time.Time `json:"createdAt"`
	Hidden        bool      `json:"hidden,omitempty"`
}

func (o *SaleOrder) summary() OrderSummary {
	return OrderSummary{
		OrderID:       o.OrderID,
		TaskID:        o.TaskID,
		ServiceDate:   o.ServiceDate,
		PaymentStatus: o.PaymentStatus,
		Amount:        o.Amount,
		CreatedAt:     o.CreatedAt,
		Hidden:        o.Hidden,
	}
}
