// Package fiscal talks to the fiscal receipt gateway: receipt creation
// keyed by invoice id, status lookup, and viewable-URL resolution.
package fiscal

import (
	"context"
	"errors"
)

// ErrReceiptNotFound reports that the gateway knows nothing about the
// invoice id. Used as the idempotency pre-check signal: a not-found
// means it is safe to create.
var ErrReceiptNotFound = errors.New("fiscal: receipt not found")

// ReceiptKind labels which receipt of an order is being issued.
type ReceiptKind string

const (
	KindPrepay     ReceiptKind = "prepay"
	KindOffset     ReceiptKind = "offset"
	KindFull       ReceiptKind = "full"
	KindCommission ReceiptKind = "commission"
)

// ReceiptRequest describes one receipt to issue. InvoiceID doubles as
// the gateway-side idempotency key: re-submitting the same invoice id is
// answered with the already-created receipt.
type ReceiptRequest struct {
	InvoiceID   string
	Kind        ReceiptKind
	SupplierINN string // issuing party: organization, or partner on agent orders
	BuyerEmail  string
	BuyerPhone  string
	Amount      string // gross, decimal string
	VAT         string
	// AdvanceOffset marks the payment as settling a previously fiscalized
	// advance rather than a fresh payment.
	AdvanceOffset bool
	Description   string
}

// Status is the gateway's view of one receipt. FN/FD/FP are the fiscal
// device registration fields; they and the URL appear only after the
// device has signed the document.
type Status struct {
	ReceiptID string `json:"receiptId"`
	FN        string `json:"fn,omitempty"`
	FD        string `json:"fd,omitempty"`
	FP        string `json:"fp,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Signed reports whether the fiscal device has signed the receipt.
func (s *Status) Signed() bool {
	return s.FN != "" && s.URL != ""
}

// Gateway is the fiscal provider contract.
type Gateway interface {
	// CreateReceipt submits a receipt and returns the gateway receipt id.
	// A duplicate-document response carrying the existing id is success.
	CreateReceipt(ctx context.Context, req ReceiptRequest) (string, error)
	// ReceiptStatus looks up a receipt by invoice id.
	ReceiptStatus(ctx context.Context, invoiceID string) (*Status, error)
	// ResolveURL short-polls for the signed viewable URL. An empty URL
	// with nil error means the device has not signed yet; the callback
	// path or a later repair pass picks it up.
	ResolveURL(ctx context.Context, invoiceID string) (string, error)
}
