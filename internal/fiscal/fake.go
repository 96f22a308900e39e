package fiscal

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Gateway for tests. Receipts are keyed by invoice
// id; Sign makes a receipt's URL visible, mimicking the device signing
// the document asynchronously.
type Fake struct {
	mu       sync.Mutex
	receipts map[string]*Status
	requests []ReceiptRequest

	// FailCreate makes CreateReceipt fail until cleared.
	FailCreate error
}

// NewFake creates an empty fake fiscal gateway.
func NewFake() *Fake {
	return &Fake{receipts: make(map[string]*Status)}
}

func (f *Fake) CreateReceipt(_ context.Context, req ReceiptRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailCreate != nil {
		return "", f.FailCreate
	}
	f.requests = append(f.requests, req)

	if existing, ok := f.receipts[req.InvoiceID]; ok {
		// Duplicate document path.
		return existing.ReceiptID, nil
	}
	st := &Status{ReceiptID: "rcpt_" + req.InvoiceID}
	f.receipts[req.InvoiceID] = st
	return st.ReceiptID, nil
}

func (f *Fake) ReceiptStatus(_ context.Context, invoiceID string) (*Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.receipts[invoiceID]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *st
	return &cp, nil
}

func (f *Fake) ResolveURL(ctx context.Context, invoiceID string) (string, error) {
	st, err := f.ReceiptStatus(ctx, invoiceID)
	if err != nil {
		return "", err
	}
	return st.URL, nil
}

// Sign marks the receipt as signed, exposing its viewable URL.
func (f *Fake) Sign(invoiceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.receipts[invoiceID]; ok {
		st.FN = "9999078900001234"
		st.FD = "42"
		st.FP = "1234567890"
		st.URL = fmt.Sprintf("https://ofd.example/receipt/%s", st.ReceiptID)
	}
}

// Requests returns a copy of all creation requests seen, duplicates
// included.
func (f *Fake) Requests() []ReceiptRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ReceiptRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// Created reports whether a receipt exists for the invoice id.
func (f *Fake) Created(invoiceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.receipts[invoiceID]
	return ok
}

var _ Gateway = (*Fake)(nil)
