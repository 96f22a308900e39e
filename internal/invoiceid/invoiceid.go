// Package invoiceid allocates globally unique order ids and formats the
// typed invoice identifiers used as idempotency keys at the fiscal
// gateway.
package invoiceid

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags which receipt an invoice id belongs to.
type Kind string

const (
	KindPrepay Kind = "A" // prepayment receipt
	KindOffset Kind = "B" // offset (advance settlement) receipt
	KindFull   Kind = "C" // same-day full settlement receipt
)

// Format builds the deterministic invoice id string for an order.
// Pure function: no I/O.
func Format(prefix string, orderID int64, kind Kind) string {
	return fmt.Sprintf("%s-%s-%d", prefix, kind, orderID)
}

// Parse splits an invoice id back into its order id and kind. The
// inverse of Format; rejects unknown kinds and malformed ids.
func Parse(id string) (orderID int64, kind Kind, err error) {
	parts := strings.Split(id, "-")
	if len(parts) < 3 {
		return 0, "", fmt.Errorf("invoiceid: malformed id %q", id)
	}
	kind = Kind(parts[len(parts)-2])
	switch kind {
	case KindPrepay, KindOffset, KindFull:
	default:
		return 0, "", fmt.Errorf("invoiceid: unknown kind in %q", id)
	}
	orderID, err = strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil || orderID <= 0 {
		return 0, "", fmt.Errorf("invoiceid: bad order id in %q", id)
	}
	return orderID, kind, nil
}
