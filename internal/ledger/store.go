package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/avolkov/kassaflow/internal/blob"
	"github.com/avolkov/kassaflow/internal/clock"
	"github.com/avolkov/kassaflow/internal/metrics"
)

const (
	orderPrefix  = "orders/"
	orgPrefix    = "orgs/"
	taskIndexKey = "tasks/index.json"
)

// taskRef resolves a payment-gateway task id to its order.
type taskRef struct {
	OrganizationID string `json:"organizationId"`
	OrderID        int64  `json:"orderId"`
}

// Store is the sale ledger over a blob store. Every mutation is a
// read-merge-write on a single order; a computed next state identical to
// the current one skips the write and all index and mirror updates.
//
// The store is safe for concurrent use across processes in the sense
// required by the engine: interleaved writers are tolerated because all
// patches are idempotent merges, not because of locking.
type Store struct {
	blobs    blob.Store
	clock    clock.Clock
	legacy   *Legacy
	autoHide bool // hide orders on "expired" (production behavior)
	logger   *slog.Logger
}

// NewStore creates the ledger over the given blob backend. legacy may be
// nil in tests that do not exercise the monolith mirror.
func NewStore(blobs blob.Store, clk clock.Clock, legacy *Legacy, autoHide bool, logger *slog.Logger) *Store {
	return &Store{
		blobs:    blobs,
		clock:    clk,
		legacy:   legacy,
		autoHide: autoHide,
		logger:   logger,
	}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("%s%d.json", orderPrefix, orderID)
}

func orgIndexKey(org string) string {
	return orgPrefix + org + "/index.json"
}

// CreateOrder persists a new order. The invoice-kind exclusivity
// invariant is enforced here and never revisited afterwards.
func (s *Store) CreateOrder(ctx context.Context, o *SaleOrder) error {
	if !o.validInvoiceShape() {
		return ErrInvoiceShape
	}

	key := orderKey(o.OrderID)
	if _, err := s.blobs.Get(ctx, key); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, blob.ErrNotFound) {
		return fmt.Errorf("ledger: check existing order %d: %w", o.OrderID, err)
	}

	now := s.clock.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	if err := s.writeOrder(ctx, o); err != nil {
		return err
	}
	metrics.LedgerWritesTotal.WithLabelValues("createOrder").Inc()

	if err := s.updateOrgIndex(ctx, o); err != nil {
		return err
	}
	if err := s.updateTaskIndex(ctx, o); err != nil {
		return err
	}
	s.mirrorLegacy(ctx, o)
	return nil
}

// UpdateStatus applies a gateway-reported status value, routed by
// vocabulary: root task values land in RootStatus, acquiring values in
// PaymentStatus, unknown values nowhere. First paid-like transition
// stamps PaidAt.
func (s *Store) UpdateStatus(ctx context.Context, orderID int64, status string) (*SaleOrder, error) {
	return s.update(ctx, orderID, StatusPatch{Status: status}, "updateStatus")
}

// AttachReceipts merges fiscal receipt ids and URLs into the order.
func (s *Store) AttachReceipts(ctx context.Context, orderID int64, patch ReceiptPatch) (*SaleOrder, error) {
	return s.update(ctx, orderID, patch, "attachReceipts")
}

// SetPartner records the executor resolved from the payment gateway.
func (s *Store) SetPartner(ctx context.Context, orderID int64, inn, kind string) (*SaleOrder, error) {
	return s.update(ctx, orderID, PartnerPatch{INN: inn, Kind: kind}, "setPartner")
}

// Hide soft-deletes the order.
func (s *Store) Hide(ctx context.Context, orderID int64) (*SaleOrder, error) {
	return s.update(ctx, orderID, HidePatch{}, "hide")
}

// update is the single merge+no-op write path all patches go through.
func (s *Store) update(ctx context.Context, orderID int64, patch Patch, op string) (*SaleOrder, error) {
	current, err := s.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	next := current.merged(patch, now, s.autoHide)

	// No-op check: compare with UpdatedAt pinned so an unchanged merge
	// produces zero writes, index updates, or mirror traffic.
	next.UpdatedAt = current.UpdatedAt
	if sameRecord(current, &next) {
		metrics.LedgerNoopsTotal.WithLabelValues(op).Inc()
		return current, nil
	}

	next.UpdatedAt = now
	if err := s.writeOrder(ctx, &next); err != nil {
		return nil, err
	}
	metrics.LedgerWritesTotal.WithLabelValues(op).Inc()

	if current.summary() != next.summary() {
		if err := s.updateOrgIndex(ctx, &next); err != nil {
			return nil, err
		}
	}
	s.mirrorLegacy(ctx, &next)
	return &next, nil
}

// GetByOrderID loads one order from the sharded layout.
func (s *Store) GetByOrderID(ctx context.Context, orderID int64) (*SaleOrder, error) {
	data, err := s.blobs.Get(ctx, orderKey(orderID))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read order %d: %w", orderID, err)
	}
	var o SaleOrder
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("ledger: decode order %d: %w", orderID, err)
	}
	return &o, nil
}

// GetByTaskID resolves an order by its payment-gateway task reference.
// The task index answers in O(1); on a miss the legacy monolith is
// scanned for records that predate the sharded layout.
func (s *Store) GetByTaskID(ctx context.Context, taskID string) (*SaleOrder, error) {
	index, err := s.readTaskIndex(ctx)
	if err != nil {
		return nil, err
	}
	if ref, ok := index[taskID]; ok {
		return s.GetByOrderID(ctx, ref.OrderID)
	}

	if s.legacy != nil {
		o, err := s.legacy.FindByTaskID(ctx, taskID)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// ListByOrganization returns the org's order summaries, ordered by order id.
func (s *Store) ListByOrganization(ctx context.Context, org string) ([]OrderSummary, error) {
	data, err := s.blobs.Get(ctx, orgIndexKey(org))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read org index %s: %w", org, err)
	}
	var summaries []OrderSummary
	if err := json.Unmarshal(data, &summaries); err != nil {
		return nil, fmt.Errorf("ledger: decode org index %s: %w", org, err)
	}
	return summaries, nil
}

// ListOrganizations returns every organization with at least one order.
func (s *Store) ListOrganizations(ctx context.Context) ([]string, error) {
	keys, err := s.blobs.List(ctx, orgPrefix)
	if err != nil {
		return nil, fmt.Errorf("ledger: list organizations: %w", err)
	}
	var orgs []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, orgPrefix)
		org, ok := strings.CutSuffix(rest, "/index.json")
		if ok && !strings.Contains(org, "/") {
			orgs = append(orgs, org)
		}
	}
	return orgs, nil
}

// ListAll loads every order in the sharded layout.
func (s *Store) ListAll(ctx context.Context) ([]*SaleOrder, error) {
	keys, err := s.blobs.List(ctx, orderPrefix)
	if err != nil {
		return nil, fmt.Errorf("ledger: list orders: %w", err)
	}
	orders := make([]*SaleOrder, 0, len(keys))
	for _, k := range keys {
		id, ok := orderIDFromKey(k)
		if !ok {
			continue
		}
		o, err := s.GetByOrderID(ctx, id)
		if err != nil {
			// One unreadable record must not starve the rest.
			s.logger.Warn("skipping unreadable order", "key", k, "error", err)
			continue
		}
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].OrderID < orders[j].OrderID })
	return orders, nil
}

// OrderIDs returns every known order id, sharded and legacy alike. The
// invoice allocator uses it to skip past ids that exist without a
// counter bump.
func (s *Store) OrderIDs(ctx context.Context) ([]int64, error) {
	keys, err := s.blobs.List(ctx, orderPrefix)
	if err != nil {
		return nil, fmt.Errorf("ledger: list orders: %w", err)
	}
	seen := make(map[int64]bool)
	var ids []int64
	for _, k := range keys {
		if id, ok := orderIDFromKey(k); ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if s.legacy != nil {
		records, err := s.legacy.Load(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if !seen[r.OrderID] {
				seen[r.OrderID] = true
				ids = append(ids, r.OrderID)
			}
		}
	}
	return ids, nil
}

func orderIDFromKey(key string) (int64, bool) {
	rest := strings.TrimPrefix(key, orderPrefix)
	rest, ok := strings.CutSuffix(rest, ".json")
	if !ok || strings.Contains(rest, "/") {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (s *Store) writeOrder(ctx context.Context, o *SaleOrder) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("ledger: encode order %d: %w", o.OrderID, err)
	}
	if err := s.blobs.Put(ctx, orderKey(o.OrderID), data); err != nil {
		return fmt.Errorf("ledger: write order %d: %w", o.OrderID, err)
	}
	return nil
}

// updateOrgIndex inserts or replaces the order's summary in its
// organization index, keeping the list ordered by order id. An unchanged
// index is not rewritten.
func (s *Store) updateOrgIndex(ctx context.Context, o *SaleOrder) error {
	summaries, err := s.ListByOrganization(ctx, o.OrganizationID)
	if err != nil {
		return err
	}

	entry := o.summary()
	replaced := false
	next := make([]OrderSummary, 0, len(summaries)+1)
	for _, sm := range summaries {
		if sm.OrderID == o.OrderID {
			if sm == entry {
				return nil // unchanged
			}
			next = append(next, entry)
			replaced = true
			continue
		}
		next = append(next, sm)
	}
	if !replaced {
		next = append(next, entry)
		sort.Slice(next, func(i, j int) bool { return next[i].OrderID < next[j].OrderID })
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("ledger: encode org index %s: %w", o.OrganizationID, err)
	}
	if err := s.blobs.Put(ctx, orgIndexKey(o.OrganizationID), data); err != nil {
		return fmt.Errorf("ledger: write org index %s: %w", o.OrganizationID, err)
	}
	metrics.LedgerWritesTotal.WithLabelValues("orgIndex").Inc()
	return nil
}

func (s *Store) readTaskIndex(ctx context.Context) (map[string]taskRef, error) {
	data, err := s.blobs.Get(ctx, taskIndexKey)
	if errors.Is(err, blob.ErrNotFound) {
		return map[string]taskRef{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read task index: %w", err)
	}
	index := make(map[string]taskRef)
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("ledger: decode task index: %w", err)
	}
	return index, nil
}

func (s *Store) updateTaskIndex(ctx context.Context, o *SaleOrder) error {
	if o.TaskID == "" {
		return nil
	}
	index, err := s.readTaskIndex(ctx)
	if err != nil {
		return err
	}
	ref := taskRef{OrganizationID: o.OrganizationID, OrderID: o.OrderID}
	if existing, ok := index[o.TaskID]; ok && existing == ref {
		return nil
	}
	index[o.TaskID] = ref

	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("ledger: encode task index: %w", err)
	}
	if err := s.blobs.Put(ctx, taskIndexKey, data); err != nil {
		return fmt.Errorf("ledger: write task index: %w", err)
	}
	metrics.LedgerWritesTotal.WithLabelValues("taskIndex").Inc()
	return nil
}

// mirrorLegacy upserts the record into the legacy monolith. The monolith
// is a defense-in-depth layer, so a mirror failure (including a shrink
// guard rejection) is logged, not propagated.
func (s *Store) mirrorLegacy(ctx context.Context, o *SaleOrder) {
	if s.legacy == nil {
		return
	}
	if err := s.legacy.Upsert(ctx, o); err != nil {
		s.logger.Warn("legacy ledger mirror failed", "order_id", o.OrderID, "error", err)
	}
}

// sameRecord compares two orders by their serialized form.
func sameRecord(a, b *SaleOrder) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
