// Package schedule queues deferred offset receipts and issues them when
// their due time arrives. The queue is level-triggered: a job stays put
// until its receipt is confirmed, so every tick retries outstanding work.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/avolkov/kassaflow/internal/blob"
)

const jobPrefix = "offsetjobs/"

// OffsetJob is one pending offset receipt. DueAt is the UTC instant of
// the configured issue hour on the order's service date.
type OffsetJob struct {
	OrderID        int64     `json:"orderId"`
	DueAt          time.Time `json:"dueAt"`
	OrganizationID string    `json:"organizationId"`
	PartnerINN     string    `json:"partnerInn,omitempty"`
	Amount         string    `json:"amount"`
	VAT            string    `json:"vat,omitempty"`
	BuyerEmail     string    `json:"buyerEmail,omitempty"`
}

// SupplierINN is the party the offset receipt is issued for.
func (j *OffsetJob) SupplierINN() string {
	if j.PartnerINN != "" {
		return j.PartnerINN
	}
	return j.OrganizationID
}

func jobKey(orderID int64) string {
	return fmt.Sprintf("%s%d.json", jobPrefix, orderID)
}

// Store persists offset jobs in the blob store, one blob per order.
type Store struct {
	blobs blob.Store
}

// NewStore creates the offset job store.
func NewStore(blobs blob.Store) *Store {
	return &Store{blobs: blobs}
}

// Put inserts or replaces the job for its order.
func (s *Store) Put(ctx context.Context, job *OffsetJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("schedule: encode job %d: %w", job.OrderID, err)
	}
	if err := s.blobs.Put(ctx, jobKey(job.OrderID), data); err != nil {
		return fmt.Errorf("schedule: write job %d: %w", job.OrderID, err)
	}
	return nil
}

// Delete removes the job for an order. Deleting a missing job is a no-op.
func (s *Store) Delete(ctx context.Context, orderID int64) error {
	if err := s.blobs.Delete(ctx, jobKey(orderID)); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return fmt.Errorf("schedule: delete job %d: %w", orderID, err)
	}
	return nil
}

// List returns all queued jobs ordered by order id. Unreadable entries
// are skipped so one bad blob cannot stall the queue.
func (s *Store) List(ctx context.Context) ([]*OffsetJob, error) {
	keys, err := s.blobs.List(ctx, jobPrefix)
	if err != nil {
		return nil, fmt.Errorf("schedule: list jobs: %w", err)
	}

	jobs := make([]*OffsetJob, 0, len(keys))
	for _, k := range keys {
		rest := strings.TrimPrefix(k, jobPrefix)
		rest, ok := strings.CutSuffix(rest, ".json")
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		if _, err := strconv.ParseInt(rest, 10, 64); err != nil {
			continue
		}

		data, err := s.blobs.Get(ctx, k)
		if err != nil {
			continue
		}
		var job OffsetJob
		if err := json.Unmarshal(data, &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].OrderID < jobs[j].OrderID })
	return jobs, nil
}
