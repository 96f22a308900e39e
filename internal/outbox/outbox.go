// Package outbox persists side-effect intents (payment capture, buyer
// email) next to the ledger write that triggered them, and executes them
// asynchronously. Intents survive crashes; execution is at-least-once
// against idempotent targets.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/avolkov/kassaflow/internal/blob"
	"github.com/avolkov/kassaflow/internal/clock"
	"github.com/avolkov/kassaflow/internal/identity"
)

const intentPrefix = "outbox/"

// Kind is the side-effect type of an intent.
type Kind string

const (
	KindCapture Kind = "capture"
	KindEmail   Kind = "email"
)

// Intent is one pending side effect.
type Intent struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	OrderID   int64     `json:"orderId"`
	TaskID    string    `json:"taskId,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Attempts  int       `json:"attempts"`
}

// Store persists intents in the blob store, one blob per intent.
type Store struct {
	blobs blob.Store
	clock clock.Clock
}

// NewStore creates the outbox store.
func NewStore(blobs blob.Store, clk clock.Clock) *Store {
	return &Store{blobs: blobs, clock: clk}
}

// Enqueue persists a new intent, assigning its id and creation time.
func (s *Store) Enqueue(ctx context.Context, intent *Intent) error {
	if intent.ID == "" {
		intent.ID = identity.WithPrefix("intent_")
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = s.clock.Now().UTC()
	}
	return s.put(ctx, intent)
}

func (s *Store) put(ctx context.Context, intent *Intent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("outbox: encode intent %s: %w", intent.ID, err)
	}
	if err := s.blobs.Put(ctx, intentPrefix+intent.ID+".json", data); err != nil {
		return fmt.Errorf("outbox: write intent %s: %w", intent.ID, err)
	}
	return nil
}

// Delete removes an executed intent.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.blobs.Delete(ctx, intentPrefix+id+".json"); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return fmt.Errorf("outbox: delete intent %s: %w", id, err)
	}
	return nil
}

// List returns pending intents, oldest first. Unreadable entries are
// skipped.
func (s *Store) List(ctx context.Context) ([]*Intent, error) {
	keys, err := s.blobs.List(ctx, intentPrefix)
	if err != nil {
		return nil, fmt.Errorf("outbox: list intents: %w", err)
	}
	intents := make([]*Intent, 0, len(keys))
	for _, k := range keys {
		if !strings.HasSuffix(k, ".json") {
			continue
		}
		data, err := s.blobs.Get(ctx, k)
		if err != nil {
			continue
		}
		var intent Intent
		if err := json.Unmarshal(data, &intent); err != nil {
			continue
		}
		intents = append(intents, &intent)
	}
	sort.Slice(intents, func(i, j int) bool {
		return intents[i].CreatedAt.Before(intents[j].CreatedAt)
	})
	return intents, nil
}

// Has reports whether a pending intent of the given kind exists for the
// order. Used to enqueue once per satisfied precondition.
func (s *Store) Has(ctx context.Context, kind Kind, orderID int64) (bool, error) {
	intents, err := s.List(ctx)
	if err != nil {
		return false, err
	}
	for _, intent := range intents {
		if intent.Kind == kind && intent.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}
