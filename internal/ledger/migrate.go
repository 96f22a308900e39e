package ledger

import (
	"context"
	"errors"
	"fmt"
)

// MigrateLegacy copies every monolith record into the sharded layout.
// Orders already migrated are never overwritten, so the migration is
// idempotent and safe to run at every startup, including concurrently
// from multiple instances.
func (s *Store) MigrateLegacy(ctx context.Context) (int, error) {
	if s.legacy == nil {
		return 0, nil
	}
	records, err := s.legacy.Load(ctx)
	if err != nil {
		return 0, err
	}

	migrated := 0
	for i := range records {
		o := records[i]
		_, err := s.GetByOrderID(ctx, o.OrderID)
		if err == nil {
			continue // already migrated
		}
		if !errors.Is(err, ErrNotFound) {
			return migrated, fmt.Errorf("ledger: migrate order %d: %w", o.OrderID, err)
		}

		if err := s.writeOrder(ctx, &o); err != nil {
			return migrated, err
		}
		if err := s.updateOrgIndex(ctx, &o); err != nil {
			return migrated, err
		}
		if err := s.updateTaskIndex(ctx, &o); err != nil {
			return migrated, err
		}
		migrated++
	}
	return migrated, nil
}
