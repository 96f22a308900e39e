package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/avolkov/kassaflow/internal/blob"
	"github.com/avolkov/kassaflow/internal/clock"
	"github.com/avolkov/kassaflow/internal/metrics"
)

// ErrShrinkGuard reports that a legacy ledger write was blocked because
// it would have destroyed a suspicious share of history.
var ErrShrinkGuard = errors.New("ledger: write blocked by shrink guard")

const (
	legacyKey     = "legacy/orders.json"
	backupPrefix  = "legacy/backups/"
	walPrefix     = "legacy/wal/"
	blockedPrefix = "legacy/blocked."
)

// GuardConfig tunes the legacy monolith safety net.
type GuardConfig struct {
	// ShrinkRatio and ShrinkAbs together define the rejection
	// condition: newCount < ShrinkRatio*oldCount AND
	// oldCount-newCount > ShrinkAbs.
	ShrinkRatio float64
	ShrinkAbs   int
	// Override accepts a shrinking write anyway.
	Override bool
	// Backups is how many previous versions to retain.
	Backups int
	// WALRetention bounds the age of write-ahead snapshots.
	WALRetention time.Duration
}

// Legacy manages the monolithic ledger file that predates the sharded
// layout. It is kept as a defense-in-depth mirror: every overwrite is
// preceded by a rotated full backup and a write-ahead snapshot, and a
// shrink guard blocks writes that would silently destroy history.
type Legacy struct {
	store  blob.Store
	clock  clock.Clock
	guard  GuardConfig
	logger *slog.Logger
}

// NewLegacy creates the legacy monolith manager.
func NewLegacy(store blob.Store, clk clock.Clock, guard GuardConfig, logger *slog.Logger) *Legacy {
	return &Legacy{store: store, clock: clk, guard: guard, logger: logger}
}

// Load reads all monolith records. A missing file is an empty ledger.
func (l *Legacy) Load(ctx context.Context) ([]SaleOrder, error) {
	data, err := l.store.Get(ctx, legacyKey)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read legacy monolith: %w", err)
	}
	var records []SaleOrder
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("ledger: decode legacy monolith: %w", err)
	}
	return records, nil
}

// Save replaces the monolith with records. In order: shrink guard,
// write-ahead snapshot of the new content, rotated backup of the
// previous version, authoritative write. A guard rejection persists a
// diagnostic marker and applies nothing.
func (l *Legacy) Save(ctx context.Context, records []SaleOrder, override bool) error {
	sort.Slice(records, func(i, j int) bool { return records[i].OrderID < records[j].OrderID })

	previous, err := l.store.Get(ctx, legacyKey)
	hadPrevious := err == nil
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		return fmt.Errorf("ledger: read previous monolith: %w", err)
	}

	oldCount := 0
	if hadPrevious {
		var old []SaleOrder
		if err := json.Unmarshal(previous, &old); err == nil {
			oldCount = len(old)
		}
	}

	if blocked, detail := l.shrinkBlocked(oldCount, len(records), override); blocked {
		metrics.LedgerBlockedWritesTotal.Inc()
		l.writeBlockedMarker(ctx, detail)
		return fmt.Errorf("%w: %s", ErrShrinkGuard, detail)
	}

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("ledger: encode monolith: %w", err)
	}

	now := l.clock.Now().UTC()
	stamp := now.Format("20060102T150405.000000000")

	// Write-ahead snapshot of the new content before the authoritative
	// write, so a crash mid-overwrite can be repaired from either side.
	if err := l.store.Put(ctx, walPrefix+stamp+".json", data); err != nil {
		return fmt.Errorf("ledger: write WAL snapshot: %w", err)
	}
	l.rotateWAL(ctx, now)

	if hadPrevious {
		if err := l.store.Put(ctx, backupPrefix+"orders."+stamp+".json", previous); err != nil {
			return fmt.Errorf("ledger: write backup: %w", err)
		}
		l.rotateBackups(ctx)
	}

	if err := l.store.Put(ctx, legacyKey, data); err != nil {
		return fmt.Errorf("ledger: write monolith: %w", err)
	}
	metrics.LedgerWritesTotal.WithLabelValues("legacy").Inc()
	return nil
}

// Upsert merges one record into the monolith. Unchanged content is not
// rewritten.
func (l *Legacy) Upsert(ctx context.Context, o *SaleOrder) error {
	records, err := l.Load(ctx)
	if err != nil {
		return err
	}

	replaced := false
	for i := range records {
		if records[i].OrderID == o.OrderID {
			if sameRecord(&records[i], o) {
				return nil
			}
			records[i] = *o
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, *o)
	}
	return l.Save(ctx, records, l.guard.Override)
}

// FindByTaskID linearly scans the monolith. Used only as the fallback
// for records that predate the task index.
func (l *Legacy) FindByTaskID(ctx context.Context, taskID string) (*SaleOrder, error) {
	records, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].TaskID == taskID {
			o := records[i]
			return &o, nil
		}
	}
	return nil, ErrNotFound
}

// shrinkBlocked applies the two-sided rejection rule: both the relative
// and the absolute drop must exceed their thresholds, which lets small
// ledgers shrink legitimately while still catching a near-empty rewrite
// of a large one.
func (l *Legacy) shrinkBlocked(oldCount, newCount int, override bool) (bool, string) {
	if override {
		return false, ""
	}
	if newCount >= oldCount {
		return false, ""
	}
	ratioBreached := float64(newCount) < l.guard.ShrinkRatio*float64(oldCount)
	absBreached := oldCount-newCount > l.guard.ShrinkAbs
	if ratioBreached && absBreached {
		return true, fmt.Sprintf("record count would drop from %d to %d (ratio %.2f, abs %d)",
			oldCount, newCount, l.guard.ShrinkRatio, l.guard.ShrinkAbs)
	}
	return false, ""
}

func (l *Legacy) writeBlockedMarker(ctx context.Context, detail string) {
	marker := map[string]string{
		"detail":    detail,
		"blockedAt": l.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return
	}
	key := blockedPrefix + l.clock.Now().UTC().Format("20060102T150405.000000000") + ".json"
	if err := l.store.Put(ctx, key, data); err != nil {
		l.logger.Error("failed to persist shrink-guard marker", "error", err)
	}
}

// rotateBackups keeps the newest guard.Backups versions.
func (l *Legacy) rotateBackups(ctx context.Context) {
	keys, err := l.store.List(ctx, backupPrefix)
	if err != nil {
		l.logger.Warn("failed to list backups for rotation", "error", err)
		return
	}
	// Keys embed a sortable timestamp; oldest first.
	for len(keys) > l.guard.Backups {
		if err := l.store.Delete(ctx, keys[0]); err != nil {
			l.logger.Warn("failed to rotate backup", "key", keys[0], "error", err)
			return
		}
		keys = keys[1:]
	}
}

// rotateWAL deletes snapshots older than the retention window.
func (l *Legacy) rotateWAL(ctx context.Context, now time.Time) {
	keys, err := l.store.List(ctx, walPrefix)
	if err != nil {
		l.logger.Warn("failed to list WAL for rotation", "error", err)
		return
	}
	cutoff := now.Add(-l.guard.WALRetention).Format("20060102T150405.000000000")
	for _, k := range keys {
		if k[len(walPrefix):] < cutoff {
			if err := l.store.Delete(ctx, k); err != nil {
				l.logger.Warn("failed to rotate WAL snapshot", "key", k, "error", err)
			}
		}
	}
}
