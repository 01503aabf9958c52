// Package tier owns tier transitions for frame snapshots. A background
// worker drains the migration queue, re-encodes blobs with the target
// tier's codec, and applies the tier's retention policy.
package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stackmemory/stackmemory/internal/codec"
	"github.com/stackmemory/stackmemory/internal/config"
	"github.com/stackmemory/stackmemory/internal/storage"
	"github.com/stackmemory/stackmemory/internal/types"
)

// Manager runs tier migrations for one store
type Manager struct {
	store  storage.Store
	log    *slog.Logger
	worker string

	// per-frame advisory locks so a migration never races a foreground
	// write on the same frame
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	offline *OfflineQueue
	cache   *PromotionCache
}

// NewManager creates a tier manager. offlinePath receives migrations whose
// in-band retries are exhausted; empty disables the offline queue.
func NewManager(store storage.Store, log *slog.Logger, offlinePath string) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		store:  store,
		log:    log,
		worker: fmt.Sprintf("tier-%d", os.Getpid()),
		locks:  make(map[string]*sync.Mutex),
		cache:  NewPromotionCache(config.GetInt("tier.promotion-cache-size")),
	}
	if offlinePath != "" {
		m.offline = NewOfflineQueue(offlinePath)
	}
	return m
}

// Run drives the migration loop until the context is canceled
func (m *Manager) Run(ctx context.Context) {
	interval := config.GetDuration("tier.interval")
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info("tier manager started", "interval", interval, "worker", m.worker)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("tier manager stopped")
			return
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				m.log.Error("tier pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs one full tier pass: schedule size-pressure demotions,
// then drain the due queue in batch-size claims. Entries that fail or are
// not yet due get rescheduled into the future, so the drain terminates.
func (m *Manager) RunOnce(ctx context.Context) error {
	if err := m.scheduleSizePressure(ctx); err != nil {
		m.log.Warn("size-pressure sweep failed", "error", err)
	}
	for {
		claimed, err := m.processBatch(ctx)
		if err != nil {
			return err
		}
		if claimed == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// scheduleSizePressure demotes lowest-importance items when total stored
// bytes exceed the configured limit.
func (m *Manager) scheduleSizePressure(ctx context.Context) error {
	limit := config.GetInt64("tier.size-limit-bytes")
	if limit <= 0 {
		return nil
	}
	stats, err := m.store.GetTierStats(ctx)
	if err != nil {
		return err
	}
	if stats.TotalBytes <= limit {
		return nil
	}

	m.log.Warn("store over size limit, scheduling demotions",
		"total_bytes", stats.TotalBytes, "limit", limit)

	// walk tiers warmest first, least important items first
	for _, t := range []types.Tier{types.TierYoung, types.TierMature, types.TierOld} {
		items, err := m.store.ListItemsByImportance(ctx, t, config.GetInt("tier.batch-size"))
		if err != nil {
			return err
		}
		for _, item := range items {
			err := m.store.RunInTransaction(ctx, func(tx storage.Tx) error {
				return tx.EnqueueMigration(ctx, item.ID, item.FrameID, types.BandSize)
			})
			if err != nil {
				m.log.Warn("size demotion enqueue failed", "item", item.ID, "error", err)
			}
		}
		if len(items) > 0 {
			return nil
		}
	}
	return nil
}

// processBatch claims one batch of due queue entries, migrates each, and
// reports how many were claimed.
func (m *Manager) processBatch(ctx context.Context) (int, error) {
	batch := config.GetInt("tier.batch-size")
	lease := config.GetDuration("tier.lease")

	entries, err := m.store.ClaimMigrations(ctx, m.worker, batch, lease)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if err := m.migrate(ctx, entry); err != nil {
			m.retryOrAbandon(ctx, entry, err)
		}
	}
	return len(entries), nil
}

// migrate advances one item to its next tier. A claim whose item is not yet
// past its age window is rescheduled, not failed.
func (m *Manager) migrate(ctx context.Context, entry *types.MigrationEntry) error {
	unlock := m.lockFrame(entry.FrameID)
	defer unlock()

	item, err := m.store.GetStorageItem(ctx, entry.ItemID)
	if err != nil {
		if types.CodeOf(err) == types.CodeNotFound {
			// item pruned underneath the queue entry
			return m.store.DropMigration(ctx, entry.ID)
		}
		return err
	}

	if item.Tier == types.TierArchive {
		return m.store.CompleteMigration(ctx, entry.ID)
	}

	if entry.Band == types.BandAge {
		if due := m.dueAt(item); time.Now().UTC().Before(due) {
			return m.store.RequeueMigration(ctx, entry.ID, entry.Attempts, due)
		}
	}

	target := types.NextTier(item.Tier)
	blob, compression, err := m.reencode(item, target)
	if err != nil {
		return err
	}

	migratedAt := time.Now().UTC()
	update := func() error {
		return m.store.UpdateStorageItem(ctx, item.ID, target, blob, compression, migratedAt)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	if err := backoff.Retry(update, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx)); err != nil {
		return err
	}

	if err := m.store.CompleteMigration(ctx, entry.ID); err != nil {
		return err
	}
	m.log.Debug("migrated item", "item", item.ID, "frame", item.FrameID,
		"from", item.Tier, "to", target, "bytes", len(blob))

	// schedule the next hop; the due check on the next claim holds it back
	// until the new tier's window has passed. Archive is terminal.
	if target != types.TierArchive {
		err := m.store.RunInTransaction(ctx, func(tx storage.Tx) error {
			return tx.EnqueueMigration(ctx, item.ID, item.FrameID, types.BandAge)
		})
		if err != nil {
			m.log.Warn("next-hop enqueue failed", "item", item.ID, "error", err)
		}
	}
	return nil
}

// reencode applies the target tier's retention policy and codec
func (m *Manager) reencode(item *types.StorageItem, target types.Tier) ([]byte, types.Compression, error) {
	raw, err := codec.Decode(item.Blob, item.Compression)
	if err != nil {
		return nil, "", err
	}
	var snapshot types.FrameSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, "", types.E(types.CodeCorruptRecord, "item %s snapshot is undecodable", item.ID).WithCause(err)
	}

	applyRetention(&snapshot, target)

	trimmed, err := json.Marshal(&snapshot)
	if err != nil {
		return nil, "", types.E(types.CodeInternal, "snapshot is not serializable").WithCause(err)
	}
	return codec.EncodeForTier(trimmed, target)
}

// applyRetention trims a snapshot to what the target tier keeps. Anchors
// always survive; they never flow through age-based tiering.
func applyRetention(snapshot *types.FrameSnapshot, target types.Tier) {
	switch target {
	case types.TierYoung:
		// complete retention
	case types.TierMature:
		// drop chatty tool_result payloads, keep the event records
		for _, event := range snapshot.Events {
			if event.Type == types.EventToolResult {
				event.Payload = nil
			}
		}
	default:
		// old and archive keep the critical record only: frame header,
		// anchors, decisions and errors
		var kept []*types.Event
		for _, event := range snapshot.Events {
			if event.Type == types.EventDecisionLog || event.Type == types.EventError {
				kept = append(kept, event)
			}
		}
		snapshot.Events = kept
	}
}

// retryOrAbandon reschedules a failed migration with exponential backoff,
// or moves it to the offline queue when attempts are exhausted.
func (m *Manager) retryOrAbandon(ctx context.Context, entry *types.MigrationEntry, cause error) {
	attempts := entry.Attempts + 1
	maxAttempts := config.GetInt("tier.max-attempts")

	if attempts >= maxAttempts {
		m.log.Error("migration abandoned after max attempts",
			"entry", entry.ID, "item", entry.ItemID, "attempts", attempts, "error", cause)
		if m.offline != nil {
			if err := m.offline.Append(entry, cause); err != nil {
				m.log.Error("offline queue write failed", "error", err)
			}
		}
		if err := m.store.DropMigration(ctx, entry.ID); err != nil {
			m.log.Error("drop migration failed", "entry", entry.ID, "error", err)
		}
		return
	}

	delay := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	notBefore := time.Now().UTC().Add(delay)
	m.log.Warn("migration failed, retrying",
		"entry", entry.ID, "attempt", attempts, "retry_in", delay, "error", cause)
	if err := m.store.RequeueMigration(ctx, entry.ID, attempts, notBefore); err != nil {
		m.log.Error("requeue failed", "entry", entry.ID, "error", err)
	}
}

// dueAt is the time an item becomes old enough to leave its current tier.
// Windows are measured from item creation: young ends at 24 h, mature at
// 7 days, old at 30 days.
func (m *Manager) dueAt(item *types.StorageItem) time.Time {
	return item.CreatedAt.Add(m.window(item.Tier))
}

func (m *Manager) window(t types.Tier) time.Duration {
	switch t {
	case types.TierYoung:
		return config.GetDuration("tier.young-window")
	case types.TierMature:
		return config.GetDuration("tier.mature-window")
	default:
		return config.GetDuration("tier.old-window")
	}
}

// lockFrame takes the per-frame advisory lock and returns its release
func (m *Manager) lockFrame(frameID string) func() {
	m.locksMu.Lock()
	lock, ok := m.locks[frameID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[frameID] = lock
	}
	m.locksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Fetch returns a frame's decoded snapshot, recording the access for the
// promotion policy. Hot snapshots come from the in-memory cache without
// touching the stored tier.
func (m *Manager) Fetch(ctx context.Context, frameID string) (*types.FrameSnapshot, error) {
	if snap, ok := m.cache.Get(frameID); ok {
		return snap, nil
	}

	item, err := m.store.GetStorageItemByFrame(ctx, frameID)
	if err != nil {
		return nil, err
	}
	raw, err := codec.Decode(item.Blob, item.Compression)
	if err != nil {
		return nil, err
	}
	var snapshot types.FrameSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, types.E(types.CodeCorruptRecord, "item %s snapshot is undecodable", item.ID).WithCause(err)
	}

	if m.cache.RecordAccess(frameID) && types.TierRank(item.Tier) > types.TierRank(types.TierYoung) {
		m.cache.Put(frameID, &snapshot)
		m.log.Debug("promoted frame to hot cache", "frame", frameID, "tier", item.Tier)
	}
	return &snapshot, nil
}
