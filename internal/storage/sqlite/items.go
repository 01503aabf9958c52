package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stackmemory/stackmemory/internal/storage"
	"github.com/stackmemory/stackmemory/internal/types"
)

const itemColumns = `id, frame_id, tier, blob, compression_type, size_bytes, importance, created_at, migrated_at`

func insertStorageItem(ctx context.Context, tx *sql.Tx, item *types.StorageItem) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO storage_items (id, frame_id, tier, blob, compression_type, size_bytes, importance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.FrameID, item.Tier, item.Blob, item.Compression, item.SizeBytes, item.Importance, item.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	return nil
}

func enqueueMigration(ctx context.Context, tx *sql.Tx, itemID, frameID string, band types.MigrationBand) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO migration_queue (item_id, frame_id, band, enqueued_at, not_before)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, itemID, frameID, band)
	if err != nil {
		return mapErr(err)
	}
	return nil
}

// GetStorageItem fetches a tier-layer item by id
func (s *Store) GetStorageItem(ctx context.Context, itemID string) (*types.StorageItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM storage_items WHERE id = ?`, itemID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.CodeNotFound, "storage item %s not found", itemID)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return item, nil
}

// GetStorageItemByFrame fetches the tier-layer item wrapping a frame snapshot
func (s *Store) GetStorageItemByFrame(ctx context.Context, frameID string) (*types.StorageItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM storage_items WHERE frame_id = ?`, frameID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.CodeNotFound, "no storage item for frame %s", frameID)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return item, nil
}

// UpdateStorageItem moves an item to a new tier with a freshly encoded blob.
// Idempotent by (itemID, tier): updating an item already at the target tier
// is a no-op, so a retried migration after a crash does not double-apply.
func (s *Store) UpdateStorageItem(ctx context.Context, itemID string, tier types.Tier, blob []byte, compression types.Compression, migratedAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current types.Tier
		err := tx.QueryRowContext(ctx, `SELECT tier FROM storage_items WHERE id = ?`, itemID).Scan(&current)
		if err == sql.ErrNoRows {
			return types.E(types.CodeNotFound, "storage item %s not found", itemID)
		}
		if err != nil {
			return mapErr(err)
		}
		if current == tier {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE storage_items
			SET tier = ?, blob = ?, compression_type = ?, size_bytes = ?, migrated_at = ?
			WHERE id = ?
		`, tier, blob, compression, int64(len(blob)), migratedAt, itemID)
		return mapErr(err)
	})
}

// ClaimMigrations atomically claims up to n due queue entries for a worker.
// An entry is due when its backoff window has passed and no live lease holds
// it. Age-band entries sort before size-band before importance-band, FIFO
// within a band. Claims expire after the lease so a crashed worker's batch
// becomes claimable again.
func (s *Store) ClaimMigrations(ctx context.Context, worker string, n int, lease time.Duration) ([]*types.MigrationEntry, error) {
	if n <= 0 {
		return nil, nil
	}

	var entries []*types.MigrationEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		entries = nil
		now := time.Now().UTC()
		rows, err := tx.QueryContext(ctx, `
			SELECT id, item_id, frame_id, band, attempts, not_before, lease_until, claimed_by, enqueued_at
			FROM migration_queue
			WHERE not_before <= ? AND (lease_until IS NULL OR lease_until <= ?)
			ORDER BY CASE band WHEN 'age' THEN 0 WHEN 'size' THEN 1 ELSE 2 END, enqueued_at, id
			LIMIT ?
		`, now, now, n)
		if err != nil {
			return mapErr(err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var e types.MigrationEntry
			var leaseUntil sql.NullTime
			if err := rows.Scan(&e.ID, &e.ItemID, &e.FrameID, &e.Band, &e.Attempts,
				&e.NotBefore, &leaseUntil, &e.ClaimedBy, &e.EnqueuedAt); err != nil {
				return fmt.Errorf("failed to scan queue entry: %w", err)
			}
			entries = append(entries, &e)
		}
		if err := rows.Err(); err != nil {
			return mapErr(err)
		}

		until := now.Add(lease)
		for _, e := range entries {
			if _, err := tx.ExecContext(ctx, `
				UPDATE migration_queue SET lease_until = ?, claimed_by = ? WHERE id = ?
			`, until, worker, e.ID); err != nil {
				return mapErr(err)
			}
			e.LeaseUntil = &until
			e.ClaimedBy = worker
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// CompleteMigration removes a finished queue entry
func (s *Store) CompleteMigration(ctx context.Context, entryID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM migration_queue WHERE id = ?`, entryID)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res, "queue entry", fmt.Sprintf("%d", entryID))
}

// RequeueMigration releases a failed entry back to the queue with an
// updated attempt count and backoff deadline.
func (s *Store) RequeueMigration(ctx context.Context, entryID int64, attempts int, notBefore time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE migration_queue
		SET attempts = ?, not_before = ?, lease_until = NULL, claimed_by = ''
		WHERE id = ?
	`, attempts, notBefore, entryID)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res, "queue entry", fmt.Sprintf("%d", entryID))
}

// DropMigration removes an entry whose retries are exhausted. The tier
// worker records it in the offline queue before dropping.
func (s *Store) DropMigration(ctx context.Context, entryID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM migration_queue WHERE id = ?`, entryID)
	return mapErr(err)
}

// MigrationQueueDepth returns the number of pending queue entries
func (s *Store) MigrationQueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM migration_queue`).Scan(&depth)
	if err != nil {
		return 0, mapErr(err)
	}
	return depth, nil
}

// GetTierStats summarizes item counts and stored bytes per tier
func (s *Store) GetTierStats(ctx context.Context) (*storage.TierStats, error) {
	stats := &storage.TierStats{
		Items: make(map[types.Tier]int),
		Bytes: make(map[types.Tier]int64),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tier, COUNT(*), COALESCE(SUM(size_bytes), 0)
		FROM storage_items GROUP BY tier
	`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var tier types.Tier
		var count int
		var bytes int64
		if err := rows.Scan(&tier, &count, &bytes); err != nil {
			return nil, fmt.Errorf("failed to scan tier stats: %w", err)
		}
		stats.Items[tier] = count
		stats.Bytes[tier] = bytes
		stats.TotalBytes += bytes
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}

	if stats.QueueDepth, err = s.MigrationQueueDepth(ctx); err != nil {
		return nil, err
	}
	return stats, nil
}

// ListItemsByImportance returns items in a tier ordered least important
// first, then oldest first. Size-pressure demotion evicts from the front.
func (s *Store) ListItemsByImportance(ctx context.Context, tier types.Tier, limit int) ([]*types.StorageItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM storage_items
		WHERE tier = ?
		ORDER BY importance, created_at
		LIMIT ?
	`, tier, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var items []*types.StorageItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan storage item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItem(sc scanner) (*types.StorageItem, error) {
	var item types.StorageItem
	var migratedAt sql.NullTime
	err := sc.Scan(&item.ID, &item.FrameID, &item.Tier, &item.Blob, &item.Compression,
		&item.SizeBytes, &item.Importance, &item.CreatedAt, &migratedAt)
	if err != nil {
		return nil, err
	}
	if migratedAt.Valid {
		t := migratedAt.Time
		item.MigratedAt = &t
	}
	return &item, nil
}
