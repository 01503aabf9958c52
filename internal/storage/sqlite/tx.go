package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/stackmemory/stackmemory/internal/storage"
	"github.com/stackmemory/stackmemory/internal/types"
)

// storeTx adapts a live *sql.Tx to the storage.Tx interface
type storeTx struct {
	tx *sql.Tx
}

func (t *storeTx) CreateFrame(ctx context.Context, frame *types.Frame) error {
	return insertFrame(ctx, t.tx, frame)
}

func (t *storeTx) CloseFrame(ctx context.Context, frameID string, closedAt time.Time, importance int, digest *types.Digest) error {
	return closeFrameRow(ctx, t.tx, frameID, closedAt, importance, digest)
}

func (t *storeTx) AppendEvent(ctx context.Context, event *types.Event) (int64, error) {
	return insertEvent(ctx, t.tx, event)
}

func (t *storeTx) AddAnchor(ctx context.Context, anchor *types.Anchor) error {
	return insertAnchor(ctx, t.tx, anchor)
}

func (t *storeTx) PutStorageItem(ctx context.Context, item *types.StorageItem) error {
	return insertStorageItem(ctx, t.tx, item)
}

func (t *storeTx) EnqueueMigration(ctx context.Context, itemID, frameID string, band types.MigrationBand) error {
	return enqueueMigration(ctx, t.tx, itemID, frameID, band)
}

// RunInTransaction executes fn against a single write transaction. Frame
// closure uses this so the state flip, final events, snapshot item and
// migration record land atomically or not at all.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&storeTx{tx: tx})
	})
}
