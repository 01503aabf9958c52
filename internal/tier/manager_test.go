package tier

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmemory/stackmemory/internal/codec"
	"github.com/stackmemory/stackmemory/internal/config"
	"github.com/stackmemory/stackmemory/internal/logging"
	"github.com/stackmemory/stackmemory/internal/storage"
	"github.com/stackmemory/stackmemory/internal/storage/sqlite"
	"github.com/stackmemory/stackmemory/internal/types"
)

func newTestEnv(t *testing.T) (*Manager, *sqlite.Store, *types.Session) {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Now().UTC()
	project := &types.Project{ID: "tier-test", RootPath: "/tmp/p", CreatedAt: now}
	require.NoError(t, store.CreateProject(ctx, project))
	session := &types.Session{
		ID: types.NewID("ses"), ProjectID: project.ID,
		StartedAt: now, LastActiveAt: now, State: types.SessionActive,
	}
	require.NoError(t, store.CreateSession(ctx, session))

	m := NewManager(store, logging.Discard(), filepath.Join(t.TempDir(), "offline-queue.json"))
	return m, store, session
}

// closeAgedFrame writes a closed frame whose snapshot item was created in
// the past, so the age window has already elapsed.
func closeAgedFrame(t *testing.T, store *sqlite.Store, session *types.Session, name string, age time.Duration) *types.StorageItem {
	t.Helper()
	ctx := context.Background()
	created := time.Now().UTC().Add(-age)

	frame := &types.Frame{
		ID: types.NewID("fr"), SessionID: session.ID, ProjectID: session.ProjectID,
		Type: types.FrameTask, Name: name, State: types.FrameActive, CreatedAt: created,
	}
	require.NoError(t, store.CreateFrame(ctx, frame))

	var events []*types.Event
	payload, _ := json.Marshal(map[string]string{"text": strings.Repeat(name+" ", 64)})
	id, err := store.AppendEvent(ctx, &types.Event{
		FrameID: frame.ID, Type: types.EventNote, Payload: payload, CreatedAt: created,
	})
	require.NoError(t, err)
	events = append(events, &types.Event{ID: id, FrameID: frame.ID, Type: types.EventNote, Payload: payload, CreatedAt: created})

	snapshot := &types.FrameSnapshot{Frame: frame, Events: events}
	raw, err := json.Marshal(snapshot)
	require.NoError(t, err)
	blob, compression, err := codec.EncodeForTier(raw, types.TierYoung)
	require.NoError(t, err)

	item := &types.StorageItem{
		ID: types.NewID("itm"), FrameID: frame.ID, Tier: types.TierYoung,
		Blob: blob, Compression: compression, SizeBytes: int64(len(blob)),
		Importance: 5, CreatedAt: created,
	}
	err = store.RunInTransaction(ctx, func(tx storage.Tx) error {
		if err := tx.CloseFrame(ctx, frame.ID, created, 5, nil); err != nil {
			return err
		}
		if err := tx.PutStorageItem(ctx, item); err != nil {
			return err
		}
		return tx.EnqueueMigration(ctx, item.ID, frame.ID, types.BandAge)
	})
	require.NoError(t, err)
	return item
}

func TestMigrationYoungToMature(t *testing.T) {
	m, store, session := newTestEnv(t)
	ctx := context.Background()

	items := make([]*types.StorageItem, 0, 10)
	for i := 0; i < 10; i++ {
		items = append(items, closeAgedFrame(t, store, session, "aged frame", 25*time.Hour))
	}

	require.NoError(t, m.RunOnce(ctx))

	for _, item := range items {
		got, err := store.GetStorageItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TierMature, got.Tier)
		assert.Equal(t, types.CompressionLZ4, got.Compression)
		assert.Less(t, got.SizeBytes, item.SizeBytes)
	}
}

func TestRunOnceDrainsBeyondOneBatch(t *testing.T) {
	m, store, session := newTestEnv(t)
	ctx := context.Background()

	config.Set("tier.batch-size", 3)
	t.Cleanup(func() { config.Set("tier.batch-size", 50) })

	items := make([]*types.StorageItem, 0, 8)
	for i := 0; i < 8; i++ {
		items = append(items, closeAgedFrame(t, store, session, "backlog frame", 25*time.Hour))
	}

	require.NoError(t, m.RunOnce(ctx))

	for _, item := range items {
		got, err := store.GetStorageItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TierMature, got.Tier)
	}

	// each item re-enqueued for its next hop, none still due
	depth, err := store.MigrationQueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, depth)
}

func TestMigrationNotDueIsRescheduled(t *testing.T) {
	m, store, session := newTestEnv(t)
	ctx := context.Background()

	item := closeAgedFrame(t, store, session, "fresh frame", time.Hour)
	require.NoError(t, m.RunOnce(ctx))

	got, err := store.GetStorageItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TierYoung, got.Tier)

	// still queued, pushed out to its due time
	depth, err := store.MigrationQueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestMigrationNextHopQueued(t *testing.T) {
	m, store, session := newTestEnv(t)
	ctx := context.Background()

	item := closeAgedFrame(t, store, session, "keeps moving", 25*time.Hour)
	require.NoError(t, m.RunOnce(ctx))

	got, err := store.GetStorageItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TierMature, got.Tier)

	depth, err := store.MigrationQueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestRetentionPolicies(t *testing.T) {
	note, _ := json.Marshal(map[string]string{"text": "kept note"})
	result, _ := json.Marshal(map[string]string{"text": "chatty output"})
	snapshot := func() *types.FrameSnapshot {
		return &types.FrameSnapshot{
			Frame: &types.Frame{ID: "fr-x"},
			Events: []*types.Event{
				{ID: 1, Type: types.EventNote, Payload: note},
				{ID: 2, Type: types.EventToolResult, Payload: result},
				{ID: 3, Type: types.EventDecisionLog, Payload: note},
				{ID: 4, Type: types.EventError, Payload: note},
			},
			Anchors: []*types.Anchor{{ID: "anc-1", Type: types.AnchorFact, Text: "stays"}},
		}
	}

	mature := snapshot()
	applyRetention(mature, types.TierMature)
	require.Len(t, mature.Events, 4)
	assert.Nil(t, mature.Events[1].Payload)
	assert.NotNil(t, mature.Events[0].Payload)

	old := snapshot()
	applyRetention(old, types.TierOld)
	require.Len(t, old.Events, 2)
	assert.Equal(t, types.EventDecisionLog, old.Events[0].Type)
	assert.Equal(t, types.EventError, old.Events[1].Type)
	assert.Len(t, old.Anchors, 1)
}

func TestTierNeverRegresses(t *testing.T) {
	m, store, session := newTestEnv(t)
	ctx := context.Background()

	item := closeAgedFrame(t, store, session, "monotonic", 40*24*time.Hour)

	// run enough passes to walk the item to archive
	for i := 0; i < 4; i++ {
		require.NoError(t, m.RunOnce(ctx))
	}

	got, err := store.GetStorageItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TierArchive, got.Tier)
	assert.Equal(t, types.CompressionZSTD, got.Compression)

	// a further pass leaves it at archive
	require.NoError(t, m.RunOnce(ctx))
	got, err = store.GetStorageItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TierArchive, got.Tier)
}

func TestOfflineQueueAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline-queue.json")
	q := NewOfflineQueue(path)

	entry := &types.MigrationEntry{ID: 7, ItemID: "itm-1", FrameID: "fr-1", Band: types.BandAge, Attempts: 5}
	require.NoError(t, q.Append(entry, errors.New("disk full")))
	require.NoError(t, q.Append(entry, nil))

	entries, err := q.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "disk full", entries[0].Error)
	assert.Equal(t, int64(7), entries[0].EntryID)

	require.NoError(t, q.Clear())
	entries, err = q.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPromotionCache(t *testing.T) {
	cache := NewPromotionCache(4)

	// threshold is more-than-3 accesses inside the window
	assert.False(t, cache.RecordAccess("fr-1"))
	assert.False(t, cache.RecordAccess("fr-1"))
	assert.False(t, cache.RecordAccess("fr-1"))
	assert.True(t, cache.RecordAccess("fr-1"))

	snap := &types.FrameSnapshot{Frame: &types.Frame{ID: "fr-1"}}
	cache.Put("fr-1", snap)

	got, ok := cache.Get("fr-1")
	require.True(t, ok)
	assert.Equal(t, "fr-1", got.Frame.ID)
	assert.Equal(t, 1, cache.Len())
}

func TestFetchDecodesSnapshot(t *testing.T) {
	m, store, session := newTestEnv(t)
	ctx := context.Background()

	item := closeAgedFrame(t, store, session, "fetched", 25*time.Hour)
	require.NoError(t, m.RunOnce(ctx))

	snap, err := m.Fetch(ctx, item.FrameID)
	require.NoError(t, err)
	assert.Equal(t, item.FrameID, snap.Frame.ID)
	require.NotEmpty(t, snap.Events)

	_, err = m.Fetch(ctx, "fr-missing")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}
