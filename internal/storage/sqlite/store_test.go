package sqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmemory/stackmemory/internal/storage"
	"github.com/stackmemory/stackmemory/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedProjectSession(t *testing.T, store *Store) (*types.Project, *types.Session) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	project := &types.Project{ID: "git-github-com-acme-widget", RootPath: "/tmp/widget", CreatedAt: now}
	require.NoError(t, store.CreateProject(ctx, project))

	session := &types.Session{
		ID:           types.NewID("ses"),
		ProjectID:    project.ID,
		Branch:       "main",
		StartedAt:    now,
		LastActiveAt: now,
		State:        types.SessionActive,
	}
	require.NoError(t, store.CreateSession(ctx, session))
	return project, session
}

func seedFrame(t *testing.T, store *Store, session *types.Session, name string) *types.Frame {
	t.Helper()
	frame := &types.Frame{
		ID:        types.NewID("fr"),
		SessionID: session.ID,
		ProjectID: session.ProjectID,
		Type:      types.FrameTask,
		Name:      name,
		State:     types.FrameActive,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateFrame(context.Background(), frame))
	return frame
}

func TestProjectRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	project, _ := seedProjectSession(t, store)

	got, err := store.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, project.ID, got.ID)
	assert.Equal(t, project.RootPath, got.RootPath)

	err = store.CreateProject(ctx, project)
	assert.Equal(t, types.CodeConflict, types.CodeOf(err))

	_, err = store.GetProject(ctx, "no-such-project")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, session := seedProjectSession(t, store)

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, got.State)

	later := time.Now().UTC().Add(time.Minute)
	require.NoError(t, store.TouchSession(ctx, session.ID, later))
	require.NoError(t, store.UpdateSessionState(ctx, session.ID, types.SessionSuspended))

	got, err = store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionSuspended, got.State)
	assert.WithinDuration(t, later, got.LastActiveAt, time.Second)

	err = store.TouchSession(ctx, "no-such-session", later)
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestListSessionsIdleSince(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	project, _ := seedProjectSession(t, store)

	stale := &types.Session{
		ID:           types.NewID("ses"),
		ProjectID:    project.ID,
		StartedAt:    time.Now().UTC().Add(-48 * time.Hour),
		LastActiveAt: time.Now().UTC().Add(-48 * time.Hour),
		State:        types.SessionActive,
	}
	require.NoError(t, store.CreateSession(ctx, stale))

	idle, err := store.ListSessionsIdleSince(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, stale.ID, idle[0].ID)
}

func TestFrameRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, session := seedProjectSession(t, store)

	frame := &types.Frame{
		ID:          types.NewID("fr"),
		SessionID:   session.ID,
		ProjectID:   session.ProjectID,
		Type:        types.FrameTask,
		Name:        "implement auth middleware",
		State:       types.FrameActive,
		Depth:       0,
		Constraints: []string{"no breaking API changes"},
		Definitions: map[string]string{"mw": "middleware"},
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreateFrame(ctx, frame))

	got, err := store.GetFrame(ctx, frame.ID)
	require.NoError(t, err)
	assert.Equal(t, frame.Name, got.Name)
	assert.Equal(t, frame.Constraints, got.Constraints)
	assert.Equal(t, frame.Definitions, got.Definitions)
	assert.Equal(t, types.FrameActive, got.State)
	assert.Nil(t, got.ClosedAt)
}

func TestListActiveFramesOrderedByDepth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, session := seedProjectSession(t, store)

	names := []string{"root task", "subtask one", "subtask two"}
	var parent string
	for depth, name := range names {
		frame := &types.Frame{
			ID:        types.NewID("fr"),
			SessionID: session.ID,
			ProjectID: session.ProjectID,
			ParentID:  parent,
			Type:      types.FrameTask,
			Name:      name,
			State:     types.FrameActive,
			Depth:     depth,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, store.CreateFrame(ctx, frame))
		parent = frame.ID
	}

	frames, err := store.ListActiveFrames(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	for i, frame := range frames {
		assert.Equal(t, names[i], frame.Name)
		assert.Equal(t, i, frame.Depth)
	}
}

func TestAppendEventOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, session := seedProjectSession(t, store)
	frame := seedFrame(t, store, session, "ordering check")

	var ids []int64
	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]any{"text": "step", "n": i})
		id, err := store.AppendEvent(ctx, &types.Event{
			FrameID:   frame.ID,
			Type:      types.EventNote,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}

	events, err := store.ListEvents(ctx, frame.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].ID, events[i-1].ID)
	}

	// a bounded listing keeps the most recent entries, oldest first
	recent, err := store.ListEvents(ctx, frame.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[3], recent[0].ID)
	assert.Equal(t, ids[4], recent[1].ID)
}

func TestAnchorsPriorityOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, session := seedProjectSession(t, store)
	frame := seedFrame(t, store, session, "anchor ordering")

	for _, a := range []struct {
		text     string
		priority int
	}{
		{"must keep wire format stable", 9},
		{"prefer streaming parse", 3},
		{"auth token lives in keychain", 7},
	} {
		require.NoError(t, store.AddAnchor(ctx, &types.Anchor{
			ID:        types.NewID("anc"),
			FrameID:   frame.ID,
			Type:      types.AnchorConstraint,
			Text:      a.text,
			Priority:  a.priority,
			CreatedAt: time.Now().UTC(),
		}))
	}

	anchors, err := store.ListAnchors(ctx, frame.ID)
	require.NoError(t, err)
	require.Len(t, anchors, 3)
	assert.Equal(t, 9, anchors[0].Priority)
	assert.Equal(t, 7, anchors[1].Priority)
	assert.Equal(t, 3, anchors[2].Priority)
}

func TestAnchorPriorityBounds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, session := seedProjectSession(t, store)
	frame := seedFrame(t, store, session, "anchor bounds")

	err := store.AddAnchor(ctx, &types.Anchor{
		ID:        types.NewID("anc"),
		FrameID:   frame.ID,
		Type:      types.AnchorFact,
		Text:      "out of range",
		Priority:  11,
		CreatedAt: time.Now().UTC(),
	})
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
}

func TestSearchFulltext(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, session := seedProjectSession(t, store)
	frame := seedFrame(t, store, session, "refactor token bucket rate limiter")

	require.NoError(t, store.AddAnchor(ctx, &types.Anchor{
		ID:        types.NewID("anc"),
		FrameID:   frame.ID,
		Type:      types.AnchorDecision,
		Text:      "rate limiter uses a token bucket per client",
		Priority:  8,
		CreatedAt: time.Now().UTC(),
	}))

	hits, err := store.SearchFulltext(ctx, "token bucket", storage.SearchFilter{ProjectID: session.ProjectID}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, hit := range hits {
		assert.Equal(t, frame.ID, hit.FrameID)
		assert.Greater(t, hit.BM25, 0.0)
	}

	// kind filter narrows to anchors only
	hits, err = store.SearchFulltext(ctx, "token bucket",
		storage.SearchFilter{ProjectID: session.ProjectID, Kinds: []storage.SearchKind{storage.KindAnchor}}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, storage.KindAnchor, hits[0].Kind)

	// punctuation in the query must not be parsed as FTS syntax
	_, err = store.SearchFulltext(ctx, `token "bucket" AND (limiter)`, storage.SearchFilter{}, 10)
	assert.NoError(t, err)
}

func TestCloseFrameTransaction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, session := seedProjectSession(t, store)
	frame := seedFrame(t, store, session, "transactional close")

	digest := &types.Digest{
		Status:        types.DigestSuccess,
		ToolCallCount: 3,
		NextStepHint:  types.HintCommitAndTest,
		Summary:       "done",
	}
	item := &types.StorageItem{
		ID:          types.NewID("itm"),
		FrameID:     frame.ID,
		Tier:        types.TierYoung,
		Blob:        []byte("snapshot"),
		Compression: types.CompressionNone,
		SizeBytes:   8,
		Importance:  12,
		CreatedAt:   time.Now().UTC(),
	}

	err := store.RunInTransaction(ctx, func(tx storage.Tx) error {
		if err := tx.CloseFrame(ctx, frame.ID, time.Now().UTC(), 12, digest); err != nil {
			return err
		}
		if err := tx.PutStorageItem(ctx, item); err != nil {
			return err
		}
		return tx.EnqueueMigration(ctx, item.ID, frame.ID, types.BandAge)
	})
	require.NoError(t, err)

	got, err := store.GetFrame(ctx, frame.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FrameClosed, got.State)
	assert.NotNil(t, got.ClosedAt)
	require.NotNil(t, got.Digest)
	assert.Equal(t, types.DigestSuccess, got.Digest.Status)
	assert.Equal(t, 12, got.Importance)

	stored, err := store.GetStorageItemByFrame(ctx, frame.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TierYoung, stored.Tier)

	depth, err := store.MigrationQueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestCloseFrameTwiceConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, session := seedProjectSession(t, store)
	frame := seedFrame(t, store, session, "double close")

	closeOnce := func() error {
		return store.RunInTransaction(ctx, func(tx storage.Tx) error {
			return tx.CloseFrame(ctx, frame.ID, time.Now().UTC(), 5, &types.Digest{Status: types.DigestSuccess})
		})
	}
	require.NoError(t, closeOnce())
	assert.Equal(t, types.CodeConflict, types.CodeOf(closeOnce()))
}

func TestTransactionRollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, session := seedProjectSession(t, store)
	frame := seedFrame(t, store, session, "rollback check")

	boom := types.E(types.CodeInvalidArgument, "boom")
	err := store.RunInTransaction(ctx, func(tx storage.Tx) error {
		if err := tx.CloseFrame(ctx, frame.ID, time.Now().UTC(), 1, nil); err != nil {
			return err
		}
		return boom
	})
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))

	got, err := store.GetFrame(ctx, frame.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FrameActive, got.State)
}

func TestSchemaVersionStamped(t *testing.T) {
	store := newTestStore(t)

	var raw string
	err := store.UnderlyingDB().QueryRow(`SELECT value FROM metadata WHERE key = 'schema_version'`).Scan(&raw)
	require.NoError(t, err)
	assert.Equal(t, "2", raw)
}
