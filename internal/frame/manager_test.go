package frame

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmemory/stackmemory/internal/config"
	"github.com/stackmemory/stackmemory/internal/logging"
	"github.com/stackmemory/stackmemory/internal/storage/sqlite"
	"github.com/stackmemory/stackmemory/internal/types"
)

func newTestManager(t *testing.T) (*Manager, *types.Session) {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Now().UTC()
	project := &types.Project{ID: "test-project", RootPath: "/tmp/p", CreatedAt: now}
	require.NoError(t, store.CreateProject(ctx, project))

	session := &types.Session{
		ID:           types.NewID("ses"),
		ProjectID:    project.ID,
		StartedAt:    now,
		LastActiveAt: now,
		State:        types.SessionActive,
	}
	require.NoError(t, store.CreateSession(ctx, session))

	return NewManager(store, logging.Discard()), session
}

func TestStartFrameStacking(t *testing.T) {
	m, session := newTestManager(t)
	ctx := context.Background()

	root, err := m.StartFrame(ctx, session, "root work", types.FrameTask, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, root.Depth)
	assert.Empty(t, root.ParentID)

	child, err := m.StartFrame(ctx, session, "child work", types.FrameSubtask, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, root.ID, child.ParentID)

	top, err := m.CurrentFrameID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, child.ID, top)

	// starting a frame writes the synthetic opened note
	events, err := m.store.ListEvents(ctx, root.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventNote, events[0].Type)
}

func TestStartFrameValidation(t *testing.T) {
	m, session := newTestManager(t)
	ctx := context.Background()

	_, err := m.StartFrame(ctx, session, "", types.FrameTask, nil, nil)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))

	_, err = m.StartFrame(ctx, session, strings.Repeat("n", 201), types.FrameTask, nil, nil)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))

	// the name bound counts characters, not bytes
	_, err = m.StartFrame(ctx, session, strings.Repeat("日", 200), types.FrameTask, nil, nil)
	assert.NoError(t, err)
	_, err = m.StartFrame(ctx, session, strings.Repeat("日", 201), types.FrameTask, nil, nil)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))

	_, err = m.StartFrame(ctx, session, "bad type", types.FrameType("mystery"), nil, nil)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))

	big := []string{strings.Repeat("c", 5000)}
	_, err = m.StartFrame(ctx, session, "big blob", types.FrameTask, big, nil)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))

	suspended := *session
	suspended.State = types.SessionSuspended
	_, err = m.StartFrame(ctx, &suspended, "nope", types.FrameTask, nil, nil)
	assert.Equal(t, types.CodeSessionNotActive, types.CodeOf(err))
}

func TestStartFrameDepthBound(t *testing.T) {
	m, session := newTestManager(t)
	ctx := context.Background()

	config.Set("frame.max-depth", 3)
	t.Cleanup(func() { config.Set("frame.max-depth", 10000) })

	for i := 0; i < 3; i++ {
		_, err := m.StartFrame(ctx, session, "layer", types.FrameTask, nil, nil)
		require.NoError(t, err)
	}

	_, err := m.StartFrame(ctx, session, "one too many", types.FrameTask, nil, nil)
	assert.Equal(t, types.CodeFrameStackOverflow, types.CodeOf(err))

	// the prior stack is intact
	ids, err := m.StackIDs(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestAppendEventPayloadBound(t *testing.T) {
	m, session := newTestManager(t)
	ctx := context.Background()

	frame, err := m.StartFrame(ctx, session, "payload bound", types.FrameTask, nil, nil)
	require.NoError(t, err)

	exactly := json.RawMessage(`"` + strings.Repeat("x", (1<<20)-2) + `"`)
	require.Len(t, exactly, 1<<20)
	_, err = m.AppendEvent(ctx, frame.ID, types.EventNote, exactly)
	assert.NoError(t, err)

	oneOver := json.RawMessage(`"` + strings.Repeat("x", (1<<20)-1) + `"`)
	_, err = m.AppendEvent(ctx, frame.ID, types.EventNote, oneOver)
	assert.Equal(t, types.CodePayloadTooLarge, types.CodeOf(err))

	_, err = m.AppendEvent(ctx, frame.ID, types.EventType("telepathy"), nil)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
}

func TestAddAnchorDefaults(t *testing.T) {
	m, session := newTestManager(t)
	ctx := context.Background()

	frame, err := m.StartFrame(ctx, session, "anchoring", types.FrameTask, nil, nil)
	require.NoError(t, err)

	anchor, err := m.AddAnchor(ctx, frame.ID, types.AnchorFact, "defaults to five", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, anchor.Priority)

	_, err = m.AddAnchor(ctx, frame.ID, types.AnchorFact, "too high", 11, nil)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))

	_, err = m.AddAnchor(ctx, frame.ID, types.AnchorType("WISH"), "bad type", 5, nil)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
}

func TestCloseFrameLIFOCascade(t *testing.T) {
	m, session := newTestManager(t)
	ctx := context.Background()

	root, err := m.StartFrame(ctx, session, "root", types.FrameTask, nil, nil)
	require.NoError(t, err)
	mid, err := m.StartFrame(ctx, session, "mid", types.FrameSubtask, nil, nil)
	require.NoError(t, err)
	top, err := m.StartFrame(ctx, session, "top", types.FrameSubtask, nil, nil)
	require.NoError(t, err)

	// closing the middle frame takes the top with it, LIFO
	d, err := m.CloseFrame(ctx, session.ID, mid.ID, "wrapped up")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "wrapped up", d.Summary)

	for _, id := range []string{mid.ID, top.ID} {
		got, err := m.store.GetFrame(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.FrameClosed, got.State)
	}

	rootFrame, err := m.store.GetFrame(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FrameActive, rootFrame.State)

	ids, err := m.StackIDs(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{root.ID}, ids)
}

func TestCloseFrameIdempotent(t *testing.T) {
	m, session := newTestManager(t)
	ctx := context.Background()

	frame, err := m.StartFrame(ctx, session, "close twice", types.FrameTask, nil, nil)
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]any{"tool": "Write", "path": "x.go"})
	_, err = m.AppendEvent(ctx, frame.ID, types.EventToolCall, payload)
	require.NoError(t, err)

	first, err := m.CloseFrame(ctx, session.ID, frame.ID, "")
	require.NoError(t, err)

	second, err := m.CloseFrame(ctx, session.ID, frame.ID, "ignored on reclose")
	require.NoError(t, err)

	firstJSON, _ := json.Marshal(first)
	secondJSON, _ := json.Marshal(second)
	assert.Equal(t, string(firstJSON), string(secondJSON))
}

func TestCloseFrameTopDefault(t *testing.T) {
	m, session := newTestManager(t)
	ctx := context.Background()

	_, err := m.CloseFrame(ctx, session.ID, "", "")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))

	_, err = m.StartFrame(ctx, session, "bottom", types.FrameTask, nil, nil)
	require.NoError(t, err)
	top, err := m.StartFrame(ctx, session, "top", types.FrameSubtask, nil, nil)
	require.NoError(t, err)

	_, err = m.CloseFrame(ctx, session.ID, "", "")
	require.NoError(t, err)

	got, err := m.store.GetFrame(ctx, top.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FrameClosed, got.State)

	ids, err := m.StackIDs(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestCloseFrameEnqueuesMigration(t *testing.T) {
	m, session := newTestManager(t)
	ctx := context.Background()

	frame, err := m.StartFrame(ctx, session, "queued", types.FrameTask, nil, nil)
	require.NoError(t, err)
	_, err = m.CloseFrame(ctx, session.ID, frame.ID, "")
	require.NoError(t, err)

	item, err := m.store.GetStorageItemByFrame(ctx, frame.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TierYoung, item.Tier)
	assert.Equal(t, types.CompressionNone, item.Compression)

	depth, err := m.store.MigrationQueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestCloseHookFires(t *testing.T) {
	m, session := newTestManager(t)
	ctx := context.Background()

	var gotFrame *types.Frame
	m.SetCloseHook(func(f *types.Frame, d *types.Digest) { gotFrame = f })

	frame, err := m.StartFrame(ctx, session, "hooked", types.FrameTask, nil, nil)
	require.NoError(t, err)
	_, err = m.CloseFrame(ctx, session.ID, frame.ID, "")
	require.NoError(t, err)

	require.NotNil(t, gotFrame)
	assert.Equal(t, frame.ID, gotFrame.ID)
	assert.Equal(t, types.FrameClosed, gotFrame.State)
}

func TestStackRebuildAfterRestart(t *testing.T) {
	m, session := newTestManager(t)
	ctx := context.Background()

	root, err := m.StartFrame(ctx, session, "survives restart", types.FrameTask, nil, nil)
	require.NoError(t, err)
	child, err := m.StartFrame(ctx, session, "child survives too", types.FrameSubtask, nil, nil)
	require.NoError(t, err)

	// a fresh manager over the same store rebuilds the stack from disk
	fresh := NewManager(m.store, logging.Discard())
	ids, err := fresh.StackIDs(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{root.ID, child.ID}, ids)

	hot, err := fresh.GetHotStack(ctx, session.ID, 5)
	require.NoError(t, err)
	require.Len(t, hot.Frames, 2)
	assert.Equal(t, 0, hot.Frames[0].Frame.Depth)
}

func TestGetHotStackPreviews(t *testing.T) {
	m, session := newTestManager(t)
	ctx := context.Background()

	frame, err := m.StartFrame(ctx, session, "previewed", types.FrameTask, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 15; i++ {
		payload, _ := json.Marshal(map[string]any{"text": "step"})
		_, err = m.AppendEvent(ctx, frame.ID, types.EventNote, payload)
		require.NoError(t, err)
	}
	_, err = m.AddAnchor(ctx, frame.ID, types.AnchorFact, "pinned", 5, nil)
	require.NoError(t, err)

	hot, err := m.GetHotStack(ctx, session.ID, 10)
	require.NoError(t, err)
	require.Len(t, hot.Frames, 1)
	assert.Len(t, hot.Frames[0].RecentEvents, 10)
	assert.Equal(t, 1, hot.Frames[0].AnchorCount)
}
