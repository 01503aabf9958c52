// Package frame owns the per-session active stack. The stack is held as a
// list of frame ids; frame state itself always lives in the store, so a
// restarted process rebuilds the stack from the open frames on disk.
package frame

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/stackmemory/stackmemory/internal/codec"
	"github.com/stackmemory/stackmemory/internal/config"
	"github.com/stackmemory/stackmemory/internal/digest"
	"github.com/stackmemory/stackmemory/internal/score"
	"github.com/stackmemory/stackmemory/internal/storage"
	"github.com/stackmemory/stackmemory/internal/types"
)

// CloseHook is notified after a frame closes and its digest is durable
type CloseHook func(frame *types.Frame, d *types.Digest)

// Manager coordinates frame lifecycle for all sessions of one store
type Manager struct {
	store storage.Store
	log   *slog.Logger

	mu     sync.Mutex
	stacks map[string]*sessionStack

	closeHookMu sync.RWMutex
	closeHook   CloseHook
}

// sessionStack is the active chain of frame ids for one session, root first.
// All mutation happens under the stack mutex so concurrent tool calls on the
// same session serialize.
type sessionStack struct {
	mu     sync.Mutex
	ids    []string
	loaded bool
}

// NewManager creates a frame manager over the given store
func NewManager(store storage.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:  store,
		log:    log,
		stacks: make(map[string]*sessionStack),
	}
}

// SetCloseHook registers the frame-closed notification callback
func (m *Manager) SetCloseHook(hook CloseHook) {
	m.closeHookMu.Lock()
	m.closeHook = hook
	m.closeHookMu.Unlock()
}

func (m *Manager) notifyClose(frame *types.Frame, d *types.Digest) {
	m.closeHookMu.RLock()
	hook := m.closeHook
	m.closeHookMu.RUnlock()
	if hook != nil {
		hook(frame, d)
	}
}

func (m *Manager) stack(sessionID string) *sessionStack {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stacks[sessionID]
	if !ok {
		st = &sessionStack{}
		m.stacks[sessionID] = st
	}
	return st
}

// load rebuilds the stack from open frames in the store. Open frames are
// returned depth-ordered, which is exactly the root-first chain.
func (st *sessionStack) load(ctx context.Context, store storage.Store, sessionID string) error {
	if st.loaded {
		return nil
	}
	frames, err := store.ListActiveFrames(ctx, sessionID)
	if err != nil {
		return err
	}
	st.ids = st.ids[:0]
	for _, f := range frames {
		st.ids = append(st.ids, f.ID)
	}
	st.loaded = true
	return nil
}

// StartFrame pushes a new frame onto the session's stack. The new frame is
// a child of the current top, or a root when the stack is empty.
func (m *Manager) StartFrame(ctx context.Context, session *types.Session, name string, ftype types.FrameType,
	constraints []string, definitions map[string]string) (*types.Frame, error) {

	if session.State != types.SessionActive {
		return nil, types.E(types.CodeSessionNotActive, "session %s is %s", session.ID, session.State)
	}
	if name == "" {
		return nil, types.E(types.CodeInvalidArgument, "frame name is required")
	}
	if maxChars := config.GetInt("frame.max-name-chars"); utf8.RuneCountInString(name) > maxChars {
		return nil, types.E(types.CodeInvalidArgument, "frame name exceeds %d characters", maxChars)
	}
	if ftype == "" {
		ftype = types.FrameTask
	}
	if !types.ValidFrameType(ftype) {
		return nil, types.E(types.CodeInvalidArgument, "invalid frame type %q", ftype)
	}
	if err := checkBlobSize(constraints); err != nil {
		return nil, err
	}
	if err := checkBlobSize(definitions); err != nil {
		return nil, err
	}

	st := m.stack(session.ID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.load(ctx, m.store, session.ID); err != nil {
		return nil, err
	}

	depth := len(st.ids)
	if maxDepth := config.GetInt("frame.max-depth"); depth >= maxDepth {
		return nil, types.E(types.CodeFrameStackOverflow, "frame depth bound %d reached", maxDepth)
	}

	parent := ""
	if depth > 0 {
		parent = st.ids[depth-1]
	}

	frame := &types.Frame{
		ID:          types.NewID("fr"),
		SessionID:   session.ID,
		ProjectID:   session.ProjectID,
		ParentID:    parent,
		Type:        ftype,
		Name:        name,
		State:       types.FrameActive,
		Depth:       depth,
		Constraints: constraints,
		Definitions: definitions,
		CreatedAt:   time.Now().UTC(),
	}

	opened, _ := json.Marshal(map[string]string{"text": "frame opened"})
	err := m.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		if err := tx.CreateFrame(ctx, frame); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, &types.Event{
			FrameID:   frame.ID,
			Type:      types.EventNote,
			Payload:   opened,
			CreatedAt: frame.CreatedAt,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	st.ids = append(st.ids, frame.ID)
	if err := m.store.TouchSession(ctx, session.ID, frame.CreatedAt); err != nil {
		m.log.Warn("touch session failed", "session", session.ID, "error", err)
	}
	return frame, nil
}

// AppendEvent appends one event to an active frame
func (m *Manager) AppendEvent(ctx context.Context, frameID string, eventType types.EventType, payload json.RawMessage) (int64, error) {
	if !types.ValidEventType(eventType) {
		return 0, types.E(types.CodeInvalidArgument, "invalid event type %q", eventType)
	}
	if maxBytes := config.GetInt("frame.max-payload-bytes"); len(payload) > maxBytes {
		return 0, types.E(types.CodePayloadTooLarge, "event payload is %d bytes, limit %d", len(payload), maxBytes)
	}

	frame, err := m.store.GetFrame(ctx, frameID)
	if err != nil {
		return 0, err
	}
	if frame.State != types.FrameActive {
		return 0, types.E(types.CodeConflict, "frame %s is closed", frameID)
	}

	return m.store.AppendEvent(ctx, &types.Event{
		FrameID:   frameID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
}

// AddAnchor pins a typed fact to an active frame. Priority defaults to 5.
func (m *Manager) AddAnchor(ctx context.Context, frameID string, atype types.AnchorType, text string,
	priority int, metadata map[string]string) (*types.Anchor, error) {

	if !types.ValidAnchorType(atype) {
		return nil, types.E(types.CodeInvalidArgument, "invalid anchor type %q", atype)
	}
	if text == "" {
		return nil, types.E(types.CodeInvalidArgument, "anchor text is required")
	}
	if maxBytes := config.GetInt("frame.max-blob-bytes"); len(text) > maxBytes {
		return nil, types.E(types.CodeInvalidArgument, "anchor text exceeds %d bytes", maxBytes)
	}
	if priority == 0 {
		priority = 5
	}
	if priority < 1 || priority > 10 {
		return nil, types.E(types.CodeInvalidArgument, "anchor priority %d outside 1..10", priority)
	}

	frame, err := m.store.GetFrame(ctx, frameID)
	if err != nil {
		return nil, err
	}
	if frame.State != types.FrameActive {
		return nil, types.E(types.CodeConflict, "frame %s is closed", frameID)
	}

	anchor := &types.Anchor{
		ID:        types.NewID("anc"),
		FrameID:   frameID,
		Type:      atype,
		Text:      text,
		Priority:  priority,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.AddAnchor(ctx, anchor); err != nil {
		return nil, err
	}
	return anchor, nil
}

// CurrentFrameID returns the id at the top of the session's stack, or ""
// when the stack is empty.
func (m *Manager) CurrentFrameID(ctx context.Context, sessionID string) (string, error) {
	st := m.stack(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.load(ctx, m.store, sessionID); err != nil {
		return "", err
	}
	if len(st.ids) == 0 {
		return "", nil
	}
	return st.ids[len(st.ids)-1], nil
}

// CloseFrame closes a frame. An empty frameID closes the stack top. Closing
// a frame below the top first closes every descendant above it, LIFO. The
// returned digest belongs to the requested frame. Closing an already-closed
// frame returns its stored digest unchanged.
func (m *Manager) CloseFrame(ctx context.Context, sessionID, frameID, summary string) (*types.Digest, error) {
	st := m.stack(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.load(ctx, m.store, sessionID); err != nil {
		return nil, err
	}

	if frameID == "" {
		if len(st.ids) == 0 {
			return nil, types.E(types.CodeNotFound, "session %s has no open frames", sessionID)
		}
		frameID = st.ids[len(st.ids)-1]
	}

	pos := -1
	for i, id := range st.ids {
		if id == frameID {
			pos = i
			break
		}
	}
	if pos == -1 {
		// not on the stack: either already closed (idempotent return) or unknown
		frame, err := m.store.GetFrame(ctx, frameID)
		if err != nil {
			return nil, err
		}
		if frame.State == types.FrameClosed && frame.Digest != nil {
			return frame.Digest, nil
		}
		return nil, types.E(types.CodeNotFound, "frame %s is not on the active stack of session %s", frameID, sessionID)
	}

	var result *types.Digest
	closedAt := time.Now().UTC()

	// descendants first, top of stack down to the requested frame
	for i := len(st.ids) - 1; i >= pos; i-- {
		id := st.ids[i]
		frameSummary := ""
		if id == frameID {
			frameSummary = summary
		}
		d, err := m.closeOne(ctx, id, frameSummary, closedAt)
		if err != nil {
			// frames already closed in this cascade stay closed; the stack
			// keeps everything at or below the failure point
			st.ids = st.ids[:i+1]
			return nil, err
		}
		st.ids = st.ids[:i]
		if id == frameID {
			result = d
		}
	}
	return result, nil
}

// closeOne scores, digests and durably closes a single frame. The state
// flip, snapshot item and migration record commit in one transaction.
func (m *Manager) closeOne(ctx context.Context, frameID, summary string, closedAt time.Time) (*types.Digest, error) {
	frame, err := m.store.GetFrame(ctx, frameID)
	if err != nil {
		return nil, err
	}
	if frame.State == types.FrameClosed {
		if frame.Digest != nil {
			return frame.Digest, nil
		}
		return &types.Digest{Status: types.DigestOngoing, NextStepHint: types.HintCheckStatus}, nil
	}

	events, err := m.store.ListEvents(ctx, frameID, 0)
	if err != nil {
		return nil, err
	}
	anchors, err := m.store.ListAnchors(ctx, frameID)
	if err != nil {
		return nil, err
	}

	importance := score.Importance(frame, events, anchors, closedAt)
	d := digest.Build(events, anchors, summary)

	snapshot := &types.FrameSnapshot{Frame: frame, Events: events, Anchors: anchors}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, types.E(types.CodeInternal, "frame snapshot is not serializable").WithCause(err)
	}
	blob, compression, err := codec.EncodeForTier(raw, types.TierYoung)
	if err != nil {
		return nil, err
	}

	item := &types.StorageItem{
		ID:          types.NewID("itm"),
		FrameID:     frameID,
		Tier:        types.TierYoung,
		Blob:        blob,
		Compression: compression,
		SizeBytes:   int64(len(blob)),
		Importance:  importance,
		CreatedAt:   closedAt,
	}

	// backpressure: past the soft ceiling, frames stay at young tier longer
	// instead of growing the queue
	enqueue := true
	if depth, err := m.store.MigrationQueueDepth(ctx); err == nil {
		if ceiling := config.GetInt("tier.queue-soft-ceiling"); depth >= ceiling {
			enqueue = false
			m.log.Warn("migration queue past soft ceiling, skipping enqueue",
				"depth", depth, "ceiling", ceiling, "frame", frameID)
		}
	}

	err = m.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		if err := tx.CloseFrame(ctx, frameID, closedAt, importance, d); err != nil {
			return err
		}
		if err := tx.PutStorageItem(ctx, item); err != nil {
			return err
		}
		if enqueue {
			return tx.EnqueueMigration(ctx, item.ID, frameID, types.BandAge)
		}
		return nil
	})
	if err != nil {
		// lost the close race: another caller committed first, reuse theirs
		if types.CodeOf(err) == types.CodeConflict {
			if again, gerr := m.store.GetFrame(ctx, frameID); gerr == nil && again.Digest != nil {
				return again.Digest, nil
			}
		}
		return nil, err
	}

	frame.State = types.FrameClosed
	frame.ClosedAt = &closedAt
	frame.Importance = importance
	frame.Digest = d
	m.notifyClose(frame, d)
	return d, nil
}

// GetHotStack returns the active chain with bounded event previews
func (m *Manager) GetHotStack(ctx context.Context, sessionID string, maxEventsPerFrame int) (*types.HotStack, error) {
	if maxEventsPerFrame <= 0 {
		maxEventsPerFrame = 10
	}

	st := m.stack(sessionID)
	st.mu.Lock()
	if err := st.load(ctx, m.store, sessionID); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	ids := make([]string, len(st.ids))
	copy(ids, st.ids)
	st.mu.Unlock()

	hot := &types.HotStack{SessionID: sessionID}
	if len(ids) == 0 {
		return hot, nil
	}

	frames, err := m.store.GetFramesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		frame, ok := frames[id]
		if !ok {
			continue
		}
		events, err := m.store.ListEvents(ctx, id, maxEventsPerFrame)
		if err != nil {
			return nil, err
		}
		anchors, err := m.store.ListAnchors(ctx, id)
		if err != nil {
			return nil, err
		}
		hot.Frames = append(hot.Frames, &types.HotFrame{
			Frame:        frame,
			RecentEvents: events,
			AnchorCount:  len(anchors),
		})
	}
	return hot, nil
}

// StackIDs returns a copy of the active frame ids, root first
func (m *Manager) StackIDs(ctx context.Context, sessionID string) ([]string, error) {
	st := m.stack(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.load(ctx, m.store, sessionID); err != nil {
		return nil, err
	}
	ids := make([]string, len(st.ids))
	copy(ids, st.ids)
	return ids, nil
}

// Forget drops the in-memory stack for a session, forcing a reload from the
// store on next use. The sweeper calls this when suspending idle sessions.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.stacks, sessionID)
	m.mu.Unlock()
}

// checkBlobSize bounds optional structured blobs (constraints, definitions)
func checkBlobSize(v any) error {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return types.E(types.CodeInvalidArgument, "blob is not serializable").WithCause(err)
	}
	if maxBytes := config.GetInt("frame.max-blob-bytes"); len(raw) > maxBytes {
		return types.E(types.CodeInvalidArgument, "blob exceeds %d bytes", maxBytes)
	}
	return nil
}
