// Package engine is the facade over the store, frame manager, retriever and
// tier layer. One Engine serves one project; the tool surface and the RPC
// server call through it.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/stackmemory/stackmemory/internal/config"
	"github.com/stackmemory/stackmemory/internal/frame"
	"github.com/stackmemory/stackmemory/internal/identity"
	"github.com/stackmemory/stackmemory/internal/retrieve"
	"github.com/stackmemory/stackmemory/internal/storage"
	"github.com/stackmemory/stackmemory/internal/storage/sqlite"
	"github.com/stackmemory/stackmemory/internal/tier"
	"github.com/stackmemory/stackmemory/internal/types"
)

// Engine wires the subsystems for one project
type Engine struct {
	store     storage.Store
	frames    *frame.Manager
	retriever *retrieve.Retriever
	resolver  *identity.Resolver
	tiers     *tier.Manager
	log       *slog.Logger

	project *types.Project
	session *types.Session
}

// Options configure Open
type Options struct {
	ProjectRoot string
	SessionID   string
	Semantic    retrieve.SemanticIndex
	Log         *slog.Logger

	// InitStore creates the on-disk store when it does not exist yet.
	// Without it, Open fails on an uninitialized project.
	InitStore bool
}

// Open initializes the engine for a project root: opens the store, resolves
// project and session identity, and wires the subsystems.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	root := opts.ProjectRoot
	if root == "" {
		var err error
		if root, err = config.ProjectRoot(); err != nil {
			return nil, types.E(types.CodeStoreUnavailable, "cannot determine project root").WithCause(err)
		}
	}
	if err := config.Initialize(root); err != nil {
		return nil, types.E(types.CodeInvalidArgument, "invalid project config").WithCause(err)
	}

	dbPath := config.DatabasePath(root)
	if config.SkipDB() {
		// test harnesses run against a throwaway in-memory store
		dbPath = ":memory:"
	} else if _, statErr := os.Stat(dbPath); statErr != nil && !opts.InitStore {
		return nil, types.E(types.CodeProjectNotInitialized,
			"no store for %s, run \"stackmemoryd init\" first", root)
	}

	store, err := sqlite.New(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:    store,
		frames:   frame.NewManager(store, log),
		resolver: identity.NewResolver(store),
		log:      log,
	}
	e.retriever = retrieve.New(store, e.frames, opts.Semantic, log)

	offlinePath, err := config.OfflineQueuePath()
	if err != nil {
		offlinePath = ""
	}
	e.tiers = tier.NewManager(store, log, offlinePath)

	if e.project, err = e.resolver.ResolveProject(ctx, root); err != nil {
		_ = store.Close()
		return nil, err
	}
	if e.session, err = e.resolver.ResolveSession(ctx, e.project.ID, identity.DetectBranch(root), opts.SessionID); err != nil {
		_ = store.Close()
		return nil, err
	}

	if err := e.writeContinuity(); err != nil {
		log.Warn("session continuity write failed", "error", err)
	}

	log.Info("engine opened", "project", e.project.ID, "session", e.session.ID)
	return e, nil
}

// NewWithStore builds an engine over an existing store and session, used by
// tests and by the daemon which manages identity itself.
func NewWithStore(store storage.Store, project *types.Project, session *types.Session,
	semantic retrieve.SemanticIndex, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		store:    store,
		frames:   frame.NewManager(store, log),
		resolver: identity.NewResolver(store),
		log:      log,
		project:  project,
		session:  session,
	}
	e.retriever = retrieve.New(store, e.frames, semantic, log)
	e.tiers = tier.NewManager(store, log, "")
	return e
}

// Close releases the store
func (e *Engine) Close() error {
	return e.store.Close()
}

// Project returns the resolved project
func (e *Engine) Project() *types.Project { return e.project }

// Session returns the bound session
func (e *Engine) Session() *types.Session { return e.session }

// Store exposes the storage layer to the daemon's background loops
func (e *Engine) Store() storage.Store { return e.store }

// Frames exposes the frame manager to the daemon's hook wiring
func (e *Engine) Frames() *frame.Manager { return e.frames }

// Tiers exposes the tier manager so the daemon can drive its loop
func (e *Engine) Tiers() *tier.Manager { return e.tiers }

// StartFrame opens a frame on the bound session's stack
func (e *Engine) StartFrame(ctx context.Context, name string, ftype types.FrameType,
	constraints []string, definitions map[string]string) (*types.Frame, error) {
	return e.frames.StartFrame(ctx, e.session, name, ftype, constraints, definitions)
}

// CloseFrame closes a frame (the stack top when frameID is empty) and
// returns its digest.
func (e *Engine) CloseFrame(ctx context.Context, frameID, summary string) (*types.Digest, error) {
	return e.frames.CloseFrame(ctx, e.session.ID, frameID, summary)
}

// AppendEvent appends one event to a frame
func (e *Engine) AppendEvent(ctx context.Context, frameID string, eventType types.EventType, payload json.RawMessage) (int64, error) {
	return e.frames.AppendEvent(ctx, frameID, eventType, payload)
}

// AddAnchor pins a fact. An empty frameID targets the current stack top.
func (e *Engine) AddAnchor(ctx context.Context, frameID string, atype types.AnchorType,
	text string, priority int, metadata map[string]string) (*types.Anchor, error) {
	if frameID == "" {
		top, err := e.frames.CurrentFrameID(ctx, e.session.ID)
		if err != nil {
			return nil, err
		}
		if top == "" {
			return nil, types.E(types.CodeNotFound, "session %s has no open frames", e.session.ID)
		}
		frameID = top
	}
	return e.frames.AddAnchor(ctx, frameID, atype, text, priority, metadata)
}

// AddDecision is sugar for a DECISION anchor on the current frame
func (e *Engine) AddDecision(ctx context.Context, text string) (*types.Anchor, error) {
	return e.AddAnchor(ctx, "", types.AnchorDecision, text, 0, nil)
}

// GetContext assembles a token-bounded bundle for the bound session
func (e *Engine) GetContext(ctx context.Context, query string, budgetTokens int) (*types.ContextBundle, error) {
	return e.retriever.GetContext(ctx, retrieve.Request{
		SessionID:    e.session.ID,
		ProjectID:    e.project.ID,
		Query:        query,
		BudgetTokens: budgetTokens,
	})
}

// GetHotStack returns the active chain with bounded previews
func (e *Engine) GetHotStack(ctx context.Context, maxEvents int) (*types.HotStack, error) {
	return e.frames.GetHotStack(ctx, e.session.ID, maxEvents)
}

// SearchFrames is a thin wrapper over store full-text, returning bounded
// frame headers best first.
func (e *Engine) SearchFrames(ctx context.Context, query string, limit int) ([]*types.FrameHeader, error) {
	if query == "" {
		return nil, types.E(types.CodeInvalidArgument, "search query is required")
	}
	if limit <= 0 {
		limit = 20
	}

	hits, err := e.store.SearchFulltext(ctx, query, storage.SearchFilter{ProjectID: e.project.ID}, limit*3)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var headers []*types.FrameHeader
	for _, hit := range hits {
		if seen[hit.FrameID] {
			continue
		}
		seen[hit.FrameID] = true
		f, err := e.store.GetFrame(ctx, hit.FrameID)
		if err != nil {
			continue
		}
		headers = append(headers, &types.FrameHeader{
			ID:        f.ID,
			SessionID: f.SessionID,
			Type:      f.Type,
			Name:      f.Name,
			State:     f.State,
			Score:     hit.BM25,
			CreatedAt: f.CreatedAt,
			ClosedAt:  f.ClosedAt,
		})
		if len(headers) >= limit {
			break
		}
	}
	return headers, nil
}

// GetTierStats summarizes the tier layer
func (e *Engine) GetTierStats(ctx context.Context) (*storage.TierStats, error) {
	return e.store.GetTierStats(ctx)
}

// continuityRecord is the session pointer written for process handoff
type continuityRecord struct {
	ProjectID string    `json:"project_id"`
	SessionID string    `json:"session_id"`
	Branch    string    `json:"branch,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// writeContinuity records the active session under the user's sessions
// directory so a later process can resume it without a store lookup.
func (e *Engine) writeContinuity() error {
	dir, err := config.SessionsDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	record := continuityRecord{
		ProjectID: e.project.ID,
		SessionID: e.session.ID,
		Branch:    e.session.Branch,
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, e.project.ID+".json")
	return os.WriteFile(path, data, 0o600)
}
