// Package storage defines the interface for engine storage backends.
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/stackmemory/stackmemory/internal/types"
)

// SearchKind identifies which table a full-text hit came from
type SearchKind string

// Search hit kinds
const (
	KindFrame  SearchKind = "frame"
	KindEvent  SearchKind = "event"
	KindAnchor SearchKind = "anchor"
)

// SearchHit is one full-text match with its lexical relevance score.
// BM25 is positive (higher is more relevant).
type SearchHit struct {
	FrameID string
	Kind    SearchKind
	RefID   string
	Text    string
	BM25    float64
}

// SearchFilter narrows full-text search
type SearchFilter struct {
	ProjectID string
	SessionID string
	Kinds     []SearchKind
}

// TaskFilter narrows task listings
type TaskFilter struct {
	Status   types.TaskStatus
	Priority types.TaskPriority
	Tag      string
	ParentID string
	Limit    int
}

// TierStats summarizes the tier layer for one project
type TierStats struct {
	Items      map[types.Tier]int   `json:"items"`
	Bytes      map[types.Tier]int64 `json:"bytes"`
	QueueDepth int                  `json:"queue_depth"`
	TotalBytes int64                `json:"total_bytes"`
}

// Tx exposes the subset of Store operations that execute within a single
// transaction. If the callback returns an error or panics the transaction is
// rolled back; on nil return it is committed. The SQLite backend uses
// BEGIN IMMEDIATE to acquire the write lock early.
type Tx interface {
	CreateFrame(ctx context.Context, frame *types.Frame) error
	CloseFrame(ctx context.Context, frameID string, closedAt time.Time, importance int, digest *types.Digest) error
	AppendEvent(ctx context.Context, event *types.Event) (int64, error)
	AddAnchor(ctx context.Context, anchor *types.Anchor) error
	PutStorageItem(ctx context.Context, item *types.StorageItem) error
	EnqueueMigration(ctx context.Context, itemID, frameID string, band types.MigrationBand) error
}

// Store defines the interface for engine storage backends
type Store interface {
	// Projects
	CreateProject(ctx context.Context, project *types.Project) error
	GetProject(ctx context.Context, id string) (*types.Project, error)

	// Sessions
	CreateSession(ctx context.Context, session *types.Session) error
	GetSession(ctx context.Context, id string) (*types.Session, error)
	ListSessions(ctx context.Context, projectID string, state types.SessionState, limit int) ([]*types.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	UpdateSessionState(ctx context.Context, id string, state types.SessionState) error
	ListSessionsIdleSince(ctx context.Context, cutoff time.Time) ([]*types.Session, error)

	// Frames
	CreateFrame(ctx context.Context, frame *types.Frame) error
	GetFrame(ctx context.Context, id string) (*types.Frame, error)
	ListActiveFrames(ctx context.Context, sessionID string) ([]*types.Frame, error)
	GetFramesByIDs(ctx context.Context, ids []string) (map[string]*types.Frame, error)

	// Events (append-only)
	AppendEvent(ctx context.Context, event *types.Event) (int64, error)
	ListEvents(ctx context.Context, frameID string, limit int) ([]*types.Event, error)

	// Anchors
	AddAnchor(ctx context.Context, anchor *types.Anchor) error
	ListAnchors(ctx context.Context, frameID string) ([]*types.Anchor, error)
	ListAnchorsForFrames(ctx context.Context, frameIDs []string) ([]*types.Anchor, error)

	// Full-text search over frame names, event text and anchor text.
	// Hits carry a BM25-style relevance score.
	SearchFulltext(ctx context.Context, query string, filter SearchFilter, limit int) ([]*SearchHit, error)

	// Tier layer. UpdateStorageItem is idempotent by (itemID, tier): updating
	// an item already at the target tier is a no-op.
	GetStorageItem(ctx context.Context, itemID string) (*types.StorageItem, error)
	GetStorageItemByFrame(ctx context.Context, frameID string) (*types.StorageItem, error)
	UpdateStorageItem(ctx context.Context, itemID string, tier types.Tier, blob []byte, compression types.Compression, migratedAt time.Time) error
	ClaimMigrations(ctx context.Context, worker string, n int, lease time.Duration) ([]*types.MigrationEntry, error)
	CompleteMigration(ctx context.Context, entryID int64) error
	RequeueMigration(ctx context.Context, entryID int64, attempts int, notBefore time.Time) error
	DropMigration(ctx context.Context, entryID int64) error
	MigrationQueueDepth(ctx context.Context) (int, error)
	GetTierStats(ctx context.Context) (*TierStats, error)
	ListItemsByImportance(ctx context.Context, tier types.Tier, limit int) ([]*types.StorageItem, error)

	// Tasks
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	UpdateTask(ctx context.Context, id string, updates map[string]any) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error)
	GetTaskMetrics(ctx context.Context) (*types.TaskMetrics, error)
	AddTaskDependency(ctx context.Context, taskID, dependsOnID string) error
	GetTaskDependencies(ctx context.Context, taskID string) ([]string, error)

	// Transactions. close_frame uses this so that frame closure, final
	// events, anchor snapshots and the migration record commit atomically.
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Close() error
	Path() string

	// UnderlyingDB exposes the raw connection for migrations and tests.
	// Direct access bypasses the storage layer; use sparingly.
	UnderlyingDB() *sql.DB
}
