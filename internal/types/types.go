// Package types defines core data structures for the StackMemory engine.
package types

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionState represents the lifecycle state of a session
type SessionState string

// Session states
const (
	SessionActive    SessionState = "active"
	SessionSuspended SessionState = "suspended"
	SessionClosed    SessionState = "closed"
)

// FrameType classifies a frame by the kind of work it scopes
type FrameType string

// Frame types
const (
	FrameTask      FrameType = "task"
	FrameSubtask   FrameType = "subtask"
	FrameToolScope FrameType = "tool_scope"
	FrameContext   FrameType = "context"
	FrameReview    FrameType = "review"
	FrameWrite     FrameType = "write"
	FrameDebug     FrameType = "debug"
)

// ValidFrameType reports whether t is one of the fixed frame types
func ValidFrameType(t FrameType) bool {
	switch t {
	case FrameTask, FrameSubtask, FrameToolScope, FrameContext, FrameReview, FrameWrite, FrameDebug:
		return true
	}
	return false
}

// FrameState represents the lifecycle state of a frame
type FrameState string

// Frame states. Closed is terminal; there is no resurrection.
const (
	FrameActive FrameState = "active"
	FrameClosed FrameState = "closed"
)

// EventType classifies an event appended to a frame
type EventType string

// Event types
const (
	EventToolCall    EventType = "tool_call"
	EventToolResult  EventType = "tool_result"
	EventNote        EventType = "note"
	EventError       EventType = "error"
	EventDecisionLog EventType = "decision_log"
	EventAnchorAdd   EventType = "anchor_add"
)

// ValidEventType reports whether t is one of the fixed event types
func ValidEventType(t EventType) bool {
	switch t {
	case EventToolCall, EventToolResult, EventNote, EventError, EventDecisionLog, EventAnchorAdd:
		return true
	}
	return false
}

// AnchorType classifies a pinned fact
type AnchorType string

// Anchor types
const (
	AnchorFact              AnchorType = "FACT"
	AnchorDecision          AnchorType = "DECISION"
	AnchorConstraint        AnchorType = "CONSTRAINT"
	AnchorInterfaceContract AnchorType = "INTERFACE_CONTRACT"
	AnchorTodo              AnchorType = "TODO"
	AnchorRisk              AnchorType = "RISK"
)

// ValidAnchorType reports whether t is one of the fixed anchor types
func ValidAnchorType(t AnchorType) bool {
	switch t {
	case AnchorFact, AnchorDecision, AnchorConstraint, AnchorInterfaceContract, AnchorTodo, AnchorRisk:
		return true
	}
	return false
}

// Tier is a durability/compression band for frame snapshots
type Tier string

// Storage tiers, coldest last
const (
	TierYoung   Tier = "young"
	TierMature  Tier = "mature"
	TierOld     Tier = "old"
	TierArchive Tier = "archive"
)

// tierOrder maps tiers to their position in the young→archive progression
var tierOrder = map[Tier]int{
	TierYoung:   0,
	TierMature:  1,
	TierOld:     2,
	TierArchive: 3,
}

// TierRank returns the ordinal position of a tier (young=0 .. archive=3),
// or -1 for an unknown tier.
func TierRank(t Tier) int {
	if r, ok := tierOrder[t]; ok {
		return r
	}
	return -1
}

// NextTier returns the next colder tier, or the same tier if already archive
func NextTier(t Tier) Tier {
	switch t {
	case TierYoung:
		return TierMature
	case TierMature:
		return TierOld
	case TierOld:
		return TierArchive
	}
	return t
}

// Compression identifies the codec applied to a stored blob
type Compression string

// Compression types. The tag byte stored with each blob must agree with
// the compression_type column; a mismatch is a CorruptRecord.
const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZSTD Compression = "zstd"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

// Task statuses
const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// ValidTaskStatus reports whether s is one of the fixed task statuses
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskPending, TaskInProgress, TaskBlocked, TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

// TaskPriority represents task urgency
type TaskPriority string

// Task priorities
const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityUrgent TaskPriority = "urgent"
)

// ValidTaskPriority reports whether p is one of the fixed task priorities
func ValidTaskPriority(p TaskPriority) bool {
	switch p {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh, TaskPriorityUrgent:
		return true
	}
	return false
}

// Project is a known codebase with a stable derived id
type Project struct {
	ID        string    `json:"id"`
	RootPath  string    `json:"root_path"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is one continuous stretch of assistant work within a project
type Session struct {
	ID           string            `json:"id"`
	ProjectID    string            `json:"project_id"`
	Branch       string            `json:"branch,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
	State        SessionState      `json:"state"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Frame is a scoped unit of work, the node of the hierarchical stack
type Frame struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	ProjectID   string            `json:"project_id"`
	ParentID    string            `json:"parent_id,omitempty"`
	Type        FrameType         `json:"type"`
	Name        string            `json:"name"`
	State       FrameState        `json:"state"`
	Depth       int               `json:"depth"`
	Constraints []string          `json:"constraints,omitempty"`
	Definitions map[string]string `json:"definitions,omitempty"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	Importance  int               `json:"importance,omitempty"`
	Digest      *Digest           `json:"digest,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ClosedAt    *time.Time        `json:"closed_at,omitempty"`
}

// Event is an append-only record attached to a frame.
// Event rows are never rewritten; deletion happens only via whole-frame
// prune policy at the oldest tier.
type Event struct {
	ID        int64           `json:"id"`
	FrameID   string          `json:"frame_id"`
	Type      EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Anchor is a pinned, typed fact attached to a frame. Anchors carry the
// highest retrieval weight and never flow through age-based tiering.
type Anchor struct {
	ID        string            `json:"id"`
	FrameID   string            `json:"frame_id"`
	Type      AnchorType        `json:"type"`
	Text      string            `json:"text"`
	Priority  int               `json:"priority"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Task is a trackable work item in the companion task store
type Task struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	Status         TaskStatus   `json:"status"`
	Priority       TaskPriority `json:"priority"`
	Tags           []string     `json:"tags,omitempty"`
	ParentTaskID   string       `json:"parent_task_id,omitempty"`
	Progress       int          `json:"progress"`
	ExternalSystem string       `json:"external_system,omitempty"`
	ExternalID     string       `json:"external_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// TaskMetrics summarizes the task store
type TaskMetrics struct {
	Total           int                  `json:"total"`
	ByStatus        map[TaskStatus]int   `json:"by_status"`
	ByPriority      map[TaskPriority]int `json:"by_priority"`
	CompletionRate  float64              `json:"completion_rate"`
	AvgCompletionHr float64              `json:"avg_completion_hours"`
}

// StorageItem is the tier-layer record wrapping a frame snapshot
type StorageItem struct {
	ID          string      `json:"id"`
	FrameID     string      `json:"frame_id"`
	Tier        Tier        `json:"tier"`
	Blob        []byte      `json:"-"`
	Compression Compression `json:"compression_type"`
	SizeBytes   int64       `json:"size_bytes"`
	Importance  int         `json:"importance_score"`
	CreatedAt   time.Time   `json:"created_at"`
	MigratedAt  *time.Time  `json:"migrated_at,omitempty"`
}

// MigrationBand orders queue entries: age-triggered items sort before
// size-triggered ones.
type MigrationBand string

// Migration priority bands
const (
	BandAge        MigrationBand = "age"
	BandSize       MigrationBand = "size"
	BandImportance MigrationBand = "importance"
)

// MigrationEntry is one pending tier migration in the queue
type MigrationEntry struct {
	ID         int64         `json:"id"`
	ItemID     string        `json:"item_id"`
	FrameID    string        `json:"frame_id"`
	Band       MigrationBand `json:"band"`
	Attempts   int           `json:"attempts"`
	NotBefore  time.Time     `json:"not_before"`
	LeaseUntil *time.Time    `json:"lease_until,omitempty"`
	ClaimedBy  string        `json:"claimed_by,omitempty"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// FrameSnapshot is the payload serialized into a storage item blob
type FrameSnapshot struct {
	Frame   *Frame    `json:"frame"`
	Events  []*Event  `json:"events,omitempty"`
	Anchors []*Anchor `json:"anchors,omitempty"`
}

// DigestStatus summarizes how a frame ended
type DigestStatus string

// Digest statuses
const (
	DigestSuccess DigestStatus = "success"
	DigestFailure DigestStatus = "failure"
	DigestPartial DigestStatus = "partial"
	DigestOngoing DigestStatus = "ongoing"
)

// NextStepHint is a one-of suggestion derived from digest status
type NextStepHint string

// Next-step hints
const (
	HintCommitAndTest     NextStepHint = "commit-and-test"
	HintFixErrors         NextStepHint = "fix-errors"
	HintReviewAndContinue NextStepHint = "review-and-continue"
	HintCheckStatus       NextStepHint = "check-status"
)

// FileChange records one file touched during a frame
type FileChange struct {
	Path      string `json:"path"`
	Operation string `json:"operation"` // create, modify, delete
}

// Digest is the deterministic structured summary of a closed frame
type Digest struct {
	Status           DigestStatus `json:"status"`
	FilesModified    []FileChange `json:"files_modified,omitempty"`
	TestsPassed      int          `json:"tests_passed"`
	TestsFailed      int          `json:"tests_failed"`
	Decisions        []string     `json:"decisions,omitempty"`
	Risks            []string     `json:"risks,omitempty"`
	ToolCallCount    int          `json:"tool_call_count"`
	UnresolvedErrors int          `json:"unresolved_errors"`
	NextStepHint     NextStepHint `json:"next_step_hint"`
	Summary          string       `json:"summary,omitempty"`
}

// HotFrame is a frame on the active stack with a bounded preview
type HotFrame struct {
	Frame        *Frame   `json:"frame"`
	RecentEvents []*Event `json:"recent_events,omitempty"`
	AnchorCount  int      `json:"anchor_count"`
}

// HotStack is the currently active chain of frames for a session,
// ordered root first.
type HotStack struct {
	SessionID string      `json:"session_id"`
	Frames    []*HotFrame `json:"frames"`
}

// WeightProfile records the re-ranking weights used for one retrieval so
// the ranking is reproducible.
type WeightProfile struct {
	Alpha        float64 `json:"alpha"`
	Beta         float64 `json:"beta"`
	Gamma        float64 `json:"gamma"`
	HalfLifeDays float64 `json:"half_life_days"`
	Estimator    string  `json:"estimator"`
}

// BundleAnchor is an anchor selected into a context bundle
type BundleAnchor struct {
	Type     AnchorType `json:"type"`
	Text     string     `json:"text"`
	Priority int        `json:"priority"`
}

// BundleFrame is a hot-stack frame selected into a context bundle
type BundleFrame struct {
	Frame        *Frame   `json:"frame"`
	Constraints  []string `json:"constraints,omitempty"`
	RecentEvents []*Event `json:"recent_events,omitempty"`
}

// BundleDigest is a retrieved frame digest with its retrieval score
type BundleDigest struct {
	Frame   *Frame  `json:"frame"`
	Summary *Digest `json:"summary,omitempty"`
	Score   float64 `json:"score"`
}

// ContextBundle is the assembled, token-bounded retrieval result
type ContextBundle struct {
	HotStack        []*BundleFrame  `json:"hot_stack"`
	Anchors         []*BundleAnchor `json:"anchors"`
	RelevantDigests []*BundleDigest `json:"relevant_digests,omitempty"`
	Pointers        []string        `json:"pointers,omitempty"`
	TotalTokens     int             `json:"total_tokens"`
	Truncated       bool            `json:"truncated"`
	Weights         *WeightProfile  `json:"weights,omitempty"`
}

// FrameHeader is the bounded frame view returned by search_frames
type FrameHeader struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Type      FrameType  `json:"type"`
	Name      string     `json:"name"`
	State     FrameState `json:"state"`
	Score     float64    `json:"score,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// NewID generates a prefixed random identifier, e.g. "fr-1f3a9c0d".
// IDs are opaque; the prefix only aids debugging.
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + raw[:12]
}
