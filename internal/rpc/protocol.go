package rpc

import (
	"encoding/json"
	"errors"

	"github.com/stackmemory/stackmemory/internal/types"
)

// Operation constants for the tool surface
const (
	OpPing     = "ping"
	OpStatus   = "status"
	OpShutdown = "shutdown"

	OpStartFrame  = "start_frame"
	OpCloseFrame  = "close_frame"
	OpAppendEvent = "append_event"
	OpAddAnchor   = "add_anchor"
	OpAddDecision = "add_decision"

	OpGetContext   = "get_context"
	OpGetHotStack  = "get_hot_stack"
	OpSearchFrames = "search_frames"

	OpCreateTask        = "create_task"
	OpUpdateTaskStatus  = "update_task_status"
	OpGetActiveTasks    = "get_active_tasks"
	OpGetTaskMetrics    = "get_task_metrics"
	OpAddTaskDependency = "add_task_dependency"

	OpTierStats = "tier_stats"
)

// Request represents an RPC request from client to daemon. SessionID and
// DeadlineMs are optional: the daemon binds one session, and a zero deadline
// falls back to the server's request timeout.
type Request struct {
	Operation     string          `json:"operation"`
	Args          json.RawMessage `json:"args,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	DeadlineMs    int64           `json:"deadline_ms,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	ClientVersion string          `json:"client_version,omitempty"`
}

// ContentBlock is one piece of tool output. Only "text" blocks exist today;
// the type tag keeps the wire format open for richer blocks later.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Response represents an RPC response from daemon to client. Exactly one of
// Content or Error is populated.
type Response struct {
	RequestID string          `json:"request_id,omitempty"`
	Content   []ContentBlock  `json:"content,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Error     *types.Error    `json:"error,omitempty"`
}

// Ok reports whether the response carries a result rather than an error
func (r *Response) Ok() bool {
	return r.Error == nil
}

// Decode unmarshals the first text content block into out
func (r *Response) Decode(out any) error {
	if r.Error != nil {
		return r.Error
	}
	for _, block := range r.Content {
		if block.Type == "text" {
			return json.Unmarshal([]byte(block.Text), out)
		}
	}
	return types.E(types.CodeInternal, "response has no text content")
}

// textResponse wraps a result value in the content envelope
func textResponse(result any) Response {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errorResponse(types.E(types.CodeInternal, "cannot encode result").WithCause(err))
	}
	return Response{Content: []ContentBlock{{Type: "text", Text: string(data)}}}
}

// errorResponse wraps err in the error envelope, coercing untyped errors to
// Internal so the wire never carries a bare string.
func errorResponse(err error) Response {
	var typed *types.Error
	if !errors.As(err, &typed) {
		typed = types.E(types.CodeInternal, "%s", err.Error())
	}
	return Response{Error: typed}
}

// StartFrameArgs opens a frame on the session's stack
type StartFrameArgs struct {
	Name        string            `json:"name"`
	Type        string            `json:"type,omitempty"`
	Constraints []string          `json:"constraints,omitempty"`
	Definitions map[string]string `json:"definitions,omitempty"`
}

// CloseFrameArgs closes a frame, the stack top when FrameID is empty
type CloseFrameArgs struct {
	FrameID string `json:"frame_id,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// AppendEventArgs appends one event to an open frame
type AppendEventArgs struct {
	FrameID string          `json:"frame_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AppendEventResult carries the assigned event id
type AppendEventResult struct {
	EventID int64 `json:"event_id"`
}

// AddAnchorArgs pins a durable fact. An empty FrameID targets the stack top.
type AddAnchorArgs struct {
	FrameID  string            `json:"frame_id,omitempty"`
	Type     string            `json:"type"`
	Text     string            `json:"text"`
	Priority int               `json:"priority,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// AddDecisionArgs is the shorthand for a decision anchor on the current frame
type AddDecisionArgs struct {
	Text string `json:"text"`
}

// GetContextArgs assembles a token-bounded context bundle
type GetContextArgs struct {
	Query        string `json:"query,omitempty"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// GetHotStackArgs bounds the per-frame event previews
type GetHotStackArgs struct {
	MaxEvents int `json:"max_events,omitempty"`
}

// SearchFramesArgs runs full-text search over frames, events and anchors
type SearchFramesArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// CreateTaskArgs registers a new task
type CreateTaskArgs struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	ParentTaskID string   `json:"parent_task_id,omitempty"`
}

// UpdateTaskStatusArgs transitions a task
type UpdateTaskStatusArgs struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// GetActiveTasksArgs bounds the active task listing
type GetActiveTasksArgs struct {
	Limit int `json:"limit,omitempty"`
}

// AddTaskDependencyArgs records that TaskID is blocked on DependsOnID
type AddTaskDependencyArgs struct {
	TaskID      string `json:"task_id"`
	DependsOnID string `json:"depends_on_id"`
}

// PingResponse is the response for a ping operation
type PingResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

// StatusResponse describes the running daemon
type StatusResponse struct {
	Version          string  `json:"version"`
	ProjectID        string  `json:"project_id"`
	SessionID        string  `json:"session_id"`
	SocketPath       string  `json:"socket_path"`
	PID              int     `json:"pid"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	LastActivityTime string  `json:"last_activity_time"`
	RequestCount     int64   `json:"request_count"`
	ErrorCount       int64   `json:"error_count"`
	ActiveConns      int32   `json:"active_connections"`
	MaxConns         int     `json:"max_connections"`
	QueueDepth       int     `json:"migration_queue_depth"`
}
