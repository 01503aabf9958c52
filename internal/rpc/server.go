package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stackmemory/stackmemory/internal/engine"
	"github.com/stackmemory/stackmemory/internal/types"
)

// ServerVersion is the version of this RPC server. It is set by the daemon
// entry point before the server starts.
var ServerVersion = "0.0.0"

// maxLineBytes bounds a single request or response line. Event payloads top
// out at 1 MiB, so 4 MiB leaves room for the JSON envelope around them.
const maxLineBytes = 4 << 20

// Server is the unix-socket RPC server that runs in the daemon and
// dispatches the tool surface onto one engine.
type Server struct {
	socketPath string
	engine     *engine.Engine
	log        *slog.Logger

	listener net.Listener
	mu       sync.Mutex
	shutdown bool

	startTime        time.Time
	lastActivityTime atomic.Value // time.Time

	maxConns      int
	activeConns   atomic.Int32
	connSemaphore chan struct{}

	requestTimeout time.Duration
	requestCount   atomic.Int64
	errorCount     atomic.Int64

	readyChan chan struct{}
	stopOnce  sync.Once
}

// NewServer creates an RPC server bound to an engine. Connection and timeout
// limits come from the environment so operators can tune them without a
// config reload.
func NewServer(socketPath string, eng *engine.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	maxConns := 100
	if env := os.Getenv("STACKMEMORY_DAEMON_MAX_CONNS"); env != "" {
		var n int
		if _, err := fmt.Sscanf(env, "%d", &n); err == nil && n > 0 {
			maxConns = n
		}
	}

	requestTimeout := 30 * time.Second
	if env := os.Getenv("STACKMEMORY_DAEMON_REQUEST_TIMEOUT"); env != "" {
		if d, err := time.ParseDuration(env); err == nil && d > 0 {
			requestTimeout = d
		}
	}

	s := &Server{
		socketPath:     socketPath,
		engine:         eng,
		log:            log,
		startTime:      time.Now(),
		maxConns:       maxConns,
		connSemaphore:  make(chan struct{}, maxConns),
		requestTimeout: requestTimeout,
		readyChan:      make(chan struct{}),
	}
	s.lastActivityTime.Store(time.Now())
	return s
}

// WaitReady blocks until the server is listening or the timeout elapses
func (s *Server) WaitReady(timeout time.Duration) error {
	select {
	case <-s.readyChan:
		return nil
	case <-time.After(timeout):
		return types.E(types.CodeTimeout, "server did not become ready within %v", timeout)
	}
}

// Start listens on the unix socket and serves until ctx is canceled or Stop
// is called. A stale socket left by a crashed daemon is removed; a live one
// is an error.
func (s *Server) Start(ctx context.Context) error {
	if _, err := EnsureSocketDir(s.socketPath); err != nil {
		return types.E(types.CodeStoreUnavailable, "cannot create socket directory").WithCause(err)
	}

	if _, err := os.Stat(s.socketPath); err == nil {
		conn, dialErr := net.DialTimeout("unix", s.socketPath, 200*time.Millisecond)
		if dialErr == nil {
			_ = conn.Close()
			return types.E(types.CodeConflict, "socket already in use: %s", s.socketPath)
		}
		_ = os.Remove(s.socketPath)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return types.E(types.CodeStoreUnavailable, "cannot listen on %s", s.socketPath).WithCause(err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.readyChan)
	s.log.Info("rpc server listening", "socket", s.socketPath)

	defer func() {
		_ = CleanupSocket(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				return nil
			}
			return types.E(types.CodeStoreUnavailable, "accept failed").WithCause(err)
		}

		select {
		case s.connSemaphore <- struct{}{}:
			s.activeConns.Add(1)
			go s.handleConnection(conn)
		default:
			// At the connection limit; shed load instead of queueing
			s.writeOverloaded(conn)
			_ = conn.Close()
		}
	}
}

// Stop closes the listener, unblocking Start
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		listener := s.listener
		s.mu.Unlock()
		if listener != nil {
			_ = listener.Close()
		}
	})
}

func (s *Server) writeOverloaded(conn net.Conn) {
	resp := errorResponse(types.E(types.CodeDegradedMode,
		"connection limit reached (%d), retry shortly", s.maxConns))
	data, _ := json.Marshal(resp)
	_, _ = conn.Write(append(data, '\n'))
}

// handleConnection serves newline-delimited JSON requests until the client
// disconnects.
func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.activeConns.Add(-1)
		<-s.connSemaphore
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = errorResponse(types.E(types.CodeInvalidArgument, "malformed request").WithCause(err))
		} else {
			resp = s.handleRequest(&req)
			resp.RequestID = req.RequestID
		}

		if err := encoder.Encode(resp); err != nil {
			s.log.Warn("rpc response write failed", "error", err)
			return
		}
	}
}

// reqCtx bounds a single request so a stalled store call cannot pin the
// connection forever. A client deadline tighter than the server timeout wins.
func (s *Server) reqCtx(req *Request) (context.Context, context.CancelFunc) {
	timeout := s.requestTimeout
	if req.DeadlineMs > 0 {
		if d := time.Duration(req.DeadlineMs) * time.Millisecond; d < timeout {
			timeout = d
		}
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (s *Server) handleRequest(req *Request) Response {
	s.requestCount.Add(1)
	s.lastActivityTime.Store(time.Now())

	if req.SessionID != "" && req.SessionID != s.engine.Session().ID {
		return errorResponse(types.E(types.CodeSessionNotActive,
			"session %s is not served by this daemon", req.SessionID))
	}

	ctx, cancel := s.reqCtx(req)
	defer cancel()

	var resp Response
	switch req.Operation {
	case OpPing:
		resp = s.handlePing()
	case OpStatus:
		resp = s.handleStatus(ctx)
	case OpShutdown:
		resp = textResponse(map[string]bool{"stopping": true})
		go s.Stop()
	case OpStartFrame:
		resp = s.handleStartFrame(ctx, req)
	case OpCloseFrame:
		resp = s.handleCloseFrame(ctx, req)
	case OpAppendEvent:
		resp = s.handleAppendEvent(ctx, req)
	case OpAddAnchor:
		resp = s.handleAddAnchor(ctx, req)
	case OpAddDecision:
		resp = s.handleAddDecision(ctx, req)
	case OpGetContext:
		resp = s.handleGetContext(ctx, req)
	case OpGetHotStack:
		resp = s.handleGetHotStack(ctx, req)
	case OpSearchFrames:
		resp = s.handleSearchFrames(ctx, req)
	case OpCreateTask:
		resp = s.handleCreateTask(ctx, req)
	case OpUpdateTaskStatus:
		resp = s.handleUpdateTaskStatus(ctx, req)
	case OpGetActiveTasks:
		resp = s.handleGetActiveTasks(ctx, req)
	case OpGetTaskMetrics:
		resp = s.handleGetTaskMetrics(ctx)
	case OpAddTaskDependency:
		resp = s.handleAddTaskDependency(ctx, req)
	case OpTierStats:
		resp = s.handleTierStats(ctx)
	default:
		resp = errorResponse(types.E(types.CodeInvalidArgument, "unknown operation %q", req.Operation))
	}

	if !resp.Ok() {
		s.errorCount.Add(1)
	}
	return resp
}

// decodeArgs unmarshals request args into out, tolerating absent args for
// operations whose arguments are all optional.
func decodeArgs(req *Request, out any) error {
	if len(req.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Args, out); err != nil {
		return types.E(types.CodeInvalidArgument, "invalid arguments for %s", req.Operation).WithCause(err)
	}
	return nil
}

func (s *Server) handlePing() Response {
	return textResponse(PingResponse{Message: "pong", Version: ServerVersion})
}

func (s *Server) handleStatus(ctx context.Context) Response {
	lastActivity := s.lastActivityTime.Load().(time.Time)

	depth, err := s.engine.Store().MigrationQueueDepth(ctx)
	if err != nil {
		depth = -1
	}

	return textResponse(StatusResponse{
		Version:          ServerVersion,
		ProjectID:        s.engine.Project().ID,
		SessionID:        s.engine.Session().ID,
		SocketPath:       s.socketPath,
		PID:              os.Getpid(),
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
		LastActivityTime: lastActivity.Format(time.RFC3339),
		RequestCount:     s.requestCount.Load(),
		ErrorCount:       s.errorCount.Load(),
		ActiveConns:      s.activeConns.Load(),
		MaxConns:         s.maxConns,
		QueueDepth:       depth,
	})
}

func (s *Server) handleStartFrame(ctx context.Context, req *Request) Response {
	var args StartFrameArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResponse(err)
	}
	frame, err := s.engine.StartFrame(ctx, args.Name, types.FrameType(args.Type), args.Constraints, args.Definitions)
	if err != nil {
		return errorResponse(err)
	}
	return textResponse(frame)
}

func (s *Server) handleCloseFrame(ctx context.Context, req *Request) Response {
	var args CloseFrameArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResponse(err)
	}
	digest, err := s.engine.CloseFrame(ctx, args.FrameID, args.Summary)
	if err != nil {
		return errorResponse(err)
	}
	return textResponse(digest)
}

func (s *Server) handleAppendEvent(ctx context.Context, req *Request) Response {
	var args AppendEventArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResponse(err)
	}
	eventID, err := s.engine.AppendEvent(ctx, args.FrameID, types.EventType(args.Type), args.Payload)
	if err != nil {
		return errorResponse(err)
	}
	return textResponse(AppendEventResult{EventID: eventID})
}

func (s *Server) handleAddAnchor(ctx context.Context, req *Request) Response {
	var args AddAnchorArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResponse(err)
	}
	anchor, err := s.engine.AddAnchor(ctx, args.FrameID, types.AnchorType(args.Type), args.Text, args.Priority, args.Metadata)
	if err != nil {
		return errorResponse(err)
	}
	return textResponse(anchor)
}

func (s *Server) handleAddDecision(ctx context.Context, req *Request) Response {
	var args AddDecisionArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResponse(err)
	}
	anchor, err := s.engine.AddDecision(ctx, args.Text)
	if err != nil {
		return errorResponse(err)
	}
	return textResponse(anchor)
}

func (s *Server) handleGetContext(ctx context.Context, req *Request) Response {
	var args GetContextArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResponse(err)
	}
	bundle, err := s.engine.GetContext(ctx, args.Query, args.BudgetTokens)
	if err != nil {
		return errorResponse(err)
	}
	return textResponse(bundle)
}

func (s *Server) handleGetHotStack(ctx context.Context, req *Request) Response {
	var args GetHotStackArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResponse(err)
	}
	stack, err := s.engine.GetHotStack(ctx, args.MaxEvents)
	if err != nil {
		return errorResponse(err)
	}
	return textResponse(stack)
}

func (s *Server) handleSearchFrames(ctx context.Context, req *Request) Response {
	var args SearchFramesArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResponse(err)
	}
	headers, err := s.engine.SearchFrames(ctx, args.Query, args.Limit)
	if err != nil {
		return errorResponse(err)
	}
	return textResponse(headers)
}

func (s *Server) handleCreateTask(ctx context.Context, req *Request) Response {
	var args CreateTaskArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResponse(err)
	}
	task, err := s.engine.CreateTask(ctx, args.Title, args.Description,
		types.TaskPriority(args.Priority), args.Tags, args.ParentTaskID)
	if err != nil {
		return errorResponse(err)
	}
	return textResponse(task)
}

func (s *Server) handleUpdateTaskStatus(ctx context.Context, req *Request) Response {
	var args UpdateTaskStatusArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResponse(err)
	}
	task, err := s.engine.UpdateTaskStatus(ctx, args.TaskID, types.TaskStatus(args.Status))
	if err != nil {
		return errorResponse(err)
	}
	return textResponse(task)
}

func (s *Server) handleGetActiveTasks(ctx context.Context, req *Request) Response {
	var args GetActiveTasksArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResponse(err)
	}
	tasks, err := s.engine.GetActiveTasks(ctx, args.Limit)
	if err != nil {
		return errorResponse(err)
	}
	return textResponse(tasks)
}

func (s *Server) handleGetTaskMetrics(ctx context.Context) Response {
	metrics, err := s.engine.GetTaskMetrics(ctx)
	if err != nil {
		return errorResponse(err)
	}
	return textResponse(metrics)
}

func (s *Server) handleAddTaskDependency(ctx context.Context, req *Request) Response {
	var args AddTaskDependencyArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResponse(err)
	}
	if err := s.engine.AddTaskDependency(ctx, args.TaskID, args.DependsOnID); err != nil {
		return errorResponse(err)
	}
	return textResponse(map[string]bool{"ok": true})
}

func (s *Server) handleTierStats(ctx context.Context) Response {
	stats, err := s.engine.GetTierStats(ctx)
	if err != nil {
		return errorResponse(err)
	}
	return textResponse(stats)
}
