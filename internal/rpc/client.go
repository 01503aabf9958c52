package rpc

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"time"

	"github.com/stackmemory/stackmemory/internal/types"
)

// ClientVersion is the version of this RPC client, set by the CLI entry
// point before making calls.
var ClientVersion = "0.0.0"

// Client is an RPC client connected to a running daemon. One client owns one
// connection; calls are serialized over it.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// TryConnect attempts to connect to the daemon socket. It returns (nil, nil)
// when no daemon is running, so callers can fall back to direct engine use.
func TryConnect(socketPath string) (*Client, error) {
	return TryConnectWithTimeout(socketPath, 200*time.Millisecond)
}

// TryConnectWithTimeout is TryConnect with an explicit dial timeout
func TryConnectWithTimeout(socketPath string, dialTimeout time.Duration) (*Client, error) {
	if _, err := os.Stat(socketPath); err != nil {
		return nil, nil
	}
	if dialTimeout <= 0 {
		dialTimeout = 200 * time.Millisecond
	}

	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		// Stale socket left by a crashed daemon
		_ = os.Remove(socketPath)
		return nil, nil
	}

	client := &Client{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 64*1024),
		timeout: 30 * time.Second,
	}

	if _, err := client.Ping(); err != nil {
		_ = conn.Close()
		return nil, nil
	}
	return client, nil
}

// Dial connects to the daemon socket, failing when no daemon answers
func Dial(socketPath string) (*Client, error) {
	client, err := TryConnect(socketPath)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, types.E(types.CodeStoreUnavailable, "no daemon listening on %s", socketPath)
	}
	return client, nil
}

// Close closes the connection to the daemon
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// SetTimeout sets the per-request timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// Execute sends one request and waits for its response
func (c *Client) Execute(operation string, args any) (*Response, error) {
	var argsJSON json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, types.E(types.CodeInvalidArgument, "cannot encode arguments").WithCause(err)
		}
		argsJSON = data
	}

	req := Request{
		Operation:     operation,
		Args:          argsJSON,
		ClientVersion: ClientVersion,
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, types.E(types.CodeInternal, "cannot encode request").WithCause(err)
	}

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, types.E(types.CodeStoreUnavailable, "cannot set deadline").WithCause(err)
		}
	}

	if _, err := c.conn.Write(append(reqJSON, '\n')); err != nil {
		return nil, types.E(types.CodeStoreUnavailable, "request write failed").WithCause(err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, types.E(types.CodeStoreUnavailable, "response read failed").WithCause(err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, types.E(types.CodeCorruptRecord, "malformed response").WithCause(err)
	}
	return &resp, nil
}

// call executes an operation and decodes the result into out
func (c *Client) call(operation string, args, out any) error {
	resp, err := c.Execute(operation, args)
	if err != nil {
		return err
	}
	if out == nil {
		if resp.Error != nil {
			return resp.Error
		}
		return nil
	}
	return resp.Decode(out)
}

// Ping checks daemon liveness
func (c *Client) Ping() (*PingResponse, error) {
	var out PingResponse
	if err := c.call(OpPing, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches the daemon status block
func (c *Client) Status() (*StatusResponse, error) {
	var out StatusResponse
	if err := c.call(OpStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartFrame opens a frame on the daemon's session stack
func (c *Client) StartFrame(args StartFrameArgs) (*types.Frame, error) {
	var out types.Frame
	if err := c.call(OpStartFrame, args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseFrame closes a frame and returns its digest
func (c *Client) CloseFrame(args CloseFrameArgs) (*types.Digest, error) {
	var out types.Digest
	if err := c.call(OpCloseFrame, args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendEvent appends one event and returns its id
func (c *Client) AppendEvent(args AppendEventArgs) (int64, error) {
	var out AppendEventResult
	if err := c.call(OpAppendEvent, args, &out); err != nil {
		return 0, err
	}
	return out.EventID, nil
}

// AddAnchor pins a fact on a frame
func (c *Client) AddAnchor(args AddAnchorArgs) (*types.Anchor, error) {
	var out types.Anchor
	if err := c.call(OpAddAnchor, args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetContext assembles a token-bounded context bundle
func (c *Client) GetContext(args GetContextArgs) (*types.ContextBundle, error) {
	var out types.ContextBundle
	if err := c.call(OpGetContext, args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetHotStack returns the active frame chain
func (c *Client) GetHotStack(args GetHotStackArgs) (*types.HotStack, error) {
	var out types.HotStack
	if err := c.call(OpGetHotStack, args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchFrames runs full-text search over the project's memory
func (c *Client) SearchFrames(args SearchFramesArgs) ([]*types.FrameHeader, error) {
	var out []*types.FrameHeader
	if err := c.call(OpSearchFrames, args, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Shutdown asks the daemon to stop
func (c *Client) Shutdown() error {
	return c.call(OpShutdown, nil, nil)
}
