package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/synapse/pkg/models"
)

// RemoteClient proxies tool calls to an out-of-process plugin over the same
// JSON-RPC wire protocol agents speak. Calls are serialized on one
// connection; the dial is lazy and retried per call.
type RemoteClient struct {
	mu       sync.Mutex
	endpoint string
	conn     *websocket.Conn
	nextID   int64
	logger   *slog.Logger
}

// NewRemoteClient builds a client for endpoint. No connection is made until
// the first call.
func NewRemoteClient(endpoint string, logger *slog.Logger) *RemoteClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteClient{
		endpoint: endpoint,
		logger:   logger.With("component", "plugin_remote", "endpoint", endpoint),
	}
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Handler adapts one declared remote tool into a ToolHandler.
func (c *RemoteClient) Handler(tool string) models.ToolHandler {
	return func(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
		return c.Call(ctx, tool, args)
	}
}

// Call invokes call_tool on the remote plugin and waits for the matching
// response. The context deadline bounds both the write and the read.
func (c *RemoteClient) Call(ctx context.Context, tool string, args map[string]any) (*models.ToolResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connLocked(ctx)
	if err != nil {
		return nil, models.NewEngineError(models.CodePluginError, "remote plugin unreachable: %v", err)
	}

	c.nextID++
	request := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID,
		Method:  "call_tool",
		Params:  map[string]any{"tool_name": tool, "args": args},
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(request); err != nil {
		c.dropLocked()
		return nil, models.NewEngineError(models.CodePluginError, "remote plugin write failed: %v", err)
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		var response rpcResponse
		if err := conn.ReadJSON(&response); err != nil {
			c.dropLocked()
			return nil, models.NewEngineError(models.CodePluginError, "remote plugin read failed: %v", err)
		}
		// Notifications from the plugin side are not expected on this
		// connection; skip anything that is not our reply.
		if response.ID == nil || *response.ID != request.ID {
			continue
		}
		if response.Error != nil {
			return nil, models.NewEngineError(models.CodePluginError, "remote plugin error %d: %s", response.Error.Code, response.Error.Message)
		}
		var result models.ToolResult
		if err := json.Unmarshal(response.Result, &result); err != nil {
			return nil, models.NewEngineError(models.CodePluginError, "remote plugin result malformed: %v", err)
		}
		if result.Status == "" {
			result.Status = models.ToolStatusOK
		}
		return &result, nil
	}
}

func (c *RemoteClient) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.endpoint, err)
	}
	c.conn = conn
	c.logger.Info("remote plugin connected")
	return conn, nil
}

func (c *RemoteClient) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close tears down the connection.
func (c *RemoteClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}
