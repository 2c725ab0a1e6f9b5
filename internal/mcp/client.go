package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/config"
	"github.com/ditto-gateway/gateway/internal/gwerr"
)

// Client speaks JSON-RPC 2.0 to one MCP server, over HTTP POST or, when
// the configured URL uses a ws/wss scheme, a websocket.
type Client struct {
	cfg    config.MCPServerConfig
	http   *http.Client
	logger *zap.Logger
	nextID atomic.Int64

	mu sync.Mutex
	ws *websocket.Conn

	cache toolsCache
}

// NewClient builds a client for one configured server.
func NewClient(cfg config.MCPServerConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("mcp_server", cfg.ServerID)),
	}
}

func (c *Client) ServerID() string { return c.cfg.ServerID }

func (c *Client) timeout() time.Duration {
	if c.cfg.RequestTimeoutMS > 0 {
		return time.Duration(c.cfg.RequestTimeoutMS) * time.Millisecond
	}
	return 30 * time.Second
}

func (c *Client) isWebsocket() bool {
	return strings.HasPrefix(c.cfg.URL, "ws://") || strings.HasPrefix(c.cfg.URL, "wss://")
}

// Call issues one JSON-RPC request and returns the result payload.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcp: encode params: %w", err)
		}
		rawParams = encoded
	}
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  rawParams,
	}

	if c.isWebsocket() {
		return c.callWebsocket(ctx, req)
	}
	return c.callHTTP(ctx, req)
}

func (c *Client) callHTTP(ctx context.Context, req rpcRequest) (json.RawMessage, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	target := c.cfg.URL
	if len(c.cfg.QueryParams) > 0 {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("mcp: bad server url %q: %w", target, err)
		}
		q := u.Query()
		for k, v := range c.cfg.QueryParams {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, gwerr.Backend(0, fmt.Sprintf("mcp server %s unreachable", c.cfg.ServerID), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorSnippetBytes))
		return nil, gwerr.Backend(resp.StatusCode,
			fmt.Sprintf("mcp server %s: status %d: %s", c.cfg.ServerID, resp.StatusCode, strings.TrimSpace(string(snippet))), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxSuccessBytes+1))
	if err != nil {
		return nil, gwerr.Backend(0, fmt.Sprintf("mcp server %s read failed", c.cfg.ServerID), err)
	}
	if len(body) > MaxSuccessBytes {
		return nil, gwerr.Backend(0, fmt.Sprintf("mcp server %s response exceeds %d bytes", c.cfg.ServerID, MaxSuccessBytes), nil)
	}

	return decodeRPCResponse(c.cfg.ServerID, body)
}

func (c *Client) callWebsocket(ctx context.Context, req rpcRequest) (json.RawMessage, error) {
	conn, err := c.websocketConn(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := conn.Write(callCtx, websocket.MessageText, payload); err != nil {
		c.dropConn(conn)
		return nil, gwerr.Backend(0, fmt.Sprintf("mcp server %s write failed", c.cfg.ServerID), err)
	}
	_, body, err := conn.Read(callCtx)
	if err != nil {
		c.dropConn(conn)
		return nil, gwerr.Backend(0, fmt.Sprintf("mcp server %s read failed", c.cfg.ServerID), err)
	}
	if len(body) > MaxSuccessBytes {
		return nil, gwerr.Backend(0, fmt.Sprintf("mcp server %s response exceeds %d bytes", c.cfg.ServerID, MaxSuccessBytes), nil)
	}
	return decodeRPCResponse(c.cfg.ServerID, body)
}

func (c *Client) websocketConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		return c.ws, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	header := http.Header{}
	for k, v := range c.cfg.Headers {
		header.Set(k, v)
	}
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, gwerr.Backend(0, fmt.Sprintf("mcp server %s dial failed", c.cfg.ServerID), err)
	}
	conn.SetReadLimit(MaxSuccessBytes)
	c.ws = conn
	return conn, nil
}

func (c *Client) dropConn(conn *websocket.Conn) {
	if c.ws == conn {
		c.ws = nil
	}
	_ = conn.Close(websocket.StatusInternalError, "request failed")
}

// Close tears down any persistent transport.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		_ = c.ws.Close(websocket.StatusNormalClosure, "shutdown")
		c.ws = nil
	}
}

func decodeRPCResponse(serverID string, body []byte) (json.RawMessage, error) {
	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, gwerr.Backend(0, fmt.Sprintf("mcp server %s: undecodable response", serverID), err)
	}
	if resp.Error != nil {
		msg := resp.Error.Message
		if len(msg) > MaxErrorSnippetBytes {
			msg = msg[:MaxErrorSnippetBytes]
		}
		return nil, gwerr.Backend(0, fmt.Sprintf("mcp server %s: rpc error %d: %s", serverID, resp.Error.Code, msg), nil)
	}
	return resp.Result, nil
}
