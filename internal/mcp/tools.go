package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ditto-gateway/gateway/internal/gwerr"
)

const (
	toolsCacheTTL = 60 * time.Second
	maxListPages  = 8
)

// toolsCache caches tools/list results per server. The cursor-less
// aggregate is the canonical entry; cursor-bearing calls are never
// cached. Refreshing the aggregate replaces everything.
type toolsCache struct {
	mu        sync.Mutex
	aggregate *cachedTools
}

type cachedTools struct {
	tools     []Tool
	expiresAt time.Time
}

// ListTools returns the server's tools. A cursor-less call aggregates
// every page (bounded, with duplicate-cursor loop detection) and caches
// the result for the TTL; a cursor-bearing call goes straight through.
func (c *Client) ListTools(ctx context.Context, cursor string) ([]Tool, string, error) {
	if len(cursor) > MaxCursorBytes {
		return nil, "", gwerr.InvalidRequest(fmt.Sprintf("cursor exceeds %d bytes", MaxCursorBytes))
	}

	if cursor != "" {
		page, err := c.listPage(ctx, cursor)
		if err != nil {
			return nil, "", err
		}
		return page.Tools, page.NextCursor, nil
	}

	c.cache.mu.Lock()
	if entry := c.cache.aggregate; entry != nil && time.Now().Before(entry.expiresAt) {
		tools := entry.tools
		c.cache.mu.Unlock()
		return tools, "", nil
	}
	c.cache.mu.Unlock()

	tools, err := c.listAllPages(ctx)
	if err != nil {
		return nil, "", err
	}

	c.cache.mu.Lock()
	c.cache.aggregate = &cachedTools{tools: tools, expiresAt: time.Now().Add(toolsCacheTTL)}
	c.cache.mu.Unlock()

	return tools, "", nil
}

func (c *Client) listAllPages(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	seen := map[string]bool{}

	for page := 0; page < maxListPages; page++ {
		result, err := c.listPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			return tools, nil
		}
		if seen[result.NextCursor] {
			return nil, gwerr.Backend(0, fmt.Sprintf("mcp server %s: cursor loop in tools/list", c.cfg.ServerID), nil)
		}
		seen[result.NextCursor] = true
		cursor = result.NextCursor
	}
	return nil, gwerr.Backend(0, fmt.Sprintf("mcp server %s: tools/list exceeded %d pages", c.cfg.ServerID, maxListPages), nil)
}

func (c *Client) listPage(ctx context.Context, cursor string) (*toolsListResult, error) {
	params := map[string]any{}
	if cursor != "" {
		params["cursor"] = cursor
	}
	raw, err := c.Call(ctx, "tools/list", params)
	if err != nil {
		return nil, err
	}
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, gwerr.Backend(0, fmt.Sprintf("mcp server %s: undecodable tools/list result", c.cfg.ServerID), err)
	}
	return &result, nil
}

// InvalidateTools drops the cached aggregate, forcing the next
// cursor-less list to refresh.
func (c *Client) InvalidateTools() {
	c.cache.mu.Lock()
	c.cache.aggregate = nil
	c.cache.mu.Unlock()
}

// CallTool invokes one tool by its bare (unprefixed) name.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	params := map[string]any{"name": name}
	if len(arguments) > 0 {
		params["arguments"] = json.RawMessage(arguments)
	}
	return c.Call(ctx, "tools/call", params)
}
