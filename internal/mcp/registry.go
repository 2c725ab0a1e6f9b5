package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ditto-gateway/gateway/config"
	"github.com/ditto-gateway/gateway/internal/gwerr"
)

// Registry owns one Client per configured MCP server and implements
// server selection and cross-server tool naming.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

func NewRegistry(servers []config.MCPServerConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{logger: logger}
	r.Reload(servers)
	return r
}

func (r *Registry) Reload(servers []config.MCPServerConfig) {
	clients := make(map[string]*Client, len(servers))
	for _, s := range servers {
		clients[s.ServerID] = NewClient(s, r.logger)
	}
	r.mu.Lock()
	old := r.clients
	r.clients = clients
	r.mu.Unlock()
	for _, c := range old {
		c.Close()
	}
}

// Select resolves the caller's server selection: the explicit list first,
// then the /mcp/<selector> path segment, then the X-Mcp-Servers header,
// then every configured server. Duplicates collapse; order is sorted.
func (r *Registry) Select(explicit []string, pathSelector string, header http.Header) ([]*Client, error) {
	var names []string
	switch {
	case len(explicit) > 0:
		names = explicit
	case pathSelector != "":
		names = strings.Split(pathSelector, ",")
	case header.Get("X-Mcp-Servers") != "":
		names = strings.Split(header.Get("X-Mcp-Servers"), ",")
	default:
		r.mu.RLock()
		for id := range r.clients {
			names = append(names, id)
		}
		r.mu.RUnlock()
	}

	dedup := map[string]bool{}
	var ids []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || dedup[n] {
			continue
		}
		dedup[n] = true
		ids = append(ids, n)
	}
	sort.Strings(ids)

	if len(ids) == 0 {
		return nil, gwerr.NoServers()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(ids))
	for _, id := range ids {
		c, ok := r.clients[id]
		if !ok {
			return nil, gwerr.InvalidRequest(fmt.Sprintf("unknown MCP server %q", id))
		}
		out = append(out, c)
	}
	return out, nil
}

// ListAll lists tools across the selected servers concurrently. With
// more than one server each tool name is prefixed "<server_id>-<name>".
func ListAll(ctx context.Context, servers []*Client) ([]Tool, error) {
	prefix := len(servers) > 1
	results := make([][]Tool, len(servers))

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		g.Go(func() error {
			tools, _, err := srv.ListTools(gctx, "")
			if err != nil {
				return err
			}
			if prefix {
				prefixed := make([]Tool, len(tools))
				for j, tool := range tools {
					tool.Name = srv.ServerID() + "-" + tool.Name
					prefixed[j] = tool
				}
				tools = prefixed
			}
			results[i] = tools
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Tool
	for _, tools := range results {
		out = append(out, tools...)
	}
	return out, nil
}

// ResolveTool maps a possibly-prefixed tool name onto (server, bare
// name). With one selected server the name passes through unprefixed.
// With several, the longest matching "<server_id>-" prefix wins; two
// equally long matches are ambiguous.
func ResolveTool(name string, servers []*Client) (*Client, string, error) {
	if len(servers) == 1 {
		// a prefixed form is still accepted
		if bare, ok := strings.CutPrefix(name, servers[0].ServerID()+"-"); ok {
			return servers[0], bare, nil
		}
		return servers[0], name, nil
	}

	var best *Client
	bestLen := -1
	ambiguous := false
	for _, srv := range servers {
		prefix := srv.ServerID() + "-"
		if strings.HasPrefix(name, prefix) {
			if len(prefix) > bestLen {
				best = srv
				bestLen = len(prefix)
				ambiguous = false
			} else if len(prefix) == bestLen {
				ambiguous = true
			}
		}
	}
	if best == nil {
		return nil, "", gwerr.InvalidRequest(fmt.Sprintf("tool %q matches no selected MCP server", name))
	}
	if ambiguous {
		return nil, "", gwerr.InvalidRequest(fmt.Sprintf("tool %q is ambiguous across selected MCP servers", name))
	}
	return best, name[bestLen:], nil
}

// CallPrefixed resolves and invokes a tool by its caller-visible name.
func CallPrefixed(ctx context.Context, servers []*Client, name string, arguments json.RawMessage) (json.RawMessage, error) {
	srv, bare, err := ResolveTool(name, servers)
	if err != nil {
		return nil, err
	}
	return srv.CallTool(ctx, bare, arguments)
}
