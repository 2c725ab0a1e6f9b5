package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/internal/authn"
	"github.com/ditto-gateway/gateway/internal/gwerr"
	"github.com/ditto-gateway/gateway/internal/metrics"
)

// Handler serves the MCP surface: POST /mcp, POST /mcp/<selector>,
// /v1/mcp/tools/list (GET or POST) and POST /v1/mcp/tools/call. The same
// virtual-key authentication as the proxy applies.
type Handler struct {
	registry *Registry
	keys     *authn.Registry
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func NewHandler(registry *Registry, keys *authn.Registry, collector *metrics.Collector, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, keys: keys, metrics: collector, logger: logger.With(zap.String("component", "mcp"))}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, err := h.keys.Authenticate(r.Header); err != nil {
		writeGatewayError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBytes+1))
	if err != nil {
		writeGatewayError(w, gwerr.InvalidRequest("unreadable body"))
		return
	}
	if len(body) > MaxRequestBytes {
		writeGatewayError(w, gwerr.RequestTooLarge(MaxRequestBytes))
		return
	}

	switch {
	case r.URL.Path == "/mcp" || strings.HasPrefix(r.URL.Path, "/mcp/"):
		if r.Method != http.MethodPost {
			writeGatewayError(w, gwerr.UnsupportedEndpoint(r.Method, r.URL.Path))
			return
		}
		selector := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/mcp"), "/")
		h.serveJSONRPC(w, r, selector, body)

	case r.URL.Path == "/v1/mcp/tools/list" && (r.Method == http.MethodPost || r.Method == http.MethodGet):
		h.serveToolsList(w, r, body)

	case r.URL.Path == "/v1/mcp/tools/call" && r.Method == http.MethodPost:
		h.serveToolsCall(w, r, body)

	default:
		writeGatewayError(w, gwerr.UnsupportedEndpoint(r.Method, r.URL.Path))
	}
}

// serveJSONRPC relays one JSON-RPC request to the selected servers.
func (h *Handler) serveJSONRPC(w http.ResponseWriter, r *http.Request, selector string, body []byte) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		writeRPCError(w, nil, CodeInvalidRequest, "batch requests are not supported")
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPCError(w, nil, CodeParseError, "parse error")
		return
	}
	id, _ := json.Marshal(req.ID)

	servers, err := h.registry.Select(nil, selector, r.Header)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	switch req.Method {
	case "initialize":
		writeRPCResult(w, id, map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "ditto-gateway", "version": "1"},
		})

	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)

	case "tools/list":
		var params struct {
			Cursor string `json:"cursor,omitempty"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				writeRPCError(w, id, CodeInvalidParams, "invalid params")
				return
			}
		}
		h.observe(servers, "tools/list")
		tools, nextCursor, err := h.listTools(r.Context(), servers, params.Cursor)
		if err != nil {
			h.rpcFailure(w, id, err)
			return
		}
		result := map[string]any{"tools": tools}
		if nextCursor != "" {
			result["nextCursor"] = nextCursor
		}
		writeRPCResult(w, id, result)

	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			writeRPCError(w, id, CodeInvalidParams, "invalid params")
			return
		}
		h.observe(servers, "tools/call")
		result, err := CallPrefixed(r.Context(), servers, params.Name, params.Arguments)
		if err != nil {
			h.rpcFailure(w, id, err)
			return
		}
		writeRPCRaw(w, id, result)

	default:
		writeRPCError(w, id, CodeMethodNotFound, "method not found")
	}
}

// listTools aggregates across the selection. Cursor-bearing calls only
// make sense against a single server.
func (h *Handler) listTools(ctx context.Context, servers []*Client, cursor string) ([]Tool, string, error) {
	if cursor != "" {
		if len(servers) != 1 {
			return nil, "", gwerr.InvalidRequest("cursor requires exactly one server")
		}
		return servers[0].ListTools(ctx, cursor)
	}
	tools, err := ListAll(ctx, servers)
	if err != nil {
		return nil, "", err
	}
	if tools == nil {
		tools = []Tool{}
	}
	return tools, "", nil
}

func (h *Handler) observe(servers []*Client, method string) {
	for _, s := range servers {
		h.metrics.MCPCall(s.ServerID(), method)
	}
}

func (h *Handler) rpcFailure(w http.ResponseWriter, id json.RawMessage, err error) {
	if ge, ok := gwerr.As(err); ok && ge.Code == gwerr.CodeInvalidRequest {
		writeRPCError(w, id, CodeInvalidParams, ge.Message)
		return
	}
	msg := err.Error()
	if len(msg) > MaxErrorSnippetBytes {
		msg = msg[:MaxErrorSnippetBytes]
	}
	writeRPCError(w, id, CodeInternalError, msg)
}

func (h *Handler) serveToolsList(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Servers []string `json:"servers,omitempty"`
		Cursor  string   `json:"cursor,omitempty"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeGatewayError(w, gwerr.InvalidRequest("malformed body: "+err.Error()))
			return
		}
	}
	if req.Cursor == "" {
		req.Cursor = r.URL.Query().Get("cursor")
	}

	servers, err := h.registry.Select(req.Servers, "", r.Header)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	h.observe(servers, "tools/list")

	if req.Cursor != "" {
		if len(servers) != 1 {
			writeGatewayError(w, gwerr.InvalidRequest("cursor requires exactly one server"))
			return
		}
		tools, next, err := servers[0].ListTools(r.Context(), req.Cursor)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tools": tools, "nextCursor": next})
		return
	}

	tools, err := ListAll(r.Context(), servers)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	if tools == nil {
		tools = []Tool{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (h *Handler) serveToolsCall(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Servers   []string        `json:"servers,omitempty"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeGatewayError(w, gwerr.InvalidRequest("malformed body: "+err.Error()))
		return
	}
	if req.Name == "" {
		writeGatewayError(w, gwerr.InvalidRequest("name is required"))
		return
	}

	servers, err := h.registry.Select(req.Servers, "", r.Header)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	h.observe(servers, "tools/call")

	result, err := CallPrefixed(r.Context(), servers, req.Name, req.Arguments)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeGatewayError(w http.ResponseWriter, err error) {
	if ge, ok := gwerr.As(err); ok {
		writeJSON(w, ge.HTTPStatus(), ge.ToBody())
		return
	}
	writeJSON(w, http.StatusInternalServerError, gwerr.Storage(err).ToBody())
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	raw, _ := json.Marshal(result)
	writeRPCRaw(w, id, raw)
}

func writeRPCRaw(w http.ResponseWriter, id json.RawMessage, result json.RawMessage) {
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}})
}
