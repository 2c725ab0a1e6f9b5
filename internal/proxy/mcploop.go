package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ditto-gateway/gateway/internal/gwerr"
	"github.com/ditto-gateway/gateway/internal/mcp"
)

// mcpToolSpec is the caller-supplied "mcp" tool entry that turns on
// auto-execution.
type mcpToolSpec struct {
	servers    []string
	maxSteps   int
	otherTools []any
}

// extractMCPTool pulls the mcp entry out of body.tools, returning the
// remaining tools untouched. found is false when no entry exists.
func extractMCPTool(body map[string]any) (*mcpToolSpec, bool) {
	rawTools, ok := body["tools"].([]any)
	if !ok {
		return nil, false
	}
	spec := &mcpToolSpec{maxSteps: 1}
	found := false
	for _, t := range rawTools {
		tool, ok := t.(map[string]any)
		if !ok || tool["type"] != "mcp" {
			spec.otherTools = append(spec.otherTools, t)
			continue
		}
		found = true
		if servers, ok := tool["servers"].([]any); ok {
			for _, s := range servers {
				if name, ok := s.(string); ok {
					spec.servers = append(spec.servers, name)
				}
			}
		}
		if steps, ok := tool["max_steps"].(float64); ok && int(steps) > spec.maxSteps {
			spec.maxSteps = int(steps)
		}
	}
	return spec, found
}

// runMCPLoop drives the bounded multi-step tool execution: expand tools,
// call the backend, execute returned MCP tool calls, re-inject results,
// repeat. Intermediate steps use "<id>-mcpN" request ids; the final call
// keeps the original id and its response goes to the caller.
func (g *Gateway) runMCPLoop(ctx context.Context, w http.ResponseWriter, a *admission, spec *mcpToolSpec) {
	s := g.settlementFor(a)

	maxSteps := spec.maxSteps
	if maxSteps < 1 {
		maxSteps = 1
	}
	if maxSteps > g.mcpMaxSteps {
		maxSteps = g.mcpMaxSteps
	}

	servers, err := g.mcp.Select(spec.servers, "", a.header)
	if err != nil {
		g.rollbackAll(ctx, s)
		g.writeError(w, a, err)
		return
	}
	tools, err := mcp.ListAll(ctx, servers)
	if err != nil {
		g.rollbackAll(ctx, s)
		g.writeError(w, a, err)
		return
	}

	mcpNames := make(map[string]bool, len(tools))
	expandedTools := append([]any(nil), spec.otherTools...)
	for _, tool := range tools {
		mcpNames[tool.Name] = true
		entry := map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
			},
		}
		if len(tool.InputSchema) > 0 {
			entry["function"].(map[string]any)["parameters"] = json.RawMessage(tool.InputSchema)
		}
		expandedTools = append(expandedTools, entry)
	}

	isResponses := a.route == "/v1/responses"

	// loop state: message history for chat, response chaining for the
	// Responses dialect
	working := cloneBody(a.bodyJSON)
	working["tools"] = expandedTools

	for n := 0; ; n++ {
		if n == maxSteps {
			// step budget exhausted: the final call carries the original
			// request id and its response streams through normal dispatch
			g.finishWithBody(ctx, w, a, s, working)
			return
		}

		stepID := fmt.Sprintf("%s-mcp%d", a.requestID, n+1)
		stepBody := cloneBody(working)
		delete(stepBody, "stream")

		result, callErr := g.bufferedCall(ctx, a, stepBody, stepID)
		if callErr != nil {
			g.rollbackAll(ctx, s)
			g.writeError(w, a, callErr)
			return
		}

		calls := extractToolCalls(result.body, isResponses)
		pending := filterMCPCalls(calls, mcpNames)
		if result.status >= 400 || len(pending) == 0 {
			// nothing left to auto-execute: this response is the answer
			g.finishBuffered(ctx, w, a, s, result)
			return
		}

		if isResponses {
			if err := chainResponses(working, result.body, pending, g.executeMCPCalls(ctx, servers, pending)); err != nil {
				g.rollbackAll(ctx, s)
				g.writeError(w, a, err)
				return
			}
		} else {
			chainChat(working, pending, g.executeMCPCalls(ctx, servers, pending))
		}
	}
}

// toolCall is one tool invocation found in an upstream response.
type toolCall struct {
	id        string
	name      string
	arguments string
}

func extractToolCalls(body []byte, isResponses bool) []toolCall {
	var out []toolCall
	if isResponses {
		var wire struct {
			Output []struct {
				Type      string `json:"type"`
				ID        string `json:"id"`
				CallID    string `json:"call_id"`
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"output"`
		}
		if json.Unmarshal(body, &wire) != nil {
			return nil
		}
		for _, item := range wire.Output {
			if item.Type == "function_call" {
				id := item.CallID
				if id == "" {
					id = item.ID
				}
				out = append(out, toolCall{id: id, name: item.Name, arguments: item.Arguments})
			}
		}
		return out
	}

	var wire struct {
		Choices []struct {
			Message struct {
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if json.Unmarshal(body, &wire) != nil || len(wire.Choices) == 0 {
		return nil
	}
	for _, tc := range wire.Choices[0].Message.ToolCalls {
		out = append(out, toolCall{id: tc.ID, name: tc.Function.Name, arguments: tc.Function.Arguments})
	}
	return out
}

func filterMCPCalls(calls []toolCall, mcpNames map[string]bool) []toolCall {
	var out []toolCall
	for _, c := range calls {
		if mcpNames[c.name] {
			out = append(out, c)
		}
	}
	return out
}

// executeMCPCalls runs each pending call and renders its result as text.
func (g *Gateway) executeMCPCalls(ctx context.Context, servers []*mcp.Client, calls []toolCall) []string {
	results := make([]string, len(calls))
	for i, call := range calls {
		raw, err := mcp.CallPrefixed(ctx, servers, call.name, json.RawMessage(call.arguments))
		if err != nil {
			results[i] = fmt.Sprintf(`{"error":%q}`, err.Error())
			continue
		}
		results[i] = mcpResultText(raw)
	}
	return results
}

// mcpResultText flattens a tools/call result into the text handed back
// to the model: concatenated text content when present, raw JSON
// otherwise.
func mcpResultText(raw json.RawMessage) string {
	var wire struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if json.Unmarshal(raw, &wire) == nil && len(wire.Content) > 0 {
		text := ""
		for _, c := range wire.Content {
			if c.Type == "text" {
				text += c.Text
			}
		}
		if text != "" {
			return text
		}
	}
	return string(raw)
}

// chainChat appends the assistant turn and its tool results to the chat
// message history.
func chainChat(working map[string]any, calls []toolCall, results []string) {
	messages, _ := working["messages"].([]any)

	assistantCalls := make([]any, len(calls))
	for i, c := range calls {
		assistantCalls[i] = map[string]any{
			"id":   c.id,
			"type": "function",
			"function": map[string]any{
				"name":      c.name,
				"arguments": c.arguments,
			},
		}
	}
	messages = append(messages, map[string]any{
		"role":       "assistant",
		"content":    nil,
		"tool_calls": assistantCalls,
	})
	for i, c := range calls {
		messages = append(messages, map[string]any{
			"role":         "tool",
			"tool_call_id": c.id,
			"content":      results[i],
		})
	}
	working["messages"] = messages
}

// chainResponses rewires the Responses-dialect request onto the previous
// response: input becomes function_call_output items and
// previous_response_id points at the step's response.
func chainResponses(working map[string]any, respBody []byte, calls []toolCall, results []string) error {
	var wire struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &wire); err != nil || wire.ID == "" {
		return gwerr.Backend(0, "response id missing from upstream payload", err)
	}

	outputs := make([]any, len(calls))
	for i, c := range calls {
		outputs[i] = map[string]any{
			"type":    "function_call_output",
			"call_id": c.id,
			"output":  results[i],
		}
	}
	working["previous_response_id"] = wire.ID
	working["input"] = outputs
	return nil
}

func cloneBody(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}
	return out
}

// finishWithBody re-enters the normal dispatch path with the accumulated
// body and the original request id.
func (g *Gateway) finishWithBody(ctx context.Context, w http.ResponseWriter, a *admission, s *settlement, working map[string]any) {
	body, err := json.Marshal(working)
	if err != nil {
		g.rollbackAll(ctx, s)
		g.writeError(w, a, gwerr.Storage(err))
		return
	}
	a.body = body
	a.bodyJSON = working
	g.dispatch(ctx, w, a)
}

// finishBuffered settles against the step response and returns it.
func (g *Gateway) finishBuffered(ctx context.Context, w http.ResponseWriter, a *admission, s *settlement, result *buffered) {
	s.backend = result.backend
	var observed *ObservedUsage
	if u, ok := extractBufferedUsage(result.body); ok {
		observed = u
	}
	g.settle(ctx, s, result.status, result.status < 400, observed)
	g.writeBuffered(w, a, s, result, "", "")
}

// bufferedCall issues one buffered upstream call outside the settlement
// path, used by the intermediate MCP steps. Candidate order reuses the
// original request id's seed so every step prefers the same backend.
func (g *Gateway) bufferedCall(ctx context.Context, a *admission, bodyMap map[string]any, requestID string) (*buffered, *gwerr.Error) {
	candidates := g.router.Resolve(a.model, a.requestID, g.breakers)
	if len(candidates) == 0 {
		return nil, gwerr.BackendNotFound("(no route)")
	}
	maxAttempts := g.retry.MaxCandidates(len(candidates))

	var lastErr *gwerr.Error
	for i := 0; i < maxAttempts; i++ {
		client, ok := g.backends.Get(candidates[i].Backend)
		if !ok {
			lastErr = gwerr.BackendNotFound(candidates[i].Backend)
			continue
		}
		breaker := g.breakers.Get(client.Name())
		if err := breaker.Allow(); err != nil {
			lastErr = gwerr.Backend(0, "backend circuit open: "+client.Name(), err)
			continue
		}
		permit, ok := client.TryAcquire()
		if !ok {
			breaker.Record(true)
			lastErr = gwerr.BackendRateLimited(client.Name())
			continue
		}

		body := marshalWithModel(bodyMap, client.MapModel(a.model))

		if translator, isTranslation := g.translatorFor(client.Name()); isTranslation {
			result, err := translator.Dispatch(ctx, http.MethodPost, a.path, a.header, body, client.MapModel)
			permit.Release()
			if err != nil {
				breaker.Record(false)
				if ge, ok := gwerr.As(err); ok {
					lastErr = ge
				} else {
					lastErr = gwerr.Backend(0, "translation failed", err)
				}
				continue
			}
			breaker.Record(result.Status < 500)
			return &buffered{status: result.Status, header: result.Header, body: result.Body, backend: client.Name()}, nil
		}

		header := g.upstreamHeader(a)
		header.Set("X-Request-Id", requestID)
		header.Set("Content-Type", "application/json")

		resp, err := client.Do(ctx, http.MethodPost, a.path, header, body)
		if err != nil {
			breaker.Record(false)
			permit.Release()
			lastErr = gwerr.Backend(0, "upstream call failed: "+client.Name(), err)
			continue
		}
		raw, readErr := readAllAndClose(resp)
		permit.Release()
		if readErr != nil {
			breaker.Record(false)
			lastErr = gwerr.Backend(0, "upstream read failed: "+client.Name(), readErr)
			continue
		}
		result := &buffered{status: resp.StatusCode, header: resp.Header, body: raw, backend: client.Name()}

		if a.route == "/v1/responses" && result.status >= 400 {
			if shimmed, ok := g.responsesShimWithBody(ctx, a, client, body); ok {
				result = shimmed
			}
		}

		breaker.Record(result.status < 500)
		if result.status >= 400 && g.retry.Retryable(result.status, i+1 < maxAttempts) {
			lastErr = gwerr.Backend(result.status, "retryable upstream status", nil)
			continue
		}
		return result, nil
	}
	if lastErr == nil {
		lastErr = gwerr.Backend(0, "all backends failed", nil)
	}
	return nil, lastErr
}

func marshalWithModel(bodyMap map[string]any, model string) []byte {
	clone := cloneBody(bodyMap)
	if model != "" {
		clone["model"] = model
	}
	body, _ := json.Marshal(clone)
	return body
}

func readAllAndClose(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
