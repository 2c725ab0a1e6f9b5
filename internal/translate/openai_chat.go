package translate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ditto-gateway/gateway/internal/gwerr"
)

// Wire structs for the chat-completions dialect. Fields the gateway does
// not interpret are dropped on parse: ProviderOptions is not filled from
// the wire, and no adapter sends extra fields upstream.

type chatWireMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []chatWireCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type chatWireCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatWireRequest struct {
	Model               string            `json:"model"`
	Messages            []chatWireMessage `json:"messages"`
	MaxTokens           int               `json:"max_tokens,omitempty"`
	MaxCompletionTokens int               `json:"max_completion_tokens,omitempty"`
	Temperature         *float64          `json:"temperature,omitempty"`
	TopP                *float64          `json:"top_p,omitempty"`
	Stop                json.RawMessage   `json:"stop,omitempty"`
	Stream              bool              `json:"stream,omitempty"`
	StreamOptions       *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
	Tools []struct {
		Type     string `json:"type"`
		Function struct {
			Name        string          `json:"name"`
			Description string          `json:"description,omitempty"`
			Parameters  json.RawMessage `json:"parameters,omitempty"`
		} `json:"function"`
	} `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	ServiceTier string          `json:"service_tier,omitempty"`
	User        string          `json:"user,omitempty"`
}

// ParseChatRequest decodes a /v1/chat/completions body into the
// normalized request.
func ParseChatRequest(body []byte) (*GenerateRequest, error) {
	var wire chatWireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, gwerr.InvalidRequest("malformed chat request: " + err.Error())
	}

	req := &GenerateRequest{
		Model:       wire.Model,
		MaxTokens:   wire.MaxTokens,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		Stream:      wire.Stream,
		ServiceTier: wire.ServiceTier,
		User:        wire.User,
	}
	if wire.MaxCompletionTokens > 0 {
		req.MaxTokens = wire.MaxCompletionTokens
	}
	if wire.StreamOptions != nil {
		req.StreamIncludeUsage = wire.StreamOptions.IncludeUsage
	}
	req.Stop = decodeStop(wire.Stop)

	for _, m := range wire.Messages {
		msg := Message{
			Role:       Role(m.Role),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		content, parts, err := decodeChatContent(m.Content)
		if err != nil {
			return nil, err
		}
		msg.Content = content
		msg.Parts = parts
		for _, tc := range m.ToolCalls {
			args := tc.Function.Arguments
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, ToolDef{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	req.ToolChoice = decodeToolChoice(wire.ToolChoice)

	return req, nil
}

func decodeStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if json.Unmarshal(raw, &single) == nil {
		return []string{single}
	}
	var many []string
	if json.Unmarshal(raw, &many) == nil {
		return many
	}
	return nil
}

func decodeToolChoice(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Function.Name != "" {
		return obj.Function.Name
	}
	return ""
}

func decodeChatContent(raw json.RawMessage) (string, []ContentPart, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, nil, nil
	}
	var wireParts []struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		ImageURL *struct {
			URL string `json:"url"`
		} `json:"image_url,omitempty"`
	}
	if err := json.Unmarshal(raw, &wireParts); err != nil {
		return "", nil, gwerr.InvalidRequest("message content must be a string or an array of parts")
	}
	parts := make([]ContentPart, 0, len(wireParts))
	for _, p := range wireParts {
		part := ContentPart{Type: p.Type, Text: p.Text}
		if p.ImageURL != nil {
			part.ImageURL = p.ImageURL.URL
		}
		parts = append(parts, part)
	}
	return "", parts, nil
}

// EncodeChatRequest renders the normalized request as a chat-completions
// body, used when rewriting a /v1/responses call onto /v1/chat/completions.
func EncodeChatRequest(req *GenerateRequest) ([]byte, error) {
	wire := map[string]any{
		"model": req.Model,
	}
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := map[string]any{"role": string(m.Role)}
		if len(m.Parts) > 0 {
			parts := make([]map[string]any, 0, len(m.Parts))
			for _, p := range m.Parts {
				switch p.Type {
				case "image_url":
					parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]any{"url": p.ImageURL}})
				default:
					parts = append(parts, map[string]any{"type": "text", "text": p.Text})
				}
			}
			wm["content"] = parts
		} else {
			wm["content"] = m.Content
		}
		if m.Name != "" {
			wm["name"] = m.Name
		}
		if m.ToolCallID != "" {
			wm["tool_call_id"] = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": tc.Arguments,
					},
				})
			}
			wm["tool_calls"] = calls
		}
		messages = append(messages, wm)
	}
	wire["messages"] = messages

	if req.MaxTokens > 0 {
		wire["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		wire["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		wire["top_p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		wire["stop"] = req.Stop
	}
	if req.Stream {
		wire["stream"] = true
		wire["stream_options"] = map[string]any{"include_usage": true}
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			fn := map[string]any{"name": t.Name}
			if t.Description != "" {
				fn["description"] = t.Description
			}
			if len(t.Parameters) > 0 {
				fn["parameters"] = json.RawMessage(t.Parameters)
			}
			tools = append(tools, map[string]any{"type": "function", "function": fn})
		}
		wire["tools"] = tools
	}
	switch req.ToolChoice {
	case "":
	case "auto", "none", "required":
		wire["tool_choice"] = req.ToolChoice
	default:
		wire["tool_choice"] = map[string]any{
			"type":     "function",
			"function": map[string]any{"name": req.ToolChoice},
		}
	}
	if req.User != "" {
		wire["user"] = req.User
	}
	return json.Marshal(wire)
}

// EncodeChatResponse renders the normalized response as a chat.completion
// payload. reportedModel is the client-supplied model name, which the
// response keeps even when the backend mapped it.
func EncodeChatResponse(resp *GenerateResponse, reportedModel string) []byte {
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	message := map[string]any{"role": "assistant"}
	if len(resp.ToolCalls) > 0 {
		calls := make([]map[string]any, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      toolName(tc.Name),
					"arguments": toolArguments(tc.Arguments),
				},
			})
		}
		message["tool_calls"] = calls
		message["content"] = nullableText(resp.Text)
	} else {
		message["content"] = resp.Text
	}

	out := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   reportedModel,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": string(chatFinishReason(resp)),
		}},
	}
	if resp.Usage != nil {
		out["usage"] = encodeOpenAIUsage(resp.Usage)
	}
	payload, _ := json.Marshal(out)
	return payload
}

// DecodeChatResponse parses a chat.completion payload back into the
// normalized form, used when a rewritten call's result must be re-encoded
// for the original dialect.
func DecodeChatResponse(body []byte) (*GenerateResponse, error) {
	var wire struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Created int64  `json:"created"`
		Choices []struct {
			Message struct {
				Content   string         `json:"content"`
				ToolCalls []chatWireCall `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *openAIWireUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("translate: decode chat response: %w", err)
	}
	resp := &GenerateResponse{ID: wire.ID, Model: wire.Model, Created: wire.Created}
	if wire.Usage != nil {
		resp.Usage = wire.Usage.normalize()
	}
	if len(wire.Choices) > 0 {
		choice := wire.Choices[0]
		resp.Text = choice.Message.Content
		for _, tc := range choice.Message.ToolCalls {
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: toolArguments(tc.Function.Arguments),
			})
		}
		switch choice.FinishReason {
		case "length":
			resp.FinishReason = FinishLength
		case "tool_calls", "function_call":
			resp.FinishReason = FinishToolCalls
		case "content_filter":
			resp.FinishReason = FinishContentFilter
		default:
			resp.FinishReason = FinishStop
		}
	}
	return resp, nil
}

type openAIWireUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

func (u *openAIWireUsage) normalize() *Usage {
	out := &Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.InputTokens + out.OutputTokens
	}
	if u.PromptTokensDetails != nil {
		out.CacheInputTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}

func encodeOpenAIUsage(u *Usage) map[string]any {
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	out := map[string]any{
		"prompt_tokens":     u.InputTokens,
		"completion_tokens": u.OutputTokens,
		"total_tokens":      total,
	}
	if u.CacheInputTokens > 0 {
		out["prompt_tokens_details"] = map[string]any{"cached_tokens": u.CacheInputTokens}
	}
	if u.ReasoningTokens > 0 {
		out["completion_tokens_details"] = map[string]any{"reasoning_tokens": u.ReasoningTokens}
	}
	return out
}

func chatFinishReason(resp *GenerateResponse) FinishReason {
	if resp.FinishReason != "" {
		return resp.FinishReason
	}
	if len(resp.ToolCalls) > 0 {
		return FinishToolCalls
	}
	return FinishStop
}

// toolName fills the placeholder for providers that stream a call before
// its name.
func toolName(name string) string {
	if name == "" {
		return "unknown"
	}
	return name
}

func toolArguments(args string) string {
	if args == "" {
		return "{}"
	}
	return args
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
