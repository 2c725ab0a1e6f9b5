package translate

import (
	"encoding/json"
	"fmt"
)

// The Anthropic messages dialect. The system turn travels in its own
// field, tool results ride as user-role tool_result blocks, and content
// is always an array of typed blocks.

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // tool_result payload
	Source    *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type,omitempty"`
		Data      string `json:"data,omitempty"`
		URL       string `json:"url,omitempty"`
	} `json:"source,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    *struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
	} `json:"tool_choice,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason,omitempty"`
	Usage      *anthropicUsage    `json:"usage,omitempty"`
}

// The fixed finish-reason table, both directions.

func anthropicStopToFinish(stop string) FinishReason {
	switch stop {
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	case "refusal":
		return FinishContentFilter
	default: // end_turn, stop_sequence
		return FinishStop
	}
}

func finishToAnthropicStop(reason FinishReason) string {
	switch reason {
	case FinishLength:
		return "max_tokens"
	case FinishToolCalls:
		return "tool_use"
	case FinishContentFilter:
		return "refusal"
	default:
		return "end_turn"
	}
}

// EncodeAnthropicRequest renders the normalized request as a
// /v1/messages body.
func EncodeAnthropicRequest(req *GenerateRequest) ([]byte, error) {
	wire := anthropicRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if wire.MaxTokens <= 0 {
		// the field is mandatory in this dialect
		wire.MaxTokens = 4096
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem, RoleDeveloper:
			if wire.System != "" {
				wire.System += "\n"
			}
			wire.System += m.Text()
			continue
		case RoleTool:
			wire.Messages = append(wire.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Text(),
				}},
			})
			continue
		}

		am := anthropicMessage{Role: string(m.Role)}
		if text := m.Text(); text != "" {
			am.Content = append(am.Content, anthropicContent{Type: "text", Text: text})
		}
		for _, p := range m.Parts {
			if p.Type == "image_url" && p.ImageURL != "" {
				c := anthropicContent{Type: "image"}
				c.Source = &struct {
					Type      string `json:"type"`
					MediaType string `json:"media_type,omitempty"`
					Data      string `json:"data,omitempty"`
					URL       string `json:"url,omitempty"`
				}{Type: "url", URL: p.ImageURL}
				am.Content = append(am.Content, c)
			}
		}
		for _, tc := range m.ToolCalls {
			am.Content = append(am.Content, anthropicContent{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: json.RawMessage(toolArguments(tc.Arguments)),
			})
		}
		if len(am.Content) > 0 {
			wire.Messages = append(wire.Messages, am)
		}
	}

	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		wire.Tools = append(wire.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	switch req.ToolChoice {
	case "", "none":
	case "auto":
		wire.ToolChoice = &struct {
			Type string `json:"type"`
			Name string `json:"name,omitempty"`
		}{Type: "auto"}
	case "required":
		wire.ToolChoice = &struct {
			Type string `json:"type"`
			Name string `json:"name,omitempty"`
		}{Type: "any"}
	default:
		wire.ToolChoice = &struct {
			Type string `json:"type"`
			Name string `json:"name,omitempty"`
		}{Type: "tool", Name: req.ToolChoice}
	}

	return json.Marshal(wire)
}

// ParseAnthropicRequest decodes a /v1/messages body into the normalized
// request, the inverse of EncodeAnthropicRequest.
func ParseAnthropicRequest(body []byte) (*GenerateRequest, error) {
	var wire anthropicRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("translate: decode anthropic request: %w", err)
	}
	req := &GenerateRequest{
		Model:       wire.Model,
		MaxTokens:   wire.MaxTokens,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		Stop:        wire.StopSequences,
		Stream:      wire.Stream,
	}
	if wire.System != "" {
		req.Messages = append(req.Messages, Message{Role: RoleSystem, Content: wire.System})
	}
	for _, am := range wire.Messages {
		msg := Message{Role: Role(am.Role)}
		for _, c := range am.Content {
			switch c.Type {
			case "text":
				msg.Content += c.Text
			case "tool_use":
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:        c.ID,
					Name:      c.Name,
					Arguments: toolArguments(string(c.Input)),
				})
			case "tool_result":
				// a tool_result block makes the whole turn a tool turn
				msg.Role = RoleTool
				msg.ToolCallID = c.ToolUseID
				msg.Content = c.Content
			case "image":
				if c.Source != nil && c.Source.URL != "" {
					msg.Parts = append(msg.Parts, ContentPart{Type: "image_url", ImageURL: c.Source.URL})
				}
			}
		}
		req.Messages = append(req.Messages, msg)
	}
	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, ToolDef{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}
	if wire.ToolChoice != nil {
		switch wire.ToolChoice.Type {
		case "auto":
			req.ToolChoice = "auto"
		case "any":
			req.ToolChoice = "required"
		case "tool":
			req.ToolChoice = wire.ToolChoice.Name
		}
	}
	return req, nil
}

// DecodeAnthropicResponse parses a /v1/messages response into the
// normalized form.
func DecodeAnthropicResponse(body []byte) (*GenerateResponse, error) {
	var wire anthropicResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("translate: decode anthropic response: %w", err)
	}
	resp := &GenerateResponse{
		ID:           wire.ID,
		Model:        wire.Model,
		FinishReason: anthropicStopToFinish(wire.StopReason),
	}
	for _, c := range wire.Content {
		switch c.Type {
		case "text":
			resp.Text += c.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        c.ID,
				Name:      c.Name,
				Arguments: toolArguments(string(c.Input)),
			})
		}
	}
	if wire.Usage != nil {
		resp.Usage = &Usage{
			InputTokens:              wire.Usage.InputTokens,
			OutputTokens:             wire.Usage.OutputTokens,
			TotalTokens:              wire.Usage.InputTokens + wire.Usage.OutputTokens,
			CacheInputTokens:         wire.Usage.CacheReadInputTokens,
			CacheCreationInputTokens: wire.Usage.CacheCreationInputTokens,
		}
	}
	return resp, nil
}

// EncodeAnthropicResponse renders the normalized response as a
// /v1/messages payload, the inverse of DecodeAnthropicResponse.
func EncodeAnthropicResponse(resp *GenerateResponse, reportedModel string) []byte {
	wire := anthropicResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      reportedModel,
		StopReason: finishToAnthropicStop(chatFinishReason(resp)),
	}
	if resp.Text != "" {
		wire.Content = append(wire.Content, anthropicContent{Type: "text", Text: resp.Text})
	}
	for _, tc := range resp.ToolCalls {
		wire.Content = append(wire.Content, anthropicContent{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  toolName(tc.Name),
			Input: json.RawMessage(toolArguments(tc.Arguments)),
		})
	}
	if wire.Content == nil {
		wire.Content = []anthropicContent{}
	}
	if resp.Usage != nil {
		wire.Usage = &anthropicUsage{
			InputTokens:              resp.Usage.InputTokens,
			OutputTokens:             resp.Usage.OutputTokens,
			CacheReadInputTokens:     resp.Usage.CacheInputTokens,
			CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
		}
	}
	payload, _ := json.Marshal(wire)
	return payload
}
