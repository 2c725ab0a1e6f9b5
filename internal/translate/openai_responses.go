package translate

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ditto-gateway/gateway/internal/gwerr"
)

// The /v1/responses dialect: input items in, output items out.

type responsesWireItem struct {
	Type    string          `json:"type,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	// function_call items (assistant history)
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	// function_call_output items
	Output string `json:"output,omitempty"`
}

// ParseResponsesRequest decodes a /v1/responses body into the normalized
// request. instructions become the system turn; function_call_output
// items become tool-result turns bound to their call_id.
func ParseResponsesRequest(body []byte) (*GenerateRequest, error) {
	var wire struct {
		Model              string          `json:"model"`
		Input              json.RawMessage `json:"input"`
		Instructions       string          `json:"instructions,omitempty"`
		MaxOutputTokens    int             `json:"max_output_tokens,omitempty"`
		Temperature        *float64        `json:"temperature,omitempty"`
		TopP               *float64        `json:"top_p,omitempty"`
		Stream             bool            `json:"stream,omitempty"`
		PreviousResponseID string          `json:"previous_response_id,omitempty"`
		ServiceTier        string          `json:"service_tier,omitempty"`
		User               string          `json:"user,omitempty"`
		Tools              []struct {
			Type        string          `json:"type"`
			Name        string          `json:"name"`
			Description string          `json:"description,omitempty"`
			Parameters  json.RawMessage `json:"parameters,omitempty"`
		} `json:"tools,omitempty"`
		ToolChoice json.RawMessage `json:"tool_choice,omitempty"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, gwerr.InvalidRequest("malformed responses request: " + err.Error())
	}
	if len(wire.Input) == 0 || string(wire.Input) == "null" {
		return nil, gwerr.InvalidRequest("input must not be null")
	}

	req := &GenerateRequest{
		Model:              wire.Model,
		MaxTokens:          wire.MaxOutputTokens,
		Temperature:        wire.Temperature,
		TopP:               wire.TopP,
		Stream:             wire.Stream,
		PreviousResponseID: wire.PreviousResponseID,
		ServiceTier:        wire.ServiceTier,
		User:               wire.User,
	}
	if wire.Instructions != "" {
		req.Messages = append(req.Messages, Message{Role: RoleSystem, Content: wire.Instructions})
	}

	// input may be a bare string or an item list
	var text string
	if json.Unmarshal(wire.Input, &text) == nil {
		req.Messages = append(req.Messages, Message{Role: RoleUser, Content: text})
	} else {
		var items []responsesWireItem
		if err := json.Unmarshal(wire.Input, &items); err != nil {
			return nil, gwerr.InvalidRequest("input must be a string or an array of items")
		}
		for _, item := range items {
			msg, ok, err := responsesItemToMessage(item)
			if err != nil {
				return nil, err
			}
			if ok {
				req.Messages = append(req.Messages, msg)
			}
		}
	}

	for _, t := range wire.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, ToolDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	req.ToolChoice = decodeToolChoice(wire.ToolChoice)

	return req, nil
}

func responsesItemToMessage(item responsesWireItem) (Message, bool, error) {
	switch item.Type {
	case "function_call":
		return Message{
			Role: RoleAssistant,
			ToolCalls: []ToolCall{{
				ID:        firstNonEmpty(item.CallID, item.ID),
				Name:      item.Name,
				Arguments: toolArguments(item.Arguments),
			}},
		}, true, nil
	case "function_call_output":
		return Message{
			Role:       RoleTool,
			ToolCallID: item.CallID,
			Content:    item.Output,
		}, true, nil
	case "", "message":
		msg := Message{Role: Role(item.Role)}
		if msg.Role == "" {
			msg.Role = RoleUser
		}
		content, parts, err := decodeResponsesContent(item.Content)
		if err != nil {
			return Message{}, false, err
		}
		msg.Content = content
		msg.Parts = parts
		return msg, true, nil
	default:
		// reasoning items and other provider extensions are dropped
		return Message{}, false, nil
	}
}

func decodeResponsesContent(raw json.RawMessage) (string, []ContentPart, error) {
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
		ImageURL string `json:"image_url,omitempty"`
	}
	if err := json.Unmarshal(raw, &wireParts); err != nil {
		return "", nil, gwerr.InvalidRequest("item content must be a string or an array of parts")
	}
	parts := make([]ContentPart, 0, len(wireParts))
	for _, p := range wireParts {
		switch p.Type {
		case "input_text", "output_text", "text":
			parts = append(parts, ContentPart{Type: "text", Text: p.Text})
		case "input_image":
			parts = append(parts, ContentPart{Type: "image_url", ImageURL: p.ImageURL})
		}
	}
	return "", parts, nil
}

// EncodeResponsesResponse renders the normalized response as a
// /v1/responses payload. A length or content-filter stop produces
// status "incomplete" with incomplete_details.
func EncodeResponsesResponse(resp *GenerateResponse, reportedModel string) []byte {
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	id := resp.ID
	if id == "" {
		id = "resp_" + uuid.NewString()
	}

	var output []map[string]any
	if resp.Text != "" || len(resp.ToolCalls) == 0 {
		output = append(output, map[string]any{
			"type":   "message",
			"id":     "msg_" + uuid.NewString(),
			"role":   "assistant",
			"status": "completed",
			"content": []map[string]any{{
				"type":        "output_text",
				"text":        resp.Text,
				"annotations": []any{},
			}},
		})
	}
	for _, tc := range resp.ToolCalls {
		output = append(output, map[string]any{
			"type":      "function_call",
			"id":        "fc_" + uuid.NewString(),
			"call_id":   tc.ID,
			"name":      toolName(tc.Name),
			"arguments": toolArguments(tc.Arguments),
			"status":    "completed",
		})
	}

	status := "completed"
	var incomplete map[string]any
	switch resp.FinishReason {
	case FinishLength:
		status = "incomplete"
		incomplete = map[string]any{"reason": "max_output_tokens"}
	case FinishContentFilter:
		status = "incomplete"
		incomplete = map[string]any{"reason": "content_filter"}
	}

	out := map[string]any{
		"id":         id,
		"object":     "response",
		"created_at": created,
		"status":     status,
		"model":      reportedModel,
		"output":     output,
	}
	if incomplete != nil {
		out["incomplete_details"] = incomplete
	}
	if resp.Usage != nil {
		usage := map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
			"total_tokens":  totalTokens(resp.Usage),
		}
		if resp.Usage.CacheInputTokens > 0 {
			usage["input_tokens_details"] = map[string]any{"cached_tokens": resp.Usage.CacheInputTokens}
		}
		if resp.Usage.ReasoningTokens > 0 {
			usage["output_tokens_details"] = map[string]any{"reasoning_tokens": resp.Usage.ReasoningTokens}
		}
		out["usage"] = usage
	}
	payload, _ := json.Marshal(out)
	return payload
}

func totalTokens(u *Usage) int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
