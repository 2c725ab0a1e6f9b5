package translate

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ditto-gateway/gateway/internal/gwerr"
)

// ParseCompletionsRequest decodes a legacy /v1/completions body. The
// prompt becomes a single user message; a one-element prompt array is
// unwrapped, anything longer is rejected.
func ParseCompletionsRequest(body []byte) (*GenerateRequest, error) {
	var wire struct {
		Model       string          `json:"model"`
		Prompt      json.RawMessage `json:"prompt"`
		Suffix      json.RawMessage `json:"suffix"`
		MaxTokens   int             `json:"max_tokens,omitempty"`
		Temperature *float64        `json:"temperature,omitempty"`
		TopP        *float64        `json:"top_p,omitempty"`
		Stop        json.RawMessage `json:"stop,omitempty"`
		Stream      bool            `json:"stream,omitempty"`
		User        string          `json:"user,omitempty"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, gwerr.InvalidRequest("malformed completions request: " + err.Error())
	}
	if len(wire.Suffix) > 0 && string(wire.Suffix) != "null" {
		return nil, gwerr.InvalidRequest("suffix is not supported")
	}

	prompt, err := decodePrompt(wire.Prompt)
	if err != nil {
		return nil, err
	}

	return &GenerateRequest{
		Model:       wire.Model,
		Messages:    []Message{{Role: RoleUser, Content: prompt}},
		MaxTokens:   wire.MaxTokens,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		Stop:        decodeStop(wire.Stop),
		Stream:      wire.Stream,
		User:        wire.User,
	}, nil
}

func decodePrompt(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", gwerr.InvalidRequest("prompt is required")
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, nil
	}
	var arr []string
	if json.Unmarshal(raw, &arr) == nil {
		if len(arr) != 1 {
			return "", gwerr.InvalidRequest("prompt array must have length 1")
		}
		return arr[0], nil
	}
	return "", gwerr.InvalidRequest("prompt must be a string or single-element array")
}

// EncodeCompletionsResponse renders the normalized response as a legacy
// text_completion payload.
func EncodeCompletionsResponse(resp *GenerateResponse, reportedModel string) []byte {
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	id := resp.ID
	if id == "" {
		id = "cmpl-" + uuid.NewString()
	}

	finish := "stop"
	if resp.FinishReason == FinishLength {
		finish = "length"
	} else if resp.FinishReason == FinishContentFilter {
		finish = "content_filter"
	}

	out := map[string]any{
		"id":      id,
		"object":  "text_completion",
		"created": created,
		"model":   reportedModel,
		"choices": []map[string]any{{
			"index":         0,
			"text":          resp.Text,
			"finish_reason": finish,
			"logprobs":      nil,
		}},
	}
	if resp.Usage != nil {
		out["usage"] = encodeOpenAIUsage(resp.Usage)
	}
	payload, _ := json.Marshal(out)
	return payload
}
