package translate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChatRequestBasics(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": [{"type":"text","text":"hi"},{"type":"image_url","image_url":{"url":"https://x/img.png"}}]},
			{"role": "assistant", "tool_calls": [{"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":1}"}}]},
			{"role": "tool", "tool_call_id": "call_1", "content": "42"}
		],
		"max_completion_tokens": 256,
		"temperature": 0.5,
		"stop": ["END"],
		"stream": true,
		"stream_options": {"include_usage": true},
		"tools": [{"type":"function","function":{"name":"lookup","description":"d","parameters":{"type":"object"}}}],
		"tool_choice": {"type":"function","function":{"name":"lookup"}}
	}`)

	req, err := ParseChatRequest(body)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, 256, req.MaxTokens)
	assert.Equal(t, []string{"END"}, req.Stop)
	assert.True(t, req.Stream)
	assert.True(t, req.StreamIncludeUsage)
	assert.Equal(t, "lookup", req.ToolChoice)

	require.Len(t, req.Messages, 4)
	assert.Equal(t, RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[1].Text())
	assert.Equal(t, "https://x/img.png", req.Messages[1].Parts[1].ImageURL)
	require.Len(t, req.Messages[2].ToolCalls, 1)
	assert.Equal(t, `{"q":1}`, req.Messages[2].ToolCalls[0].Arguments)
	assert.Equal(t, "call_1", req.Messages[3].ToolCallID)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "lookup", req.Tools[0].Name)
}

func TestEncodeChatResponseKeepsClientModel(t *testing.T) {
	resp := &GenerateResponse{
		ID:           "msg_1",
		Model:        "claude-sonnet-4-mapped",
		Text:         "hello",
		FinishReason: FinishStop,
		Usage:        &Usage{InputTokens: 10, OutputTokens: 5},
	}
	payload := EncodeChatResponse(resp, "gpt-4o-mini")

	var wire map[string]any
	require.NoError(t, json.Unmarshal(payload, &wire))
	assert.Equal(t, "gpt-4o-mini", wire["model"])
	assert.Equal(t, "chat.completion", wire["object"])

	choices := wire["choices"].([]any)
	choice := choices[0].(map[string]any)
	assert.Equal(t, "stop", choice["finish_reason"])
	assert.Equal(t, "hello", choice["message"].(map[string]any)["content"])

	usage := wire["usage"].(map[string]any)
	assert.Equal(t, float64(15), usage["total_tokens"])
}

func TestChatResponseToolCallDefaults(t *testing.T) {
	resp := &GenerateResponse{
		ToolCalls: []ToolCall{{ID: "call_1"}}, // no name, no arguments
	}
	payload := EncodeChatResponse(resp, "m")

	decoded, err := DecodeChatResponse(payload)
	require.NoError(t, err)
	require.Len(t, decoded.ToolCalls, 1)
	assert.Equal(t, "unknown", decoded.ToolCalls[0].Name)
	assert.Equal(t, "{}", decoded.ToolCalls[0].Arguments)
	assert.Equal(t, FinishToolCalls, decoded.FinishReason)
}

func TestParseCompletionsPromptShapes(t *testing.T) {
	req, err := ParseCompletionsRequest([]byte(`{"model":"m","prompt":"once"}`))
	require.NoError(t, err)
	assert.Equal(t, "once", req.Messages[0].Content)

	req, err = ParseCompletionsRequest([]byte(`{"model":"m","prompt":["only"]}`))
	require.NoError(t, err)
	assert.Equal(t, "only", req.Messages[0].Content)

	_, err = ParseCompletionsRequest([]byte(`{"model":"m","prompt":["a","b"]}`))
	assert.Error(t, err, "length-2 prompt arrays are rejected")

	_, err = ParseCompletionsRequest([]byte(`{"model":"m","prompt":"x","suffix":"y"}`))
	assert.Error(t, err, "suffix is unsupported")
}

func TestParseResponsesRequestItems(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"instructions": "be helpful",
		"input": [
			{"role": "user", "content": [{"type":"input_text","text":"what time"}]},
			{"type": "function_call", "call_id": "call_9", "name": "clock", "arguments": "{}"},
			{"type": "function_call_output", "call_id": "call_9", "output": "noon"}
		],
		"max_output_tokens": 64,
		"previous_response_id": "resp_0"
	}`)

	req, err := ParseResponsesRequest(body)
	require.NoError(t, err)

	assert.Equal(t, 64, req.MaxTokens)
	assert.Equal(t, "resp_0", req.PreviousResponseID)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "what time", req.Messages[1].Text())
	assert.Equal(t, "clock", req.Messages[2].ToolCalls[0].Name)
	assert.Equal(t, RoleTool, req.Messages[3].Role)
	assert.Equal(t, "noon", req.Messages[3].Content)
}

func TestParseResponsesRequestNullInput(t *testing.T) {
	_, err := ParseResponsesRequest([]byte(`{"model":"m","input":null}`))
	assert.Error(t, err)
}

func TestEncodeResponsesIncomplete(t *testing.T) {
	resp := &GenerateResponse{Text: "partial", FinishReason: FinishLength}
	payload := EncodeResponsesResponse(resp, "m")

	var wire map[string]any
	require.NoError(t, json.Unmarshal(payload, &wire))
	assert.Equal(t, "incomplete", wire["status"])
	assert.Equal(t, "max_output_tokens", wire["incomplete_details"].(map[string]any)["reason"])
}

func TestGoogleCodecToolCalls(t *testing.T) {
	req := &GenerateRequest{
		Model: "gemini-2.0-flash",
		Messages: []Message{
			{Role: RoleSystem, Content: "sys"},
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "f", Arguments: `{"a":1}`}}},
			{Role: RoleTool, ToolCallID: "c1", Name: "f", Content: "ok"},
		},
		MaxTokens: 10,
	}
	payload, err := EncodeGoogleRequest(req)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(payload, &wire))
	assert.NotNil(t, wire["systemInstruction"])
	contents := wire["contents"].([]any)
	require.Len(t, contents, 3)

	decoded, err := DecodeGoogleResponse([]byte(`{
		"candidates": [{"content":{"role":"model","parts":[{"functionCall":{"name":"f","args":{"a":1}}}]},"finishReason":"STOP"}],
		"usageMetadata": {"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}
	}`))
	require.NoError(t, err)
	require.Len(t, decoded.ToolCalls, 1)
	assert.Equal(t, "f", decoded.ToolCalls[0].Name)
	assert.Equal(t, FinishToolCalls, decoded.FinishReason)
	assert.Equal(t, 5, decoded.Usage.TotalTokens)
}
