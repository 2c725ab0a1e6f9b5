package translate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeSSE splits an SSE byte stream into its data payloads.
func decodeSSE(t *testing.T, raw []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, block := range strings.Split(string(raw), "\n\n") {
		for _, line := range strings.Split(block, "\n") {
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok || data == "[DONE]" {
				continue
			}
			var payload map[string]any
			require.NoError(t, json.Unmarshal([]byte(data), &payload), data)
			out = append(out, payload)
		}
	}
	return out
}

// Concatenating the chat encoder's deltas must reproduce the buffered
// response: same text, same tool-call names and arguments, same finish
// reason, same usage.
func TestChatStreamEncoderMatchesBufferedResponse(t *testing.T) {
	events := []StreamEvent{
		{TextDelta: "Hel"},
		{TextDelta: "lo"},
		{ToolCall: &ToolCallDelta{Index: 0, ID: "call_1", Name: "hello", ArgumentsDelta: `{"who":`}},
		{ToolCall: &ToolCallDelta{Index: 0, ArgumentsDelta: `"world"}`}},
		{FinishReason: FinishToolCalls, Usage: &Usage{InputTokens: 4, OutputTokens: 6, TotalTokens: 10}},
	}

	enc := NewChatStreamEncoder("gpt-4o", true)
	var raw []byte
	for _, ev := range events {
		raw = append(raw, enc.Encode(ev)...)
	}
	assert.True(t, strings.HasSuffix(string(raw), "data: [DONE]\n\n"))

	var text strings.Builder
	args := map[int]*strings.Builder{}
	names := map[int]string{}
	finish := ""
	var usage map[string]any

	for _, payload := range decodeSSE(t, raw) {
		if u, ok := payload["usage"].(map[string]any); ok {
			usage = u
		}
		choices, ok := payload["choices"].([]any)
		if !ok || len(choices) == 0 {
			continue
		}
		choice := choices[0].(map[string]any)
		if fr, ok := choice["finish_reason"].(string); ok && fr != "" {
			finish = fr
		}
		delta, _ := choice["delta"].(map[string]any)
		if content, ok := delta["content"].(string); ok {
			text.WriteString(content)
		}
		if calls, ok := delta["tool_calls"].([]any); ok {
			for _, c := range calls {
				call := c.(map[string]any)
				idx := int(call["index"].(float64))
				if args[idx] == nil {
					args[idx] = &strings.Builder{}
				}
				fn := call["function"].(map[string]any)
				if name, ok := fn["name"].(string); ok {
					names[idx] = name
				}
				if fragment, ok := fn["arguments"].(string); ok {
					args[idx].WriteString(fragment)
				}
			}
		}
	}

	assert.Equal(t, "Hello", text.String())
	assert.Equal(t, "hello", names[0])
	assert.Equal(t, `{"who":"world"}`, args[0].String())
	assert.Equal(t, "tool_calls", finish)
	require.NotNil(t, usage, "include_usage must append a usage chunk")
	assert.Equal(t, float64(10), usage["total_tokens"])
}

func TestChatStreamEncoderRoleOnFirstChunkOnly(t *testing.T) {
	enc := NewChatStreamEncoder("m", false)
	first := decodeSSE(t, enc.Encode(StreamEvent{TextDelta: "a"}))
	second := decodeSSE(t, enc.Encode(StreamEvent{TextDelta: "b"}))

	firstDelta := first[0]["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	assert.Equal(t, "assistant", firstDelta["role"])

	secondDelta := second[0]["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	_, hasRole := secondDelta["role"]
	assert.False(t, hasRole)
}

func TestResponsesStreamEncoderLifecycle(t *testing.T) {
	enc := NewResponsesStreamEncoder("gpt-4o")

	var raw []byte
	raw = append(raw, enc.Encode(StreamEvent{TextDelta: "par"})...)
	raw = append(raw, enc.Encode(StreamEvent{TextDelta: "tial"})...)
	raw = append(raw, enc.Encode(StreamEvent{ToolCall: &ToolCallDelta{Index: 0, ID: "call_1", Name: "hello", ArgumentsDelta: `{}`}})...)
	raw = append(raw, enc.Encode(StreamEvent{FinishReason: FinishStop, Usage: &Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}})...)

	text := string(raw)
	assert.Equal(t, 1, strings.Count(text, "event: response.created"))
	assert.Equal(t, 2, strings.Count(text, "event: response.output_text.delta"))
	assert.Equal(t, 1, strings.Count(text, "event: response.output_item.done"))
	assert.Equal(t, 1, strings.Count(text, "event: response.completed"))

	// terminal frame carries the accumulated text and tool call
	payloads := decodeSSE(t, raw)
	last := payloads[len(payloads)-1]
	resp := last["response"].(map[string]any)
	assert.Equal(t, "completed", resp["status"])
	encoded, _ := json.Marshal(resp["output"])
	assert.Contains(t, string(encoded), "partial")
	assert.Contains(t, string(encoded), `"hello"`)
}

func TestResponsesStreamEncoderIncompleteOnLength(t *testing.T) {
	enc := NewResponsesStreamEncoder("m")
	raw := enc.Encode(StreamEvent{TextDelta: "x"})
	raw = append(raw, enc.Encode(StreamEvent{FinishReason: FinishLength})...)

	assert.Contains(t, string(raw), "event: response.incomplete")
	assert.Contains(t, string(raw), "max_output_tokens")
}

func TestResponsesStreamEncoderUnknownToolName(t *testing.T) {
	enc := NewResponsesStreamEncoder("m")
	enc.Encode(StreamEvent{ToolCall: &ToolCallDelta{Index: 0, ID: "call_1"}})
	raw := enc.Encode(StreamEvent{FinishReason: FinishStop})

	assert.Contains(t, string(raw), `"name":"unknown"`)
	assert.Contains(t, string(raw), `"arguments":"{}"`)
}
