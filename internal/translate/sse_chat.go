package translate

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChatStreamEncoder re-encodes a normalized event stream as
// chat.completion.chunk SSE frames. Text deltas and tool-call deltas are
// interleaved by index as they arrive; the final frame carries
// finish_reason, optionally followed by a usage-only chunk, then [DONE].
type ChatStreamEncoder struct {
	id            string
	reportedModel string
	created       int64
	includeUsage  bool

	sentRole    bool
	openedCalls map[int]bool
	sawToolCall bool
	finished    bool
}

func NewChatStreamEncoder(reportedModel string, includeUsage bool) *ChatStreamEncoder {
	return &ChatStreamEncoder{
		id:            "chatcmpl-" + uuid.NewString(),
		reportedModel: reportedModel,
		created:       time.Now().Unix(),
		includeUsage:  includeUsage,
		openedCalls:   map[int]bool{},
	}
}

func (e *ChatStreamEncoder) chunk(delta map[string]any, finish any) []byte {
	payload, _ := json.Marshal(map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.reportedModel,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	})
	return sseFrame("", payload)
}

// Encode renders one normalized event as zero or more SSE frames.
func (e *ChatStreamEncoder) Encode(ev StreamEvent) []byte {
	if e.finished {
		return nil
	}
	var out []byte

	if ev.TextDelta != "" {
		delta := map[string]any{"content": ev.TextDelta}
		if !e.sentRole {
			delta["role"] = "assistant"
			e.sentRole = true
		}
		out = append(out, e.chunk(delta, nil)...)
	}

	if ev.ToolCall != nil {
		e.sawToolCall = true
		call := map[string]any{
			"index": ev.ToolCall.Index,
			"function": map[string]any{
				"arguments": ev.ToolCall.ArgumentsDelta,
			},
		}
		if !e.openedCalls[ev.ToolCall.Index] {
			e.openedCalls[ev.ToolCall.Index] = true
			call["id"] = ev.ToolCall.ID
			call["type"] = "function"
			call["function"] = map[string]any{
				"name":      toolName(ev.ToolCall.Name),
				"arguments": ev.ToolCall.ArgumentsDelta,
			}
		}
		delta := map[string]any{"tool_calls": []map[string]any{call}}
		if !e.sentRole {
			delta["role"] = "assistant"
			e.sentRole = true
		}
		out = append(out, e.chunk(delta, nil)...)
	}

	if ev.FinishReason != "" {
		finish := string(ev.FinishReason)
		if e.sawToolCall && ev.FinishReason == FinishStop {
			finish = string(FinishToolCalls)
		}
		out = append(out, e.chunk(map[string]any{}, finish)...)

		if e.includeUsage && ev.Usage != nil {
			payload, _ := json.Marshal(map[string]any{
				"id":      e.id,
				"object":  "chat.completion.chunk",
				"created": e.created,
				"model":   e.reportedModel,
				"choices": []any{},
				"usage":   encodeOpenAIUsage(ev.Usage),
			})
			out = append(out, sseFrame("", payload)...)
		}

		out = append(out, []byte("data: [DONE]\n\n")...)
		e.finished = true
	}

	return out
}

// sseFrame formats one SSE event. A non-empty event name gets its own
// "event:" line before the data line.
func sseFrame(event string, data []byte) []byte {
	var out []byte
	if event != "" {
		out = append(out, "event: "...)
		out = append(out, event...)
		out = append(out, '\n')
	}
	out = append(out, "data: "...)
	out = append(out, data...)
	out = append(out, '\n', '\n')
	return out
}
