package translate

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResponsesStreamEncoder re-encodes a normalized event stream as
// /v1/responses SSE frames: response.created once, output_text deltas as
// they arrive, one response.output_item.done per completed tool call, and
// a terminal response.completed or response.incomplete carrying the full
// accumulated response.
type ResponsesStreamEncoder struct {
	id            string
	reportedModel string
	created       int64

	started  bool
	finished bool
	seq      int

	text      strings.Builder
	calls     map[int]*accumulatedCall
	callOrder []int
}

type accumulatedCall struct {
	id   string
	name string
	args strings.Builder
}

func NewResponsesStreamEncoder(reportedModel string) *ResponsesStreamEncoder {
	return &ResponsesStreamEncoder{
		id:            "resp_" + uuid.NewString(),
		reportedModel: reportedModel,
		created:       time.Now().Unix(),
		calls:         map[int]*accumulatedCall{},
	}
}

func (e *ResponsesStreamEncoder) frame(event string, body map[string]any) []byte {
	e.seq++
	body["type"] = event
	body["sequence_number"] = e.seq
	payload, _ := json.Marshal(body)
	return sseFrame(event, payload)
}

func (e *ResponsesStreamEncoder) responseSkeleton(status string) map[string]any {
	return map[string]any{
		"id":         e.id,
		"object":     "response",
		"created_at": e.created,
		"status":     status,
		"model":      e.reportedModel,
	}
}

// Encode renders one normalized event as zero or more SSE frames.
func (e *ResponsesStreamEncoder) Encode(ev StreamEvent) []byte {
	if e.finished {
		return nil
	}
	var out []byte

	if !e.started {
		e.started = true
		out = append(out, e.frame("response.created", map[string]any{
			"response": e.responseSkeleton("in_progress"),
		})...)
	}

	if ev.TextDelta != "" {
		e.text.WriteString(ev.TextDelta)
		out = append(out, e.frame("response.output_text.delta", map[string]any{
			"delta": ev.TextDelta,
		})...)
	}

	if ev.ToolCall != nil {
		call, ok := e.calls[ev.ToolCall.Index]
		if !ok {
			call = &accumulatedCall{id: ev.ToolCall.ID, name: ev.ToolCall.Name}
			e.calls[ev.ToolCall.Index] = call
			e.callOrder = append(e.callOrder, ev.ToolCall.Index)
		}
		call.args.WriteString(ev.ToolCall.ArgumentsDelta)
	}

	if ev.FinishReason != "" {
		// close out each accumulated tool call before the terminal frame
		for _, idx := range e.callOrder {
			call := e.calls[idx]
			out = append(out, e.frame("response.output_item.done", map[string]any{
				"item": map[string]any{
					"type":      "function_call",
					"id":        "fc_" + uuid.NewString(),
					"call_id":   call.id,
					"name":      toolName(call.name),
					"arguments": toolArguments(call.args.String()),
					"status":    "completed",
				},
			})...)
		}

		resp := &GenerateResponse{
			ID:           e.id,
			Created:      e.created,
			Text:         e.text.String(),
			FinishReason: ev.FinishReason,
			Usage:        ev.Usage,
		}
		for _, idx := range e.callOrder {
			call := e.calls[idx]
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        call.id,
				Name:      call.name,
				Arguments: call.args.String(),
			})
		}

		event := "response.completed"
		if ev.FinishReason == FinishLength || ev.FinishReason == FinishContentFilter {
			event = "response.incomplete"
		}
		var full map[string]any
		_ = json.Unmarshal(EncodeResponsesResponse(resp, e.reportedModel), &full)
		out = append(out, e.frame(event, map[string]any{"response": full})...)
		e.finished = true
	}

	return out
}
