// Package proxy is the gateway's orchestration spine: admission, backend
// attempt loop, streaming finalization, the Responses shim, and the MCP
// auto-execution loop.
package proxy

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
)

const (
	usageBufferCap    = 512 << 10
	usageBufferRetain = 128 << 10
)

// ObservedUsage is the accounting extracted from a response, buffered or
// streamed.
type ObservedUsage struct {
	InputTokens              int
	OutputTokens             int
	TotalTokens              int
	CacheInputTokens         int
	CacheCreationInputTokens int
	ReasoningTokens          int
}

// UsageTracker watches an SSE byte stream for the terminal usage event.
// Feed receives raw forwarded chunks; the tracker frames events on blank
// lines, joins data: lines, ignores [DONE], and keeps the last usage it
// can parse.
type UsageTracker struct {
	mu       sync.Mutex
	buf      []byte
	observed *ObservedUsage
}

func NewUsageTracker() *UsageTracker { return &UsageTracker{} }

// Feed consumes one forwarded chunk.
func (t *UsageTracker) Feed(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, chunk...)

	for {
		event, rest, ok := nextSSEEvent(t.buf)
		if !ok {
			break
		}
		t.buf = rest
		if usage, found := extractEventUsage(event); found {
			t.observed = usage
		}
	}

	if len(t.buf) > usageBufferCap {
		t.buf = append([]byte(nil), t.buf[len(t.buf)-usageBufferRetain:]...)
	}
}

// Observed returns the last usage seen, if any.
func (t *UsageTracker) Observed() (*ObservedUsage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.observed == nil {
		return nil, false
	}
	out := *t.observed
	return &out, true
}

// SetObserved records usage discovered outside the SSE scan (buffered
// JSON bodies, translation results).
func (t *UsageTracker) SetObserved(u *ObservedUsage) {
	t.mu.Lock()
	t.observed = u
	t.mu.Unlock()
}

// nextSSEEvent splits off the first complete event, honoring both \n\n
// and \r\n\r\n delimiters by taking the earliest boundary in one forward
// scan rather than searching each delimiter independently.
func nextSSEEvent(buf []byte) (event, rest []byte, ok bool) {
	for i := 0; i < len(buf); i++ {
		if buf[i] == '\n' && i+1 < len(buf) && buf[i+1] == '\n' {
			return buf[:i], buf[i+2:], true
		}
		if buf[i] == '\r' && i+3 < len(buf) && buf[i+1] == '\n' && buf[i+2] == '\r' && buf[i+3] == '\n' {
			return buf[:i], buf[i+4:], true
		}
	}
	return nil, buf, false
}

// extractEventUsage concatenates an event's data lines and attempts to
// pull a usage object out of the JSON payload.
func extractEventUsage(event []byte) (*ObservedUsage, bool) {
	var data bytes.Buffer
	for _, line := range bytes.Split(event, []byte{'\n'}) {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if after, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data.Write(bytes.TrimSpace(after))
		}
	}
	payload := strings.TrimSpace(data.String())
	if payload == "" || payload == "[DONE]" {
		return nil, false
	}

	var wire struct {
		Usage *wireUsage `json:"usage"`
		// the Responses dialect nests usage under the response object in
		// terminal frames
		Response *struct {
			Usage *wireUsage `json:"usage"`
		} `json:"response"`
	}
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return nil, false
	}
	if wire.Usage != nil {
		return wire.Usage.normalize(), true
	}
	if wire.Response != nil && wire.Response.Usage != nil {
		return wire.Response.Usage.normalize(), true
	}
	return nil, false
}

// wireUsage accepts both token vocabularies: OpenAI's
// prompt/completion/total and the input/output form.
type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	CacheInputTokens         int `json:"cache_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	ReasoningTokens          int `json:"reasoning_tokens"`

	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

func (u *wireUsage) normalize() *ObservedUsage {
	out := &ObservedUsage{
		InputTokens:              max(u.PromptTokens, u.InputTokens),
		OutputTokens:             max(u.CompletionTokens, u.OutputTokens),
		TotalTokens:              u.TotalTokens,
		CacheInputTokens:         max(u.CacheInputTokens, u.CacheReadInputTokens),
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		ReasoningTokens:          u.ReasoningTokens,
	}
	if u.PromptTokensDetails != nil && out.CacheInputTokens == 0 {
		out.CacheInputTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil && out.ReasoningTokens == 0 {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.InputTokens + out.OutputTokens
	}
	return out
}

// extractBufferedUsage pulls a usage object out of a buffered JSON body.
func extractBufferedUsage(body []byte) (*ObservedUsage, bool) {
	var wire struct {
		Usage *wireUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &wire); err != nil || wire.Usage == nil {
		return nil, false
	}
	return wire.Usage.normalize(), true
}
