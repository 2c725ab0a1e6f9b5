// Package tokenizer estimates input token counts for admission, backed
// by tiktoken-go (cl100k_base for models it does not recognize) with a
// length/4 fallback when no encoding can be loaded or the body has no
// extractable text.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator produces an upper-bound input token estimate used for
// pre-flight admission; settlement always prefers observed usage.
type Estimator interface {
	EstimateInputTokens(model string, bodyJSON map[string]any, rawBody []byte) int
}

// tiktokenEstimator caches one *tiktoken.Tiktoken encoding per model
// family, since construction parses a sizeable BPE rank table.
type tiktokenEstimator struct {
	mu    sync.Mutex
	cache map[string]*tiktoken.Tiktoken
}

func NewEstimator() Estimator {
	return &tiktokenEstimator{cache: make(map[string]*tiktoken.Tiktoken)}
}

func (e *tiktokenEstimator) EstimateInputTokens(model string, bodyJSON map[string]any, rawBody []byte) int {
	enc := e.encodingFor(model)
	if enc == nil {
		return fallback(rawBody)
	}

	total := 0
	for _, text := range extractText(bodyJSON) {
		total += len(enc.Encode(text, nil, nil))
	}
	if total == 0 {
		return fallback(rawBody)
	}
	return total
}

func (e *tiktokenEstimator) encodingFor(model string) *tiktoken.Tiktoken {
	e.mu.Lock()
	defer e.mu.Unlock()

	if enc, ok := e.cache[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			e.cache[model] = nil
			return nil
		}
	}
	e.cache[model] = enc
	return enc
}

// fallback is the ceil(body_len/4) heuristic for when no encoding can be
// loaded or the body carries no text to encode.
func fallback(rawBody []byte) int {
	if len(rawBody) == 0 {
		return 0
	}
	return (len(rawBody) + 3) / 4
}

// extractText pulls the text content a request is likely to spend tokens
// on: chat/completions "messages[].content" (string or text parts),
// completions "prompt", responses "input".
func extractText(body map[string]any) []string {
	var out []string
	if msgs, ok := body["messages"].([]any); ok {
		for _, m := range msgs {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, contentText(msg["content"])...)
		}
	}
	if prompt, ok := body["prompt"]; ok {
		out = append(out, contentText(prompt)...)
	}
	if input, ok := body["input"]; ok {
		out = append(out, contentText(input)...)
	}
	return out
}

func contentText(v any) []string {
	switch c := v.(type) {
	case string:
		return []string{c}
	case []any:
		var out []string
		for _, part := range c {
			switch p := part.(type) {
			case string:
				out = append(out, p)
			case map[string]any:
				if text, ok := p["text"].(string); ok {
					out = append(out, text)
				}
			}
		}
		return out
	default:
		return nil
	}
}
