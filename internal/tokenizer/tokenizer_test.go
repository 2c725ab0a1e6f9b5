package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFallback(t *testing.T) {
	assert.Equal(t, 0, fallback(nil))
	assert.Equal(t, 1, fallback([]byte("ab")))
	assert.Equal(t, 3, fallback([]byte("123456789")))
}

func TestExtractText_ChatMessages(t *testing.T) {
	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "hello there"},
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "text", "text": "part two"},
			}},
		},
	}
	got := extractText(body)
	assert.ElementsMatch(t, []string{"hello there", "part two"}, got)
}

func TestEstimator_FallsBackWithoutTokenizableContent(t *testing.T) {
	e := NewEstimator()
	n := e.EstimateInputTokens("gpt-4o", map[string]any{}, []byte(`{"model":"gpt-4o"}`))
	assert.Greater(t, n, 0)
}
