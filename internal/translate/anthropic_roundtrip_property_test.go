package translate

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Encoding a normalized response into the Anthropic dialect and decoding
// it back must preserve text, tool calls and the finish reason, for any
// mix of textual and tool_use content.
func TestProperty_AnthropicResponseRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	finishReasons := gen.OneConstOf(FinishStop, FinishLength, FinishToolCalls, FinishContentFilter)

	properties.Property("text and tool_use survive the round trip", prop.ForAll(
		func(text string, callName string, callArgs string, finish FinishReason) bool {
			original := &GenerateResponse{
				ID:           "msg_x",
				Text:         text,
				FinishReason: finish,
				Usage:        &Usage{InputTokens: 7, OutputTokens: 3, TotalTokens: 10},
			}
			if callName != "" {
				original.ToolCalls = []ToolCall{{ID: "toolu_1", Name: callName, Arguments: `{"v":"` + callArgs + `"}`}}
			}

			encoded := EncodeAnthropicResponse(original, "claude-sonnet-4")
			decoded, err := DecodeAnthropicResponse(encoded)
			if err != nil {
				return false
			}

			if decoded.Text != original.Text {
				return false
			}
			if len(decoded.ToolCalls) != len(original.ToolCalls) {
				return false
			}
			for i := range original.ToolCalls {
				if decoded.ToolCalls[i].Name != original.ToolCalls[i].Name ||
					decoded.ToolCalls[i].Arguments != original.ToolCalls[i].Arguments {
					return false
				}
			}
			return decoded.FinishReason == original.FinishReason
		},
		gen.AlphaString(),
		gen.Identifier(),
		gen.AlphaString(),
		finishReasons,
	))

	properties.TestingRun(t)
}

func TestProperty_AnthropicRequestRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("conversation structure survives the round trip", prop.ForAll(
		func(system string, userText string, assistantText string, toolResult string) bool {
			original := &GenerateRequest{
				Model: "claude-sonnet-4",
				Messages: []Message{
					{Role: RoleSystem, Content: system},
					{Role: RoleUser, Content: userText},
					{Role: RoleAssistant, Content: assistantText, ToolCalls: []ToolCall{{ID: "toolu_1", Name: "hello", Arguments: `{"who":"x"}`}}},
					{Role: RoleTool, ToolCallID: "toolu_1", Content: toolResult},
				},
				MaxTokens: 128,
			}

			encoded, err := EncodeAnthropicRequest(original)
			if err != nil {
				return false
			}
			decoded, err := ParseAnthropicRequest(encoded)
			if err != nil {
				return false
			}

			if decoded.Model != original.Model || decoded.MaxTokens != original.MaxTokens {
				return false
			}
			// system may be dropped when empty; everything else keeps order
			idx := 0
			if system != "" {
				if decoded.Messages[0].Role != RoleSystem || decoded.Messages[0].Content != system {
					return false
				}
				idx = 1
			}
			msgs := decoded.Messages[idx:]
			// empty user/assistant text may collapse those turns
			var user, assistant, tool *Message
			for i := range msgs {
				m := &msgs[i]
				switch {
				case m.Role == RoleUser:
					user = m
				case m.Role == RoleAssistant:
					assistant = m
				case m.Role == RoleTool:
					tool = m
				}
			}
			if userText != "" && (user == nil || user.Content != userText) {
				return false
			}
			if assistant == nil || len(assistant.ToolCalls) != 1 {
				return false
			}
			if assistant.ToolCalls[0].Name != "hello" || assistant.ToolCalls[0].Arguments != `{"who":"x"}` {
				return false
			}
			return tool != nil && tool.ToolCallID == "toolu_1" && tool.Content == toolResult
		},
		gen.AlphaString(),
		gen.NumString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestAnthropicFinishReasonTable(t *testing.T) {
	cases := map[string]FinishReason{
		"end_turn":      FinishStop,
		"stop_sequence": FinishStop,
		"max_tokens":    FinishLength,
		"tool_use":      FinishToolCalls,
		"refusal":       FinishContentFilter,
	}
	for stop, want := range cases {
		assert.Equal(t, want, anthropicStopToFinish(stop), stop)
	}

	// reverse direction
	assert.Equal(t, "end_turn", finishToAnthropicStop(FinishStop))
	assert.Equal(t, "max_tokens", finishToAnthropicStop(FinishLength))
	assert.Equal(t, "tool_use", finishToAnthropicStop(FinishToolCalls))
	assert.Equal(t, "refusal", finishToAnthropicStop(FinishContentFilter))
}

func TestEncodeAnthropicRequestMandatoryMaxTokens(t *testing.T) {
	payload, err := EncodeAnthropicRequest(&GenerateRequest{
		Model:    "claude-sonnet-4",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"max_tokens":4096`)
}
