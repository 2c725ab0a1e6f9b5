package guardrails

import (
	"bytes"
	"mime/multipart"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ditto-gateway/gateway/config"
)

func TestCheckModel_DenyWinsOverAllow(t *testing.T) {
	g := config.GuardrailsConfig{AllowModels: []string{"gpt-*"}, DenyModels: []string{"gpt-4-banned"}}

	assert.NoError(t, CheckModel(g, "gpt-4o"))
	assert.Error(t, CheckModel(g, "gpt-4-banned"))
	assert.Error(t, CheckModel(g, "claude-3"), "not in allow list")
}

func TestCheckModel_NoAllowListAllowsAnything(t *testing.T) {
	g := config.GuardrailsConfig{DenyModels: []string{"banned-*"}}
	assert.NoError(t, CheckModel(g, "anything"))
	assert.Error(t, CheckModel(g, "banned-model"))
}

func TestCheckInputTokens(t *testing.T) {
	g := config.GuardrailsConfig{MaxInputTokens: 100}
	assert.NoError(t, CheckInputTokens(g, 100))
	assert.Error(t, CheckInputTokens(g, 101))
}

func TestChecker_CheckBannedText(t *testing.T) {
	c := NewChecker()
	g := &config.GuardrailsConfig{BannedRegexes: []string{`(?i)secret-\d+`}}

	require.NoError(t, c.CheckBannedText(g, []byte(`{"text":"hello"}`)))
	require.Error(t, c.CheckBannedText(g, []byte(`{"text":"SECRET-42"}`)))
}

func TestValidateSchema_ChatCompletions(t *testing.T) {
	ok := map[string]any{"model": "gpt-4o", "messages": []any{map[string]any{"role": "user", "content": "hi"}}}
	require.NoError(t, ValidateSchema("/v1/chat/completions", ok))

	missingModel := map[string]any{"messages": []any{map[string]any{"role": "user", "content": "hi"}}}
	require.Error(t, ValidateSchema("/v1/chat/completions", missingModel))

	emptyMessages := map[string]any{"model": "gpt-4o", "messages": []any{}}
	require.Error(t, ValidateSchema("/v1/chat/completions", emptyMessages))

	badRole := map[string]any{"model": "gpt-4o", "messages": []any{map[string]any{"role": "narrator", "content": "hi"}}}
	require.Error(t, ValidateSchema("/v1/chat/completions", badRole))
}

func TestValidateSchema_Completions_PromptArrayLengthTwoRejected(t *testing.T) {
	body := map[string]any{"model": "gpt-3.5-turbo-instruct", "prompt": []any{"a", "b"}}
	require.Error(t, ValidateSchema("/v1/completions", body))
}

func TestValidateSchema_Responses_NullInputRejected(t *testing.T) {
	body := map[string]any{"model": "gpt-4o"}
	require.Error(t, ValidateSchema("/v1/responses", body))
}

func TestValidateMultipart(t *testing.T) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", "a.mp3")
	require.NoError(t, err)
	fw.Write([]byte("AUDIO"))
	w.WriteField("model", "whisper-1")
	w.Close()

	require.NoError(t, ValidateMultipart("/v1/audio/transcriptions", w.FormDataContentType(), buf.Bytes()))

	// same body lacks "purpose", so the files endpoint rejects it
	err = ValidateMultipart("/v1/files", w.FormDataContentType(), buf.Bytes())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "purpose")

	// non-multipart content type
	err = ValidateMultipart("/v1/audio/transcriptions", "application/json", []byte("{}"))
	require.Error(t, err)

	// unrelated routes are not multipart-validated
	require.NoError(t, ValidateMultipart("/v1/chat/completions", "application/json", nil))
}

func TestValidateSchema_Embeddings_EncodingFormat(t *testing.T) {
	good := map[string]any{"model": "text-embedding-3-small", "input": "hi", "encoding_format": "float"}
	require.NoError(t, ValidateSchema("/v1/embeddings", good))

	bad := map[string]any{"model": "text-embedding-3-small", "input": "hi", "encoding_format": "base64"}
	require.Error(t, ValidateSchema("/v1/embeddings", bad))
}
