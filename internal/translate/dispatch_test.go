package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/internal/gwerr"
)

// fakeModel records the request it saw and plays back canned output.
type fakeModel struct {
	lastGenerate *GenerateRequest
	response     *GenerateResponse
	events       []StreamEvent
}

func (f *fakeModel) Name() string { return "fake" }

func (f *fakeModel) Generate(_ context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	f.lastGenerate = req
	return f.response, nil
}

func (f *fakeModel) Stream(_ context.Context, req *GenerateRequest) (<-chan StreamEvent, error) {
	f.lastGenerate = req
	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range f.events {
			ch <- ev
		}
	}()
	return ch, nil
}

func TestDispatchChatBuffered(t *testing.T) {
	model := &fakeModel{response: &GenerateResponse{
		Text:         "hi",
		FinishReason: FinishStop,
		Usage:        &Usage{InputTokens: 2, OutputTokens: 1, TotalTokens: 3},
	}}
	d := NewDispatcher(model, zap.NewNop())

	mapModel := func(m string) string { return "mapped-" + m }
	res, err := d.Dispatch(context.Background(), http.MethodPost, "/v1/chat/completions", nil,
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hey"}]}`), mapModel)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "mapped-gpt-4o", model.lastGenerate.Model, "dispatch applies the model map")

	var wire map[string]any
	require.NoError(t, json.Unmarshal(res.Body, &wire))
	assert.Equal(t, "gpt-4o", wire["model"], "the response reports the client-supplied model")
	require.NotNil(t, res.Usage)
	assert.Equal(t, 3, res.Usage.TotalTokens)
}

func TestDispatchChatStreaming(t *testing.T) {
	model := &fakeModel{events: []StreamEvent{
		{TextDelta: "he"},
		{TextDelta: "y"},
		{FinishReason: FinishStop, Usage: &Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}},
	}}
	d := NewDispatcher(model, zap.NewNop())

	res, err := d.Dispatch(context.Background(), http.MethodPost, "/v1/chat/completions", nil,
		[]byte(`{"model":"m","messages":[{"role":"user","content":"x"}],"stream":true}`), nil)
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))
	require.NotNil(t, res.Stream)

	var raw []byte
	for chunk := range res.Stream {
		raw = append(raw, chunk...)
	}
	assert.Contains(t, string(raw), `"content":"he"`)
	assert.Contains(t, string(raw), "data: [DONE]")

	usage, ok := <-res.StreamUsage
	require.True(t, ok, "stream usage must be delivered at end")
	assert.Equal(t, 3, usage.TotalTokens)
}

func TestDispatchUnsupportedEndpoint(t *testing.T) {
	d := NewDispatcher(&fakeModel{}, zap.NewNop())

	_, err := d.Dispatch(context.Background(), http.MethodPost, "/v1/embeddings", nil, []byte(`{"model":"m","input":"x"}`), nil)
	ge, ok := gwerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerr.CodeUnsupportedEndpoint, ge.Code)
	assert.Equal(t, http.StatusNotImplemented, ge.HTTPStatus())

	_, err = d.Dispatch(context.Background(), http.MethodPatch, "/v1/other", nil, nil, nil)
	ge, ok = gwerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerr.CodeUnsupportedEndpoint, ge.Code)
}

func TestDispatchResponsesDialect(t *testing.T) {
	model := &fakeModel{response: &GenerateResponse{Text: "out", FinishReason: FinishStop}}
	d := NewDispatcher(model, zap.NewNop())

	res, err := d.Dispatch(context.Background(), http.MethodPost, "/v1/responses", nil,
		[]byte(`{"model":"m","input":"question"}`), nil)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(res.Body, &wire))
	assert.Equal(t, "response", wire["object"])
	assert.Equal(t, "completed", wire["status"])
}

func TestDispatchTranscriptionMultipart(t *testing.T) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, _ := w.CreateFormFile("file", "audio.mp3")
	fw.Write([]byte("AUDIO"))
	w.WriteField("model", "whisper-1")
	w.Close()

	header := http.Header{"Content-Type": {w.FormDataContentType()}}

	// fakeModel does not implement Transcriber
	d := NewDispatcher(&fakeModel{}, zap.NewNop())
	_, err := d.Dispatch(context.Background(), http.MethodPost, "/v1/audio/transcriptions", header, buf.Bytes(), nil)
	ge, ok := gwerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerr.CodeUnsupportedEndpoint, ge.Code)

	// with a transcriber, the form must parse and validate
	d = NewDispatcher(&transcribingModel{}, zap.NewNop())
	res, err := d.Dispatch(context.Background(), http.MethodPost, "/v1/audio/transcriptions", header, buf.Bytes(), nil)
	require.NoError(t, err)
	assert.Contains(t, string(res.Body), "AUDIO heard")

	// missing model field
	var noModel bytes.Buffer
	w2 := multipart.NewWriter(&noModel)
	fw2, _ := w2.CreateFormFile("file", "audio.mp3")
	fw2.Write([]byte("AUDIO"))
	w2.Close()
	_, err = d.Dispatch(context.Background(), http.MethodPost, "/v1/audio/transcriptions",
		http.Header{"Content-Type": {w2.FormDataContentType()}}, noModel.Bytes(), nil)
	assert.Error(t, err)
}

type transcribingModel struct{ fakeModel }

func (m *transcribingModel) TranscribeAudio(_ context.Context, req *TranscriptionRequest) (map[string]any, error) {
	return map[string]any{"text": string(req.Audio) + " heard"}, nil
}
