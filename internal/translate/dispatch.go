package translate

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/internal/gwerr"
)

// Result is a dispatched translation outcome. Exactly one of Body or
// Stream is set. Usage carries the provider-reported accounting for
// buffered calls; for streams it arrives on StreamUsage when the stream
// ends.
type Result struct {
	Status      int
	Header      http.Header
	Body        []byte
	Stream      <-chan []byte
	Usage       *Usage
	StreamUsage <-chan Usage
}

func jsonResult(status int, body []byte, usage *Usage) *Result {
	return &Result{
		Status: status,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
		Usage:  usage,
	}
}

// Dispatcher maps OpenAI-compatible endpoints onto one Model's methods
// and re-encodes the results in the calling dialect.
type Dispatcher struct {
	model  Model
	logger *zap.Logger
}

func NewDispatcher(model Model, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{model: model, logger: logger.With(zap.String("component", "translate"))}
}

// Dispatch executes one request. mapModel rewrites the client model name
// to the upstream's; responses keep reporting the client-supplied name.
func (d *Dispatcher) Dispatch(ctx context.Context, method, path string, header http.Header, body []byte, mapModel func(string) string) (*Result, error) {
	if mapModel == nil {
		mapModel = func(s string) string { return s }
	}

	switch {
	case method == http.MethodPost && path == "/v1/chat/completions":
		return d.generate(ctx, body, mapModel, dialectChat)
	case method == http.MethodPost && path == "/v1/completions":
		return d.generate(ctx, body, mapModel, dialectCompletions)
	case method == http.MethodPost && path == "/v1/responses":
		return d.generate(ctx, body, mapModel, dialectResponses)
	case method == http.MethodPost && path == "/v1/responses/compact":
		return d.compact(ctx, body)
	case method == http.MethodPost && path == "/v1/embeddings":
		return d.embed(ctx, body, mapModel)
	case method == http.MethodPost && path == "/v1/rerank":
		return d.rerank(ctx, body, mapModel)
	case method == http.MethodPost && path == "/v1/moderations":
		return d.moderate(ctx, body, mapModel)
	case method == http.MethodPost && path == "/v1/images/generations":
		return d.image(ctx, body, mapModel)
	case method == http.MethodPost && path == "/v1/audio/transcriptions":
		return d.transcribe(ctx, header, body, mapModel)
	case method == http.MethodPost && path == "/v1/audio/speech":
		return d.speak(ctx, body, mapModel)
	case path == "/v1/batches" || strings.HasPrefix(path, "/v1/batches/"):
		return d.batches(ctx, method, path, body)
	case path == "/v1/files" || strings.HasPrefix(path, "/v1/files/"):
		return d.files(ctx, method, path, header, body)
	default:
		return nil, gwerr.UnsupportedEndpoint(method, path)
	}
}

type dialect int

const (
	dialectChat dialect = iota
	dialectCompletions
	dialectResponses
)

func parseDialectRequest(di dialect, body []byte) (*GenerateRequest, error) {
	switch di {
	case dialectCompletions:
		return ParseCompletionsRequest(body)
	case dialectResponses:
		return ParseResponsesRequest(body)
	default:
		return ParseChatRequest(body)
	}
}

func encodeDialectResponse(di dialect, resp *GenerateResponse, reportedModel string) []byte {
	switch di {
	case dialectCompletions:
		return EncodeCompletionsResponse(resp, reportedModel)
	case dialectResponses:
		return EncodeResponsesResponse(resp, reportedModel)
	default:
		return EncodeChatResponse(resp, reportedModel)
	}
}

func (d *Dispatcher) generate(ctx context.Context, body []byte, mapModel func(string) string, di dialect) (*Result, error) {
	req, err := parseDialectRequest(di, body)
	if err != nil {
		return nil, err
	}
	reportedModel := req.Model
	req.Model = mapModel(req.Model)

	if !req.Stream {
		resp, err := d.model.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
		return jsonResult(http.StatusOK, encodeDialectResponse(di, resp, reportedModel), resp.Usage), nil
	}

	events, err := d.model.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 8)
	usageCh := make(chan Usage, 1)
	go func() {
		defer close(out)
		defer close(usageCh)
		d.encodeStream(di, reportedModel, req, events, out, usageCh)
	}()

	return &Result{
		Status: http.StatusOK,
		Header: http.Header{
			"Content-Type":  {"text/event-stream"},
			"Cache-Control": {"no-cache"},
		},
		Stream:      out,
		StreamUsage: usageCh,
	}, nil
}

func (d *Dispatcher) encodeStream(di dialect, reportedModel string, req *GenerateRequest, events <-chan StreamEvent, out chan<- []byte, usageCh chan<- Usage) {
	var chat *ChatStreamEncoder
	var responses *ResponsesStreamEncoder
	if di == dialectResponses {
		responses = NewResponsesStreamEncoder(reportedModel)
	} else {
		chat = NewChatStreamEncoder(reportedModel, req.StreamIncludeUsage || di == dialectCompletions)
	}

	for ev := range events {
		if ev.Err != nil {
			d.logger.Warn("translation stream failed", zap.Error(ev.Err))
			// terminate the SSE stream; usage is whatever was observed
			return
		}
		if ev.Usage != nil && ev.FinishReason != "" {
			usageCh <- *ev.Usage
		}
		var frame []byte
		if responses != nil {
			frame = responses.Encode(ev)
		} else {
			frame = chat.Encode(ev)
		}
		if len(frame) > 0 {
			out <- frame
		}
	}
}

func (d *Dispatcher) embed(ctx context.Context, body []byte, mapModel func(string) string) (*Result, error) {
	embedder, ok := d.model.(Embedder)
	if !ok {
		return nil, gwerr.UnsupportedEndpoint(http.MethodPost, "/v1/embeddings")
	}
	var wire struct {
		Model          string          `json:"model"`
		Input          json.RawMessage `json:"input"`
		EncodingFormat string          `json:"encoding_format,omitempty"`
		User           string          `json:"user,omitempty"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, gwerr.InvalidRequest("malformed embeddings request: " + err.Error())
	}
	if wire.EncodingFormat != "" && wire.EncodingFormat != "float" {
		return nil, gwerr.InvalidRequest("unsupported encoding_format " + wire.EncodingFormat)
	}

	var inputs []string
	var single string
	if json.Unmarshal(wire.Input, &single) == nil {
		inputs = []string{single}
	} else if err := json.Unmarshal(wire.Input, &inputs); err != nil {
		return nil, gwerr.InvalidRequest("input must be a string or array of strings")
	}
	if len(inputs) == 0 {
		return nil, gwerr.InvalidRequest("input must not be empty")
	}

	reportedModel := wire.Model
	resp, err := embedder.Embed(ctx, &EmbedRequest{
		Model:          mapModel(wire.Model),
		Input:          inputs,
		EncodingFormat: wire.EncodingFormat,
		User:           wire.User,
	})
	if err != nil {
		return nil, err
	}

	data := make([]map[string]any, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		data[i] = map[string]any{"object": "embedding", "index": i, "embedding": emb}
	}
	out := map[string]any{
		"object": "list",
		"data":   data,
		"model":  reportedModel,
	}
	if resp.Usage != nil {
		out["usage"] = map[string]any{
			"prompt_tokens": resp.Usage.InputTokens,
			"total_tokens":  totalTokens(resp.Usage),
		}
	}
	payload, _ := json.Marshal(out)
	return jsonResult(http.StatusOK, payload, resp.Usage), nil
}

func (d *Dispatcher) rerank(ctx context.Context, body []byte, mapModel func(string) string) (*Result, error) {
	reranker, ok := d.model.(Reranker)
	if !ok {
		return nil, gwerr.UnsupportedEndpoint(http.MethodPost, "/v1/rerank")
	}
	var wire struct {
		Model     string   `json:"model"`
		Query     string   `json:"query"`
		Documents []string `json:"documents"`
		TopN      int      `json:"top_n,omitempty"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, gwerr.InvalidRequest("malformed rerank request: " + err.Error())
	}

	reportedModel := wire.Model
	resp, err := reranker.Rerank(ctx, &RerankRequest{
		Model:     mapModel(wire.Model),
		Query:     wire.Query,
		Documents: wire.Documents,
		TopN:      wire.TopN,
	})
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(map[string]any{
		"id":      "rerank-" + uuid.NewString(),
		"model":   reportedModel,
		"results": resp.Results,
	})
	return jsonResult(http.StatusOK, payload, resp.Usage), nil
}

func (d *Dispatcher) moderate(ctx context.Context, body []byte, mapModel func(string) string) (*Result, error) {
	moderator, ok := d.model.(Moderator)
	if !ok {
		return nil, gwerr.UnsupportedEndpoint(http.MethodPost, "/v1/moderations")
	}
	var wire struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, gwerr.InvalidRequest("malformed moderation request: " + err.Error())
	}
	var inputs []string
	var single string
	if json.Unmarshal(wire.Input, &single) == nil {
		inputs = []string{single}
	} else {
		_ = json.Unmarshal(wire.Input, &inputs)
	}

	out, err := moderator.Moderate(ctx, &ModerationRequest{Model: mapModel(wire.Model), Input: inputs})
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(out)
	return jsonResult(http.StatusOK, payload, nil), nil
}

func (d *Dispatcher) image(ctx context.Context, body []byte, mapModel func(string) string) (*Result, error) {
	generator, ok := d.model.(ImageGenerator)
	if !ok {
		return nil, gwerr.UnsupportedEndpoint(http.MethodPost, "/v1/images/generations")
	}
	var wire struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
		N      int    `json:"n,omitempty"`
		Size   string `json:"size,omitempty"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, gwerr.InvalidRequest("malformed image request: " + err.Error())
	}
	out, err := generator.GenerateImage(ctx, &ImageRequest{
		Model:  mapModel(wire.Model),
		Prompt: wire.Prompt,
		N:      wire.N,
		Size:   wire.Size,
	})
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(out)
	return jsonResult(http.StatusOK, payload, nil), nil
}

func (d *Dispatcher) transcribe(ctx context.Context, header http.Header, body []byte, mapModel func(string) string) (*Result, error) {
	transcriber, ok := d.model.(Transcriber)
	if !ok {
		return nil, gwerr.UnsupportedEndpoint(http.MethodPost, "/v1/audio/transcriptions")
	}
	form, err := parseMultipart(header, body)
	if err != nil {
		return nil, err
	}
	if len(form.file) == 0 {
		return nil, gwerr.InvalidRequest("multipart field \"file\" is required")
	}
	model := form.values["model"]
	if model == "" {
		return nil, gwerr.InvalidRequest("multipart field \"model\" is required")
	}

	out, err := transcriber.TranscribeAudio(ctx, &TranscriptionRequest{
		Model:    mapModel(model),
		FileName: form.fileName,
		Audio:    form.file,
		Language: form.values["language"],
		Prompt:   form.values["prompt"],
	})
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(out)
	return jsonResult(http.StatusOK, payload, nil), nil
}

func (d *Dispatcher) speak(ctx context.Context, body []byte, mapModel func(string) string) (*Result, error) {
	speaker, ok := d.model.(Speaker)
	if !ok {
		return nil, gwerr.UnsupportedEndpoint(http.MethodPost, "/v1/audio/speech")
	}
	var wire struct {
		Model  string `json:"model"`
		Input  string `json:"input"`
		Voice  string `json:"voice,omitempty"`
		Format string `json:"response_format,omitempty"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, gwerr.InvalidRequest("malformed speech request: " + err.Error())
	}
	audio, contentType, err := speaker.SpeakAudio(ctx, &SpeechRequest{
		Model:  mapModel(wire.Model),
		Input:  wire.Input,
		Voice:  wire.Voice,
		Format: wire.Format,
	})
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &Result{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {contentType}},
		Body:   audio,
	}, nil
}

func (d *Dispatcher) batches(ctx context.Context, method, path string, body []byte) (*Result, error) {
	api, ok := d.model.(BatchAPI)
	if !ok {
		return nil, gwerr.UnsupportedEndpoint(method, path)
	}

	var out map[string]any
	var err error
	switch {
	case method == http.MethodPost && path == "/v1/batches":
		var wire map[string]any
		if jsonErr := json.Unmarshal(body, &wire); jsonErr != nil {
			return nil, gwerr.InvalidRequest("malformed batch request: " + jsonErr.Error())
		}
		out, err = api.CreateBatch(ctx, wire)
	case method == http.MethodGet && path == "/v1/batches":
		out, err = api.ListBatches(ctx)
	case method == http.MethodPost && strings.HasSuffix(path, "/cancel"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/v1/batches/"), "/cancel")
		out, err = api.CancelBatch(ctx, id)
	case method == http.MethodGet:
		out, err = api.RetrieveBatch(ctx, strings.TrimPrefix(path, "/v1/batches/"))
	default:
		return nil, gwerr.UnsupportedEndpoint(method, path)
	}
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(out)
	return jsonResult(http.StatusOK, payload, nil), nil
}

func (d *Dispatcher) files(ctx context.Context, method, path string, header http.Header, body []byte) (*Result, error) {
	api, ok := d.model.(FileAPI)
	if !ok {
		return nil, gwerr.UnsupportedEndpoint(method, path)
	}

	switch {
	case method == http.MethodPost && path == "/v1/files":
		form, err := parseMultipart(header, body)
		if err != nil {
			return nil, err
		}
		if len(form.file) == 0 {
			return nil, gwerr.InvalidRequest("multipart field \"file\" is required")
		}
		purpose := form.values["purpose"]
		if purpose == "" {
			return nil, gwerr.InvalidRequest("multipart field \"purpose\" is required")
		}
		out, err := api.UploadFile(ctx, form.fileName, purpose, form.file)
		if err != nil {
			return nil, err
		}
		payload, _ := json.Marshal(out)
		return jsonResult(http.StatusOK, payload, nil), nil

	case method == http.MethodGet && path == "/v1/files":
		out, err := api.ListFiles(ctx)
		if err != nil {
			return nil, err
		}
		payload, _ := json.Marshal(out)
		return jsonResult(http.StatusOK, payload, nil), nil

	case method == http.MethodGet && strings.HasSuffix(path, "/content"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/v1/files/"), "/content")
		content, contentType, err := api.DownloadFileContent(ctx, id)
		if err != nil {
			return nil, err
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return &Result{Status: http.StatusOK, Header: http.Header{"Content-Type": {contentType}}, Body: content}, nil

	case method == http.MethodGet:
		out, err := api.RetrieveFile(ctx, strings.TrimPrefix(path, "/v1/files/"))
		if err != nil {
			return nil, err
		}
		payload, _ := json.Marshal(out)
		return jsonResult(http.StatusOK, payload, nil), nil

	case method == http.MethodDelete:
		out, err := api.DeleteFile(ctx, strings.TrimPrefix(path, "/v1/files/"))
		if err != nil {
			return nil, err
		}
		payload, _ := json.Marshal(out)
		return jsonResult(http.StatusOK, payload, nil), nil

	default:
		return nil, gwerr.UnsupportedEndpoint(method, path)
	}
}

func (d *Dispatcher) compact(ctx context.Context, body []byte) (*Result, error) {
	compactor, ok := d.model.(HistoryCompactor)
	if !ok {
		return nil, gwerr.UnsupportedEndpoint(http.MethodPost, "/v1/responses/compact")
	}
	var wire map[string]any
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, gwerr.InvalidRequest("malformed compact request: " + err.Error())
	}
	out, err := compactor.CompactResponsesHistory(ctx, wire)
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(out)
	return jsonResult(http.StatusOK, payload, nil), nil
}

type multipartForm struct {
	values   map[string]string
	file     []byte
	fileName string
}

// parseMultipart reads the buffered multipart body. Bodies above the
// proxy's size cap never reach here; in-memory parsing is acceptable.
func parseMultipart(header http.Header, body []byte) (*multipartForm, error) {
	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, gwerr.InvalidRequest("expected multipart/form-data body")
	}
	reader := multipart.NewReader(strings.NewReader(string(body)), params["boundary"])

	form := &multipartForm{values: map[string]string{}}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, gwerr.InvalidRequest("malformed multipart body: " + err.Error())
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, gwerr.InvalidRequest("malformed multipart part: " + err.Error())
		}
		if part.FormName() == "file" {
			form.file = data
			form.fileName = part.FileName()
		} else {
			form.values[part.FormName()] = string(data)
		}
	}
	return form, nil
}
