package translate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/config"
	"github.com/ditto-gateway/gateway/internal/gwerr"
)

// googleModel speaks the native generateContent API. The API key rides
// as a query parameter; streaming uses streamGenerateContent with SSE
// framing where each data line is a full generateContent response.
type googleModel struct {
	cfg     config.BackendConfig
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func newGoogleModel(cfg config.BackendConfig, logger *zap.Logger) *googleModel {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &googleModel{
		cfg:     cfg,
		apiKey:  providerOption(cfg, "api_key", ""),
		baseURL: strings.TrimSuffix(providerOption(cfg, "base_url", "https://generativelanguage.googleapis.com/v1beta"), "/"),
		client: newProviderHTTPClient(timeout),
		logger: logger.With(zap.String("provider", "google")),
	}
}

func (m *googleModel) Name() string { return "google" }

func (m *googleModel) endpoint(model, verb string, stream bool) string {
	u := fmt.Sprintf("%s/models/%s:%s", m.baseURL, url.PathEscape(model), verb)
	q := url.Values{"key": {m.apiKey}}
	if stream {
		q.Set("alt", "sse")
	}
	return u + "?" + q.Encode()
}

func (m *googleModel) post(ctx context.Context, target string, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, gwerr.Backend(0, "google request failed", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, gwerr.Backend(resp.StatusCode,
			fmt.Sprintf("google error: %s", readErrorMessage(resp.Body)), nil)
	}
	return resp, nil
}

func (m *googleModel) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	payload, err := EncodeGoogleRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := m.post(ctx, m.endpoint(req.Model, "generateContent", false), payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerr.Backend(0, "google read failed", err)
	}
	out, err := DecodeGoogleResponse(body)
	if err != nil {
		return nil, err
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return out, nil
}

func (m *googleModel) Stream(ctx context.Context, req *GenerateRequest) (<-chan StreamEvent, error) {
	payload, err := EncodeGoogleRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := m.post(ctx, m.endpoint(req.Model, "streamGenerateContent", true), payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		m.readStream(req.Model, resp.Body, ch)
	}()
	return ch, nil
}

func (m *googleModel) readStream(model string, body io.Reader, ch chan<- StreamEvent) {
	var (
		usage     Usage
		finish    FinishReason = FinishStop
		toolSlot               = 0
	)

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				ch <- StreamEvent{Err: gwerr.Backend(0, "google stream read failed", err)}
				return
			}
			break
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		chunk, err := DecodeGoogleResponse([]byte(data))
		if err != nil {
			ch <- StreamEvent{Err: err}
			return
		}
		if chunk.Text != "" {
			ch <- StreamEvent{Model: model, TextDelta: chunk.Text}
		}
		// this dialect delivers each call complete in one chunk
		for _, tc := range chunk.ToolCalls {
			ch <- StreamEvent{Model: model, ToolCall: &ToolCallDelta{
				Index:          toolSlot,
				ID:             tc.ID,
				Name:           tc.Name,
				ArgumentsDelta: tc.Arguments,
			}}
			toolSlot++
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
	}

	ch <- StreamEvent{Model: model, FinishReason: finish, Usage: &usage}
}

// Embed calls the native embedContent API, one call per input.
func (m *googleModel) Embed(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error) {
	out := &EmbedResponse{Model: req.Model}
	for _, input := range req.Input {
		payload, _ := json.Marshal(map[string]any{
			"content": map[string]any{"parts": []map[string]any{{"text": input}}},
		})
		resp, err := m.post(ctx, m.endpoint(req.Model, "embedContent", false), payload)
		if err != nil {
			return nil, err
		}
		var wire struct {
			Embedding struct {
				Values []float64 `json:"values"`
			} `json:"embedding"`
		}
		err = json.NewDecoder(resp.Body).Decode(&wire)
		resp.Body.Close()
		if err != nil {
			return nil, gwerr.Backend(0, "google embed decode failed", err)
		}
		out.Embeddings = append(out.Embeddings, wire.Embedding.Values)
	}
	return out, nil
}
