package translate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/config"
	"github.com/ditto-gateway/gateway/internal/gwerr"
)

// anthropicModel speaks the native /v1/messages API. Authentication uses
// the x-api-key header and a pinned anthropic-version.
type anthropicModel struct {
	cfg     config.BackendConfig
	apiKey  string
	baseURL string
	version string
	client  *http.Client
	logger  *zap.Logger
}

func newAnthropicModel(cfg config.BackendConfig, logger *zap.Logger) *anthropicModel {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &anthropicModel{
		cfg:     cfg,
		apiKey:  providerOption(cfg, "api_key", ""),
		baseURL: strings.TrimSuffix(providerOption(cfg, "base_url", "https://api.anthropic.com"), "/"),
		version: providerOption(cfg, "version", "2023-06-01"),
		client: newProviderHTTPClient(timeout),
		logger: logger.With(zap.String("provider", "anthropic")),
	}
}

func (m *anthropicModel) Name() string { return "anthropic" }

func (m *anthropicModel) headers(req *http.Request) {
	req.Header.Set("x-api-key", m.apiKey)
	req.Header.Set("anthropic-version", m.version)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

func (m *anthropicModel) post(ctx context.Context, req *GenerateRequest) (*http.Response, error) {
	payload, err := EncodeAnthropicRequest(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	m.headers(httpReq)

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, gwerr.Backend(0, "anthropic request failed", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, gwerr.Backend(resp.StatusCode,
			fmt.Sprintf("anthropic error: %s", readErrorMessage(resp.Body)), nil)
	}
	return resp, nil
}

func (m *anthropicModel) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	plain := *req
	plain.Stream = false
	resp, err := m.post(ctx, &plain)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerr.Backend(0, "anthropic read failed", err)
	}
	return DecodeAnthropicResponse(body)
}

func (m *anthropicModel) Stream(ctx context.Context, req *GenerateRequest) (<-chan StreamEvent, error) {
	streaming := *req
	streaming.Stream = true
	resp, err := m.post(ctx, &streaming)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		m.readStream(resp.Body, ch)
	}()
	return ch, nil
}

// readStream walks the native event stream and normalizes it. Tool-call
// ids and names arrive on content_block_start; argument JSON arrives in
// input_json_delta fragments keyed by block index.
func (m *anthropicModel) readStream(body io.Reader, ch chan<- StreamEvent) {
	type wireEvent struct {
		Type  string `json:"type"`
		Index int    `json:"index,omitempty"`
		Delta *struct {
			Type        string `json:"type"`
			Text        string `json:"text,omitempty"`
			PartialJSON string `json:"partial_json,omitempty"`
			StopReason  string `json:"stop_reason,omitempty"`
		} `json:"delta,omitempty"`
		ContentBlock *anthropicContent  `json:"content_block,omitempty"`
		Message      *anthropicResponse `json:"message,omitempty"`
		Usage        *anthropicUsage    `json:"usage,omitempty"`
	}

	var (
		id         string
		model      string
		usage      Usage
		stopReason string
		// content-block index -> tool-call slot, for delta attribution
		toolIndex = map[int]int{}
		nextSlot  = 0
		opened    = map[int]bool{}
		callMeta  = map[int]*ToolCall{}
	)

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				ch <- StreamEvent{Err: gwerr.Backend(0, "anthropic stream read failed", err)}
				return
			}
			break
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var ev wireEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			ch <- StreamEvent{Err: gwerr.Backend(0, "anthropic stream decode failed", err)}
			return
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				id = ev.Message.ID
				model = ev.Message.Model
				if ev.Message.Usage != nil {
					usage.InputTokens = ev.Message.Usage.InputTokens
					usage.CacheInputTokens = ev.Message.Usage.CacheReadInputTokens
					usage.CacheCreationInputTokens = ev.Message.Usage.CacheCreationInputTokens
				}
			}

		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				slot := nextSlot
				nextSlot++
				toolIndex[ev.Index] = slot
				callMeta[ev.Index] = &ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				ch <- StreamEvent{ID: id, Model: model, TextDelta: ev.Delta.Text}
			case "input_json_delta":
				slot, ok := toolIndex[ev.Index]
				if !ok {
					continue
				}
				delta := &ToolCallDelta{Index: slot, ArgumentsDelta: ev.Delta.PartialJSON}
				if !opened[ev.Index] {
					opened[ev.Index] = true
					meta := callMeta[ev.Index]
					delta.ID = meta.ID
					delta.Name = meta.Name
				}
				ch <- StreamEvent{ID: id, Model: model, ToolCall: delta}
			}

		case "content_block_stop":
			// a tool block that never streamed arguments still needs its
			// opening delta, or downstream loses the call entirely
			if slot, ok := toolIndex[ev.Index]; ok && !opened[ev.Index] {
				opened[ev.Index] = true
				meta := callMeta[ev.Index]
				ch <- StreamEvent{ID: id, Model: model, ToolCall: &ToolCallDelta{
					Index: slot, ID: meta.ID, Name: meta.Name,
				}}
			}

		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
			}

		case "message_stop":
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			ch <- StreamEvent{
				ID:           id,
				Model:        model,
				FinishReason: anthropicStopToFinish(stopReason),
				Usage:        &usage,
			}
			return
		}
	}

	// upstream closed without message_stop: still terminate the stream
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	ch <- StreamEvent{ID: id, Model: model, FinishReason: anthropicStopToFinish(stopReason), Usage: &usage}
}

func readErrorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 8<<10))
	var wire struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &wire) == nil && wire.Error.Message != "" {
		return wire.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
