package translate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/config"
	"github.com/ditto-gateway/gateway/internal/tlsutil"
)

// Model is the in-process adapter a translation backend dispatches to.
// Generation and streaming are the required surface; everything else is
// an optional capability discovered by type assertion, so an adapter
// implements exactly what its provider supports and the dispatcher
// answers 501 for the rest.
type Model interface {
	Name() string
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
	Stream(ctx context.Context, req *GenerateRequest) (<-chan StreamEvent, error)
}

// Optional capabilities.

type Embedder interface {
	Embed(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error)
}

type Reranker interface {
	Rerank(ctx context.Context, req *RerankRequest) (*RerankResponse, error)
}

type Transcriber interface {
	TranscribeAudio(ctx context.Context, req *TranscriptionRequest) (map[string]any, error)
}

type Speaker interface {
	// SpeakAudio returns the audio bytes and their content type.
	SpeakAudio(ctx context.Context, req *SpeechRequest) ([]byte, string, error)
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, req *ImageRequest) (map[string]any, error)
}

type Moderator interface {
	Moderate(ctx context.Context, req *ModerationRequest) (map[string]any, error)
}

// BatchAPI covers the OpenAI batches surface; requests and responses stay
// generic JSON since the gateway only relays them.
type BatchAPI interface {
	CreateBatch(ctx context.Context, body map[string]any) (map[string]any, error)
	RetrieveBatch(ctx context.Context, id string) (map[string]any, error)
	CancelBatch(ctx context.Context, id string) (map[string]any, error)
	ListBatches(ctx context.Context) (map[string]any, error)
}

// FileAPI covers the OpenAI files surface.
type FileAPI interface {
	UploadFile(ctx context.Context, filename, purpose string, content []byte) (map[string]any, error)
	ListFiles(ctx context.Context) (map[string]any, error)
	RetrieveFile(ctx context.Context, id string) (map[string]any, error)
	DeleteFile(ctx context.Context, id string) (map[string]any, error)
	DownloadFileContent(ctx context.Context, id string) ([]byte, string, error)
}

// HistoryCompactor handles /v1/responses compaction requests.
type HistoryCompactor interface {
	CompactResponsesHistory(ctx context.Context, body map[string]any) (map[string]any, error)
}

// NewModel builds the adapter selected by cfg.Provider.
func NewModel(cfg config.BackendConfig, logger *zap.Logger) (Model, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case "anthropic":
		return newAnthropicModel(cfg, logger), nil
	case "google":
		return newGoogleModel(cfg, logger), nil
	default:
		return nil, fmt.Errorf("translate: unknown provider %q", cfg.Provider)
	}
}

// newProviderHTTPClient builds the hardened client the adapters share.
// Only the header round trip is timed; streamed bodies stay open as long
// as the provider produces chunks.
func newProviderHTTPClient(headerTimeout time.Duration) *http.Client {
	transport := tlsutil.SecureTransport()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

// providerOption reads a string option from provider_config.
func providerOption(cfg config.BackendConfig, key, fallback string) string {
	if v, ok := cfg.ProviderConfig[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
