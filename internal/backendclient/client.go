// Package backendclient owns the HTTP path to one upstream backend: its
// base URL, the headers and query parameters injected on every request,
// the per-backend in-flight cap, and the request timeout. Responses are
// returned unread so the caller decides between buffering and streaming.
package backendclient

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ditto-gateway/gateway/config"
	"github.com/ditto-gateway/gateway/internal/tlsutil"
)

// Permit is a held in-flight slot. Release is idempotent and must be
// called on every path, including stream teardown.
type Permit struct {
	once sync.Once
	sem  *semaphore.Weighted
}

func (p *Permit) Release() {
	if p == nil || p.sem == nil {
		return
	}
	p.once.Do(func() { p.sem.Release(1) })
}

// Client issues requests to a single named backend.
type Client struct {
	cfg    config.BackendConfig
	http   *http.Client
	sem    *semaphore.Weighted
	logger *zap.Logger
}

// New builds a Client for one backend. The header timeout covers the
// round trip up to response headers; streaming bodies are never timed,
// the upstream may hold the connection open as long as it produces chunks.
func New(cfg config.BackendConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxInFlight := int64(cfg.MaxInFlight)
	if maxInFlight <= 0 {
		maxInFlight = 256
	}
	transport := tlsutil.SecureTransport()
	transport.MaxIdleConnsPerHost = 32
	transport.ResponseHeaderTimeout = timeout
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Transport: transport},
		sem:    semaphore.NewWeighted(maxInFlight),
		logger: logger.With(zap.String("backend", cfg.Name)),
	}
}

func (c *Client) Name() string { return c.cfg.Name }

// Config returns the backend's configuration (model map, provider).
func (c *Client) Config() config.BackendConfig { return c.cfg }

// IsTranslation reports whether this backend dispatches to a
// provider-native adapter instead of a raw HTTP proxy.
func (c *Client) IsTranslation() bool { return c.cfg.Provider != "" }

// TryAcquire takes an in-flight permit without blocking. A nil permit
// with ok == false means the backend is at capacity.
func (c *Client) TryAcquire() (*Permit, bool) {
	if !c.sem.TryAcquire(1) {
		return nil, false
	}
	return &Permit{sem: c.sem}, true
}

// MapModel applies the backend's model_map, returning the input when
// unmapped.
func (c *Client) MapModel(model string) string {
	if mapped, ok := c.cfg.ModelMap[model]; ok {
		return mapped
	}
	return model
}

// Do sends one request upstream. header is used as-is (the proxy layer
// sanitizes hop-by-hop and credential headers before calling); the
// backend's configured headers override same-named entries, and its query
// parameters are merged into the target URL.
func (c *Client) Do(ctx context.Context, method, path string, header http.Header, body []byte) (*http.Response, error) {
	target, err := c.buildURL(path)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backendclient: build request: %w", err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(body))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backendclient: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) buildURL(path string) (string, error) {
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	u, err := url.Parse(base + path)
	if err != nil {
		return "", fmt.Errorf("backendclient: bad url %q: %w", base+path, err)
	}
	if len(c.cfg.QueryParams) > 0 {
		q := u.Query()
		for k, v := range c.cfg.QueryParams {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Registry resolves backend names to clients. Rebuilt on hot-reload.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

func NewRegistry(backends []config.BackendConfig, logger *zap.Logger) *Registry {
	r := &Registry{logger: logger}
	r.Reload(backends)
	return r
}

func (r *Registry) Reload(backends []config.BackendConfig) {
	clients := make(map[string]*Client, len(backends))
	for _, b := range backends {
		clients[b.Name] = New(b, r.logger)
	}
	r.mu.Lock()
	r.clients = clients
	r.mu.Unlock()
}

// Get returns the named client, or ok == false when the configuration
// lost the backend between planning and dispatch.
func (r *Registry) Get(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// Names lists the registered backends, for the admin and health surfaces.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	return out
}
