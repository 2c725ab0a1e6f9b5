package backendclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/config"
)

func TestDoInjectsHeadersAndQuery(t *testing.T) {
	var gotAuth, gotQuery, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("api-version")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"ok"}`))
	}))
	defer upstream.Close()

	c := New(config.BackendConfig{
		Name:        "primary",
		BaseURL:     upstream.URL,
		Headers:     map[string]string{"Authorization": "Bearer sk-test"},
		QueryParams: map[string]string{"api-version": "2024-06-01"},
	}, zap.NewNop())

	header := http.Header{"Authorization": {"Bearer vk-1"}, "Content-Type": {"application/json"}}
	resp, err := c.Do(context.Background(), http.MethodPost, "/v1/chat/completions", header, []byte(`{"model":"m"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer sk-test", gotAuth, "backend headers override caller headers")
	assert.Equal(t, "2024-06-01", gotQuery)
	assert.Equal(t, `{"model":"m"}`, gotBody)
}

func TestTryAcquireBoundsInFlight(t *testing.T) {
	c := New(config.BackendConfig{Name: "p", BaseURL: "http://unused", MaxInFlight: 1}, zap.NewNop())

	p1, ok := c.TryAcquire()
	require.True(t, ok)

	_, ok = c.TryAcquire()
	assert.False(t, ok, "second concurrent request must be denied")

	p1.Release()
	p2, ok := c.TryAcquire()
	assert.True(t, ok, "released permit is reusable")
	p2.Release()
	p2.Release() // idempotent

	p3, ok := c.TryAcquire()
	require.True(t, ok)
	p3.Release()
}

func TestMapModel(t *testing.T) {
	c := New(config.BackendConfig{
		Name:     "p",
		BaseURL:  "http://unused",
		ModelMap: map[string]string{"gpt-4o-mini": "mapped-model"},
	}, zap.NewNop())

	assert.Equal(t, "mapped-model", c.MapModel("gpt-4o-mini"))
	assert.Equal(t, "unmapped", c.MapModel("unmapped"))
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry([]config.BackendConfig{
		{Name: "a", BaseURL: "http://a"},
		{Name: "b", BaseURL: "http://b", Provider: "anthropic"},
	}, zap.NewNop())

	a, ok := r.Get("a")
	require.True(t, ok)
	assert.False(t, a.IsTranslation())

	b, ok := r.Get("b")
	require.True(t, ok)
	assert.True(t, b.IsTranslation())

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
}
