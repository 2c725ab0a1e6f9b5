package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), Recovery(zap.NewNop()))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAdminAuth(t *testing.T) {
	h := AdminAuth("root-secret", zap.NewNop())(okHandler())

	// missing token
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/config", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// static token
	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	req.Header.Set("X-Admin-Token", "root-secret")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// HS256 JWT signed with the admin secret
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("root-secret"))
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	req.Header.Set("X-Admin-Token", signed)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// JWT with the wrong secret
	badToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).
		SignedString([]byte("other"))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	req.Header.Set("X-Admin-Token", badToken)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// admin plane disabled entirely
	disabled := AdminAuth("", zap.NewNop())(okHandler())
	w = httptest.NewRecorder()
	disabled.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/config", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestIPRateLimiterSkipsHealth(t *testing.T) {
	ctx := t.Context()
	h := IPRateLimiter(ctx, 1, 1, []string{"/health"}, zap.NewNop())(okHandler())

	hit := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, hit("/v1/chat/completions"))
	assert.Equal(t, http.StatusTooManyRequests, hit("/v1/chat/completions"))
	// health endpoints bypass the limiter
	assert.Equal(t, http.StatusOK, hit("/health"))
}
