package config

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileWatcher_NewFileWatcher(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "config.yaml")
	err := os.WriteFile(tmpFile, []byte("test: value"), 0644)
	require.NoError(t, err)

	watcher, err := NewFileWatcher([]string{tmpFile})
	require.NoError(t, err)
	assert.NotNil(t, watcher)
	assert.Equal(t, []string{tmpFile}, watcher.Paths())
}

func TestFileWatcher_StartStop(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "config.yaml")
	err := os.WriteFile(tmpFile, []byte("test: value"), 0644)
	require.NoError(t, err)

	watcher, err := NewFileWatcher([]string{tmpFile})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = watcher.Start(ctx)
	require.NoError(t, err)
	assert.True(t, watcher.IsRunning())

	err = watcher.Stop()
	require.NoError(t, err)
	assert.False(t, watcher.IsRunning())
}

func TestFileWatcher_DetectsChanges(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "config.yaml")
	err := os.WriteFile(tmpFile, []byte("test: value1"), 0644)
	require.NoError(t, err)

	watcher, err := NewFileWatcher(
		[]string{tmpFile},
		WithDebounceDelay(50*time.Millisecond),
	)
	require.NoError(t, err)

	var events []FileEvent
	watcher.OnChange(func(event FileEvent) {
		events = append(events, event)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = watcher.Start(ctx)
	require.NoError(t, err)
	defer watcher.Stop()

	time.Sleep(100 * time.Millisecond)

	err = os.WriteFile(tmpFile, []byte("test: value2"), 0644)
	require.NoError(t, err)

	time.Sleep(2 * time.Second)

	assert.GreaterOrEqual(t, len(events), 1)
	if len(events) > 0 {
		assert.Equal(t, tmpFile, events[0].Path)
		assert.Equal(t, FileOpWrite, events[0].Op)
	}
}

func TestFileOp_String(t *testing.T) {
	tests := []struct {
		op       FileOp
		expected string
	}{
		{FileOpCreate, "CREATE"},
		{FileOpWrite, "WRITE"},
		{FileOpRemove, "REMOVE"},
		{FileOpRename, "RENAME"},
		{FileOpChmod, "CHMOD"},
		{FileOp(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.op.String())
		})
	}
}

func TestHotReloadManager_NewHotReloadManager(t *testing.T) {
	cfg := DefaultConfig()
	manager := NewHotReloadManager(cfg)

	assert.NotNil(t, manager)
	assert.Equal(t, cfg, manager.GetConfig())
}

func TestHotReloadManager_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	manager := NewHotReloadManager(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := manager.Start(ctx)
	require.NoError(t, err)

	err = manager.Stop()
	require.NoError(t, err)
}

func TestHotReloadManager_UpdateField(t *testing.T) {
	cfg := DefaultConfig()
	manager := NewHotReloadManager(cfg)

	err := manager.UpdateField("Log.Level", "debug")
	require.NoError(t, err)

	assert.Equal(t, "debug", manager.GetConfig().Log.Level)

	changes := manager.GetChangeLog(10)
	assert.GreaterOrEqual(t, len(changes), 1)
}

func TestHotReloadManager_UpdateField_Unknown(t *testing.T) {
	cfg := DefaultConfig()
	manager := NewHotReloadManager(cfg)

	err := manager.UpdateField("Unknown.Field", "value")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown configuration field")
}

func TestHotReloadManager_SanitizedConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Password = "secret123"
	cfg.AdminToken = "admin-secret-token"

	manager := NewHotReloadManager(cfg)
	sanitized := manager.SanitizedConfig()

	if db, ok := sanitized["Database"].(map[string]interface{}); ok {
		assert.Equal(t, "[REDACTED]", db["Password"])
	} else if db, ok := sanitized["database"].(map[string]interface{}); ok {
		assert.Equal(t, "[REDACTED]", db["password"])
	} else {
		assert.NotNil(t, sanitized)
	}
}

func TestHotReloadManager_OnChange(t *testing.T) {
	cfg := DefaultConfig()
	manager := NewHotReloadManager(cfg)

	var receivedChanges []ConfigChange
	manager.OnChange(func(change ConfigChange) {
		receivedChanges = append(receivedChanges, change)
	})

	err := manager.UpdateField("Log.Level", "warn")
	require.NoError(t, err)

	assert.Len(t, receivedChanges, 1)
	assert.Equal(t, "Log.Level", receivedChanges[0].Path)
	assert.Equal(t, "api", receivedChanges[0].Source)
}

func TestHotReloadManager_ReloadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "config.yaml")

	initialConfig := `
server:
  http_port: 8080
log:
  level: info
retry:
  max_attempts: 4
`
	err := os.WriteFile(tmpFile, []byte(initialConfig), 0644)
	require.NoError(t, err)

	cfg := DefaultConfig()
	manager := NewHotReloadManager(cfg, WithConfigPath(tmpFile))

	err = manager.ReloadFromFile()
	require.NoError(t, err)

	assert.Equal(t, "info", manager.GetConfig().Log.Level)
	assert.Equal(t, 4, manager.GetConfig().Retry.MaxAttempts)
}

func TestHotReloadManager_ApplyConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "info"

	manager := NewHotReloadManager(cfg)

	var reloadCalled bool
	manager.OnReload(func(oldConfig, newConfig *Config) {
		reloadCalled = true
		assert.Equal(t, "info", oldConfig.Log.Level)
		assert.Equal(t, "debug", newConfig.Log.Level)
	})

	newCfg := DefaultConfig()
	newCfg.Log.Level = "debug"

	err := manager.ApplyConfig(newCfg, "test")
	require.NoError(t, err)

	assert.True(t, reloadCalled)
	assert.Equal(t, "debug", manager.GetConfig().Log.Level)
}

func TestGetHotReloadableFields(t *testing.T) {
	fields := GetHotReloadableFields()

	assert.NotEmpty(t, fields)
	assert.Contains(t, fields, "Log.Level")
	assert.Contains(t, fields, "Retry.MaxAttempts")
	assert.Contains(t, fields, "Server.HTTPPort")
}

func TestIsHotReloadable(t *testing.T) {
	assert.True(t, IsHotReloadable("Log.Level"))
	assert.False(t, IsHotReloadable("Server.HTTPPort"))
	assert.False(t, IsHotReloadable("Unknown.Field"))
}

func TestConfigAPIHandler_GetConfig(t *testing.T) {
	cfg := DefaultConfig()
	manager := NewHotReloadManager(cfg)
	handler := NewConfigAPIHandler(manager)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	w := httptest.NewRecorder()

	handler.handleConfig(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp ConfigResponse
	err := json.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Config)
}

func TestConfigAPIHandler_UpdateConfig(t *testing.T) {
	cfg := DefaultConfig()
	manager := NewHotReloadManager(cfg)
	handler := NewConfigAPIHandler(manager)

	body := `{"updates": {"Log.Level": "debug"}}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/config", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.handleConfig(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp ConfigResponse
	err := json.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "debug", manager.GetConfig().Log.Level)
}

func TestConfigAPIHandler_UpdateConfig_InvalidField(t *testing.T) {
	cfg := DefaultConfig()
	manager := NewHotReloadManager(cfg)
	handler := NewConfigAPIHandler(manager)

	body := `{"updates": {"Invalid.Field": "value"}}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/config", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.handleConfig(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp ConfigResponse
	err := json.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "Unknown field")
}

func TestConfigAPIHandler_Reload(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_port: 8080
log:
  level: warn
`
	err := os.WriteFile(tmpFile, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg := DefaultConfig()
	manager := NewHotReloadManager(cfg, WithConfigPath(tmpFile))
	handler := NewConfigAPIHandler(manager)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/config/reload", nil)
	w := httptest.NewRecorder()

	handler.handleReload(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp ConfigResponse
	err = json.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)

	assert.True(t, resp.Success)
}

func TestConfigAPIHandler_GetFields(t *testing.T) {
	cfg := DefaultConfig()
	manager := NewHotReloadManager(cfg)
	handler := NewConfigAPIHandler(manager)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config/fields", nil)
	w := httptest.NewRecorder()

	handler.handleFields(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp ConfigResponse
	err := json.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Fields)
}

func TestConfigAPIHandler_GetChanges(t *testing.T) {
	cfg := DefaultConfig()
	manager := NewHotReloadManager(cfg)
	handler := NewConfigAPIHandler(manager)

	manager.UpdateField("Log.Level", "debug")
	manager.UpdateField("Retry.MaxAttempts", 5)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config/changes?limit=10", nil)
	w := httptest.NewRecorder()

	handler.handleChanges(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp ConfigResponse
	err := json.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.GreaterOrEqual(t, len(resp.Changes), 2)
}

func TestConfigAPIHandler_MethodNotAllowed(t *testing.T) {
	cfg := DefaultConfig()
	manager := NewHotReloadManager(cfg)
	handler := NewConfigAPIHandler(manager)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/config", nil)
	w := httptest.NewRecorder()

	handler.handleConfig(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestConfigAPIMiddleware_RequireAuth(t *testing.T) {
	cfg := DefaultConfig()
	manager := NewHotReloadManager(cfg)
	handler := NewConfigAPIHandler(manager)
	middleware := NewConfigAPIMiddleware(handler, "test-api-key")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	w := httptest.NewRecorder()

	wrappedHandler := middleware.RequireAuth(handler.getConfig)
	wrappedHandler(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	req.Header.Set("X-API-Key", "test-api-key")
	w = httptest.NewRecorder()

	wrappedHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConfigAPIMiddleware_RequireAuth_QueryParam(t *testing.T) {
	cfg := DefaultConfig()
	manager := NewHotReloadManager(cfg)
	handler := NewConfigAPIHandler(manager)
	middleware := NewConfigAPIMiddleware(handler, "test-api-key")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config?api_key=test-api-key", nil)
	w := httptest.NewRecorder()

	wrappedHandler := middleware.RequireAuth(handler.getConfig)
	wrappedHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRedactSensitiveFields(t *testing.T) {
	data := map[string]interface{}{
		"host":     "localhost",
		"password": "secret123",
		"api_key":  "sk-test",
		"nested": map[string]interface{}{
			"token":  "bearer-token",
			"normal": "value",
		},
	}

	redactSensitiveFields(data, "")

	assert.Equal(t, "localhost", data["host"])
	assert.Equal(t, "[REDACTED]", data["password"])
	assert.Equal(t, "[REDACTED]", data["api_key"])

	nested := data["nested"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", nested["token"])
	assert.Equal(t, "value", nested["normal"])
}

func TestHotReload_Integration(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "config.yaml")

	initialConfig := `
server:
  http_port: 8080
log:
  level: info
retry:
  max_attempts: 3
`
	err := os.WriteFile(tmpFile, []byte(initialConfig), 0644)
	require.NoError(t, err)

	cfg := DefaultConfig()
	logger, _ := zap.NewDevelopment()
	manager := NewHotReloadManager(cfg,
		WithConfigPath(tmpFile),
		WithHotReloadLogger(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = manager.Start(ctx)
	require.NoError(t, err)
	defer manager.Stop()

	var changes []ConfigChange
	manager.OnChange(func(change ConfigChange) {
		changes = append(changes, change)
	})

	updatedConfig := `
server:
  http_port: 8080
log:
  level: debug
retry:
  max_attempts: 5
`
	time.Sleep(500 * time.Millisecond)

	err = os.WriteFile(tmpFile, []byte(updatedConfig), 0644)
	require.NoError(t, err)

	time.Sleep(4 * time.Second)

	t.Logf("Detected %d changes", len(changes))
}
