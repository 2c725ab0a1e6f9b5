// Package authn resolves the caller credential presented on a proxied
// request into a virtual key and its applicable budget/limit/guardrail
// scopes, in the fixed order key -> tenant -> project -> user.
package authn

import (
	"net/http"
	"strings"
	"sync"

	"github.com/ditto-gateway/gateway/config"
	"github.com/ditto-gateway/gateway/internal/gwerr"
)

// Identity is the resolved caller for an authenticated request.
type Identity struct {
	Key       config.VirtualKey
	Anonymous bool
}

// Scope is one quota subject a request must clear, in check order.
type Scope struct {
	// Ref is the scope identifier: "tenant:<id>", "project:<id>",
	// "user:<id>", or the bare virtual-key id.
	Ref        string
	Budget     config.BudgetConfig
	Limits     config.LimitsConfig
	Guardrails config.GuardrailsConfig
}

// Registry holds the configured virtual keys and resolves credentials
// against them. It is rebuilt wholesale on config hot-reload.
type Registry struct {
	mu   sync.RWMutex
	byToken map[string]config.VirtualKey
}

func NewRegistry(keys []config.VirtualKey) *Registry {
	r := &Registry{byToken: make(map[string]config.VirtualKey, len(keys))}
	r.Reload(keys)
	return r
}

func (r *Registry) Reload(keys []config.VirtualKey) {
	byToken := make(map[string]config.VirtualKey, len(keys))
	for _, k := range keys {
		byToken[k.Token] = k
	}
	r.mu.Lock()
	r.byToken = byToken
	r.mu.Unlock()
}

// Enabled reports whether any virtual keys are configured. When it is
// false, incoming requests are anonymous and the caller's Authorization
// header is forwarded upstream unchanged.
func (r *Registry) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken) > 0
}

// ExtractCredential pulls the caller token from, in order, Authorization:
// Bearer, X-Ditto-Virtual-Key, or X-API-Key.
func ExtractCredential(h http.Header) (string, bool) {
	if auth := h.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok && tok != "" {
			return tok, true
		}
	}
	if v := h.Get("X-Ditto-Virtual-Key"); v != "" {
		return v, true
	}
	if v := h.Get("X-API-Key"); v != "" {
		return v, true
	}
	return "", false
}

// Authenticate resolves the request's credential into an Identity. If no
// virtual keys are configured the caller is anonymous.
func (r *Registry) Authenticate(h http.Header) (Identity, error) {
	if !r.Enabled() {
		return Identity{Anonymous: true}, nil
	}

	token, ok := ExtractCredential(h)
	if !ok {
		return Identity{}, gwerr.Unauthorized("missing credential")
	}

	r.mu.RLock()
	key, found := r.byToken[token]
	r.mu.RUnlock()

	if !found {
		return Identity{}, gwerr.Unauthorized("unknown credential")
	}
	if !key.Enabled {
		return Identity{}, gwerr.Unauthorized("credential disabled")
	}
	return Identity{Key: key}, nil
}

// Scopes assembles the ordered scope list (key -> tenant -> project ->
// user) for an identity. Every scope carries the key's own budget,
// limits and guardrails; there are no per-scope overrides.
func Scopes(id Identity) []Scope {
	if id.Anonymous {
		return nil
	}
	k := id.Key
	scopes := []Scope{{
		Ref:        k.ID,
		Budget:     k.Budget,
		Limits:     k.Limits,
		Guardrails: k.Guardrails,
	}}
	if k.TenantID != "" {
		scopes = append(scopes, Scope{Ref: "tenant:" + k.TenantID, Budget: k.Budget, Limits: k.Limits, Guardrails: k.Guardrails})
	}
	if k.ProjectID != "" {
		scopes = append(scopes, Scope{Ref: "project:" + k.ProjectID, Budget: k.Budget, Limits: k.Limits, Guardrails: k.Guardrails})
	}
	if k.UserID != "" {
		scopes = append(scopes, Scope{Ref: "user:" + k.UserID, Budget: k.Budget, Limits: k.Limits, Guardrails: k.Guardrails})
	}
	return scopes
}
