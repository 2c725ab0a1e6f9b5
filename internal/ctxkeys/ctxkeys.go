// Package ctxkeys carries per-request identifiers through context without
// leaking the key type to callers.
package ctxkeys

import "context"

type contextKey string

const (
	requestIDKey    contextKey = "request_id"
	virtualKeyIDKey contextKey = "virtual_key_id"
	backendKey      contextKey = "backend"
)

// WithRequestID stores the request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request id, if set.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithVirtualKeyID stores the authenticated key's id.
func WithVirtualKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, virtualKeyIDKey, id)
}

// VirtualKeyID returns the authenticated key's id, if set.
func VirtualKeyID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(virtualKeyIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithBackend stores the backend chosen for the current attempt.
func WithBackend(ctx context.Context, backend string) context.Context {
	return context.WithValue(ctx, backendKey, backend)
}

// Backend returns the backend chosen for the current attempt, if set.
func Backend(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(backendKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
