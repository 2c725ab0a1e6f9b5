// Package gwerr defines the gateway's error taxonomy and its mapping onto
// HTTP status codes and OpenAI-style error bodies.
package gwerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a gateway error kind, independent of transport.
type Code string

const (
	CodeUnauthorized               Code = "unauthorized"
	CodeGuardrailRejected          Code = "guardrail_rejected"
	CodeRateLimited                Code = "rate_limited"
	CodeBudgetExceeded             Code = "budget_exceeded"
	CodeCostBudgetExceeded         Code = "cost_budget_exceeded"
	CodeCostBudgetUnsupported      Code = "cost_budget_unsupported_endpoint"
	CodePricingNotConfigured       Code = "pricing_not_configured"
	CodeInvalidRequest             Code = "invalid_request"
	CodeBackendNotFound            Code = "backend_not_found"
	CodeModelNotFound              Code = "model_not_found"
	CodeBackendRateLimited         Code = "backend_rate_limited"
	CodeBackendError               Code = "backend_error"
	CodeStorageError               Code = "storage_error"
	CodeRequestTooLarge            Code = "request_too_large"
	CodeUnsupportedEndpoint        Code = "unsupported_endpoint"
	CodeNoServers                  Code = "no_servers"
)

// Error is the gateway's uniform error type. It carries enough
// information to render both the JSON error body and the HTTP status
// without the caller re-deriving either.
type Error struct {
	Code      Code
	Category  string // OpenAI-style top-level error type, e.g. "invalid_request_error"
	Status    int
	Message   string
	Retryable bool
	Err       error // wrapped transport/storage cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus reports the status code this error should render as.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

func new(code Code, category string, status int, retryable bool, msg string, cause error) *Error {
	return &Error{Code: code, Category: category, Status: status, Message: msg, Retryable: retryable, Err: cause}
}

func Unauthorized(msg string) *Error {
	return new(CodeUnauthorized, "authentication_error", http.StatusUnauthorized, false, msg, nil)
}

func GuardrailRejected(msg string) *Error {
	return new(CodeGuardrailRejected, "policy_error", http.StatusForbidden, false, msg, nil)
}

func RateLimited(msg string) *Error {
	return new(CodeRateLimited, "rate_limited", http.StatusTooManyRequests, false, msg, nil)
}

func BudgetExceeded(limit, attempted uint64) *Error {
	return new(CodeBudgetExceeded, "invalid_request_error", http.StatusPaymentRequired, false,
		fmt.Sprintf("token budget exceeded: limit=%d attempted=%d", limit, attempted), nil)
}

func CostBudgetExceeded(limitUSDMicros, attemptedUSDMicros uint64) *Error {
	return new(CodeCostBudgetExceeded, "invalid_request_error", http.StatusPaymentRequired, false,
		fmt.Sprintf("cost budget exceeded: limit=%d attempted=%d", limitUSDMicros, attemptedUSDMicros), nil)
}

func CostBudgetUnsupportedEndpoint() *Error {
	return new(CodeCostBudgetUnsupported, "invalid_request_error", http.StatusPaymentRequired, false,
		"cost budgets are not supported for this endpoint", nil)
}

func PricingNotConfigured(model string) *Error {
	return new(CodePricingNotConfigured, "api_error", http.StatusInternalServerError, false,
		fmt.Sprintf("no pricing configured for model %q", model), nil)
}

func InvalidRequest(msg string) *Error {
	return new(CodeInvalidRequest, "invalid_request_error", http.StatusBadRequest, false, msg, nil)
}

func BackendNotFound(name string) *Error {
	return new(CodeBackendNotFound, "invalid_request_error", http.StatusNotFound, false,
		fmt.Sprintf("backend not found: %s", name), nil)
}

func ModelNotFound(model string) *Error {
	return new(CodeModelNotFound, "invalid_request_error", http.StatusNotFound, false,
		fmt.Sprintf("model not found: %s", model), nil)
}

func BackendRateLimited(backend string) *Error {
	return new(CodeBackendRateLimited, "rate_limited", http.StatusTooManyRequests, true,
		fmt.Sprintf("backend at capacity: %s", backend), nil)
}

// Backend wraps an upstream transport/decode failure. status is the
// upstream's observed status if any (0 if a transport error).
func Backend(status int, msg string, cause error) *Error {
	retryable := status == 0 || status >= 500 || status == http.StatusTooManyRequests
	return new(CodeBackendError, "api_error", http.StatusBadGateway, retryable, msg, cause)
}

func Storage(cause error) *Error {
	return new(CodeStorageError, "api_error", http.StatusInternalServerError, false, "storage failure", cause)
}

func RequestTooLarge(maxBytes int64) *Error {
	return new(CodeRequestTooLarge, "invalid_request_error", http.StatusRequestEntityTooLarge, false,
		fmt.Sprintf("request body exceeds %d bytes", maxBytes), nil)
}

func UnsupportedEndpoint(method, path string) *Error {
	return new(CodeUnsupportedEndpoint, "invalid_request_error", http.StatusNotImplemented, false,
		fmt.Sprintf("unsupported endpoint: %s %s", method, path), nil)
}

func NoServers() *Error {
	return new(CodeNoServers, "invalid_request_error", http.StatusBadRequest, false, "no MCP servers selected", nil)
}

// As extracts a *Error from err, if any is in its chain.
func As(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Body is the OpenAI-compatible JSON error envelope.
type Body struct {
	Error BodyDetail `json:"error"`
}

type BodyDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ToBody renders the OpenAI-style error envelope for this error.
func (e *Error) ToBody() Body {
	return Body{Error: BodyDetail{Message: e.Message, Type: e.Category, Code: string(e.Code)}}
}
