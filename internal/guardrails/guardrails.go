// Package guardrails implements the admission content checks: model
// allow/deny glob matching, input-token ceilings, text regex filters, and
// per-endpoint JSON/multipart schema validation.
package guardrails

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"path"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ditto-gateway/gateway/config"
	"github.com/ditto-gateway/gateway/internal/gwerr"
)

// Checker evaluates a GuardrailsConfig against a request, compiling its
// regexes once and caching the compiled form by config identity.
type Checker struct {
	mu    sync.Mutex
	cache map[*config.GuardrailsConfig][]*regexp.Regexp
}

func NewChecker() *Checker {
	return &Checker{cache: make(map[*config.GuardrailsConfig][]*regexp.Regexp)}
}

// CheckModel applies the allow/deny glob lists; deny wins on overlap.
func CheckModel(g config.GuardrailsConfig, model string) error {
	for _, pattern := range g.DenyModels {
		if matched, _ := path.Match(pattern, model); matched {
			return gwerr.GuardrailRejected(fmt.Sprintf("model %q is denied by pattern %q", model, pattern))
		}
	}
	if len(g.AllowModels) == 0 {
		return nil
	}
	for _, pattern := range g.AllowModels {
		if matched, _ := path.Match(pattern, model); matched {
			return nil
		}
	}
	return gwerr.GuardrailRejected(fmt.Sprintf("model %q is not in the allow list", model))
}

// CheckInputTokens enforces the per-scope input-token ceiling.
func CheckInputTokens(g config.GuardrailsConfig, inputTokens int) error {
	if g.MaxInputTokens > 0 && inputTokens > g.MaxInputTokens {
		return gwerr.GuardrailRejected(fmt.Sprintf("input tokens %d exceed max_input_tokens %d", inputTokens, g.MaxInputTokens))
	}
	return nil
}

// CheckBannedText scans the raw request body against every banned
// regex. Non-UTF-8 bodies are skipped: the patterns are text patterns.
func (c *Checker) CheckBannedText(g *config.GuardrailsConfig, body []byte) error {
	if g == nil || len(g.BannedRegexes) == 0 {
		return nil
	}
	if !utf8.Valid(body) {
		return nil
	}
	for _, re := range c.compiled(g) {
		if re.Match(body) {
			return gwerr.GuardrailRejected(fmt.Sprintf("body matches banned pattern %q", re.String()))
		}
	}
	return nil
}

func (c *Checker) compiled(g *config.GuardrailsConfig) []*regexp.Regexp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res, ok := c.cache[g]; ok {
		return res
	}
	res := make([]*regexp.Regexp, 0, len(g.BannedRegexes))
	for _, pattern := range g.BannedRegexes {
		if re, err := regexp.Compile(pattern); err == nil {
			res = append(res, re)
		}
	}
	c.cache[g] = res
	return res
}

// ValidateSchema enforces the per-endpoint body requirements
// for JSON requests. Multipart endpoints are validated by the caller
// before the body is consumed, since they are streamed rather than
// buffered into a json.RawMessage here.
func ValidateSchema(routePath string, body map[string]any) error {
	switch routePath {
	case "/v1/chat/completions":
		if !isNonEmptyString(body["model"]) {
			return invalidf("model is required")
		}
		messages, ok := body["messages"].([]any)
		if !ok || len(messages) == 0 {
			return invalidf("messages must be a non-empty array")
		}
		for _, m := range messages {
			msg, ok := m.(map[string]any)
			if !ok {
				return invalidf("each message must be an object")
			}
			role, _ := msg["role"].(string)
			switch role {
			case "system", "user", "assistant", "tool", "developer":
			default:
				return invalidf("invalid message role %q", role)
			}
		}
	case "/v1/completions":
		if !isNonEmptyString(body["model"]) {
			return invalidf("model is required")
		}
		if _, unsupported := body["suffix"]; unsupported {
			return invalidf("suffix is not supported")
		}
		switch p := body["prompt"].(type) {
		case string:
		case []any:
			if len(p) != 1 {
				return invalidf("prompt array must have length 1")
			}
		default:
			return invalidf("prompt must be a string or single-element array")
		}
	case "/v1/responses":
		if !isNonEmptyString(body["model"]) {
			return invalidf("model is required")
		}
		if body["input"] == nil {
			return invalidf("input must not be null")
		}
	case "/v1/embeddings":
		if !isNonEmptyString(body["model"]) {
			return invalidf("model is required")
		}
		switch body["input"].(type) {
		case string, []any:
		default:
			return invalidf("input must be a string or array of strings")
		}
		if ef, ok := body["encoding_format"]; ok {
			if s, _ := ef.(string); s != "" && s != "float" {
				return invalidf("unsupported encoding_format %q", s)
			}
		}
	case "/v1/moderations":
		if !isNonEmptyString(body["model"]) {
			return invalidf("model is required")
		}
		if body["input"] == nil {
			return invalidf("input is required")
		}
	case "/v1/rerank":
		if !isNonEmptyString(body["model"]) {
			return invalidf("model is required")
		}
		if !isNonEmptyString(body["query"]) {
			return invalidf("query is required")
		}
		if _, ok := body["documents"].([]any); !ok {
			return invalidf("documents must be an array")
		}
	case "/v1/batches":
		for _, f := range []string{"input_file_id", "endpoint", "completion_window"} {
			if !isNonEmptyString(body[f]) {
				return invalidf("%s is required", f)
			}
		}
	case "/v1/images/generations":
		if !isNonEmptyString(body["model"]) {
			return invalidf("model is required")
		}
		if !isNonEmptyString(body["prompt"]) {
			return invalidf("prompt is required")
		}
	}
	return nil
}

func isNonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && s != ""
}

func invalidf(format string, args ...any) error {
	return gwerr.InvalidRequest(fmt.Sprintf(format, args...))
}

// ValidateMultipart enforces the multipart endpoints' required fields:
// transcriptions need file and model, file uploads need file and purpose.
func ValidateMultipart(routePath, contentType string, body []byte) error {
	var required []string
	switch routePath {
	case "/v1/audio/transcriptions":
		required = []string{"file", "model"}
	case "/v1/files":
		required = []string{"file", "purpose"}
	default:
		return nil
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return invalidf("expected multipart/form-data body")
	}
	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])

	seen := map[string]bool{}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return invalidf("malformed multipart body: %v", err)
		}
		seen[part.FormName()] = true
		part.Close()
	}
	for _, field := range required {
		if !seen[field] {
			return invalidf("multipart field %q is required", field)
		}
	}
	return nil
}

// ParseJSONBody decodes a request body into a generic map for schema
// validation: a permissive decode into a generic JSON value.
func ParseJSONBody(body []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, gwerr.InvalidRequest("malformed JSON body: " + err.Error())
	}
	return out, nil
}
