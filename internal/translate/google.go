package translate

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// The Google generateContent dialect. Roles are user/model, tool calls
// travel as functionCall parts and tool results as functionResponse
// parts, and the system turn lives in systemInstruction.

type googlePart struct {
	Text         string `json:"text,omitempty"`
	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args,omitempty"`
	} `json:"functionCall,omitempty"`
	FunctionResponse *struct {
		Name     string         `json:"name"`
		Response map[string]any `json:"response,omitempty"`
	} `json:"functionResponse,omitempty"`
	InlineData *struct {
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	} `json:"inlineData,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleRequest struct {
	Contents          []googleContent `json:"contents"`
	SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *struct {
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		Temperature     *float64 `json:"temperature,omitempty"`
		TopP            *float64 `json:"topP,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	} `json:"generationConfig,omitempty"`
	Tools []struct {
		FunctionDeclarations []struct {
			Name        string          `json:"name"`
			Description string          `json:"description,omitempty"`
			Parameters  json.RawMessage `json:"parameters,omitempty"`
		} `json:"functionDeclarations"`
	} `json:"tools,omitempty"`
}

type googleUsage struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount,omitempty"`
}

type googleResponse struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
	UsageMetadata *googleUsage `json:"usageMetadata,omitempty"`
	ModelVersion  string       `json:"modelVersion,omitempty"`
}

func googleFinishToNormalized(reason string, hasToolCalls bool) FinishReason {
	if hasToolCalls {
		return FinishToolCalls
	}
	switch reason {
	case "MAX_TOKENS":
		return FinishLength
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return FinishContentFilter
	default: // STOP and unrecognized values
		return FinishStop
	}
}

// EncodeGoogleRequest renders the normalized request as a
// models/<model>:generateContent body.
func EncodeGoogleRequest(req *GenerateRequest) ([]byte, error) {
	wire := googleRequest{}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem, RoleDeveloper:
			if wire.SystemInstruction == nil {
				wire.SystemInstruction = &googleContent{}
			}
			wire.SystemInstruction.Parts = append(wire.SystemInstruction.Parts, googlePart{Text: m.Text()})
			continue
		case RoleTool:
			part := googlePart{}
			part.FunctionResponse = &struct {
				Name     string         `json:"name"`
				Response map[string]any `json:"response,omitempty"`
			}{
				Name:     firstNonEmpty(m.Name, m.ToolCallID),
				Response: map[string]any{"result": m.Text()},
			}
			wire.Contents = append(wire.Contents, googleContent{Role: "user", Parts: []googlePart{part}})
			continue
		}

		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		content := googleContent{Role: role}
		if text := m.Text(); text != "" {
			content.Parts = append(content.Parts, googlePart{Text: text})
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal([]byte(toolArguments(tc.Arguments)), &args)
			part := googlePart{}
			part.FunctionCall = &struct {
				Name string         `json:"name"`
				Args map[string]any `json:"args,omitempty"`
			}{Name: tc.Name, Args: args}
			content.Parts = append(content.Parts, part)
		}
		if len(content.Parts) > 0 {
			wire.Contents = append(wire.Contents, content)
		}
	}

	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil || len(req.Stop) > 0 {
		wire.GenerationConfig = &struct {
			MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
			Temperature     *float64 `json:"temperature,omitempty"`
			TopP            *float64 `json:"topP,omitempty"`
			StopSequences   []string `json:"stopSequences,omitempty"`
		}{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   req.Stop,
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]struct {
			Name        string          `json:"name"`
			Description string          `json:"description,omitempty"`
			Parameters  json.RawMessage `json:"parameters,omitempty"`
		}, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, struct {
				Name        string          `json:"name"`
				Description string          `json:"description,omitempty"`
				Parameters  json.RawMessage `json:"parameters,omitempty"`
			}{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		wire.Tools = []struct {
			FunctionDeclarations []struct {
				Name        string          `json:"name"`
				Description string          `json:"description,omitempty"`
				Parameters  json.RawMessage `json:"parameters,omitempty"`
			} `json:"functionDeclarations"`
		}{{FunctionDeclarations: decls}}
	}

	return json.Marshal(wire)
}

// DecodeGoogleResponse parses a generateContent response into the
// normalized form. Tool-call ids are synthesized since this dialect has
// none.
func DecodeGoogleResponse(body []byte) (*GenerateResponse, error) {
	var wire googleResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("translate: decode google response: %w", err)
	}
	resp := &GenerateResponse{Model: wire.ModelVersion}
	if len(wire.Candidates) > 0 {
		cand := wire.Candidates[0]
		for _, p := range cand.Content.Parts {
			if p.Text != "" {
				resp.Text += p.Text
			}
			if p.FunctionCall != nil {
				args := "{}"
				if p.FunctionCall.Args != nil {
					encoded, err := json.Marshal(p.FunctionCall.Args)
					if err == nil {
						args = string(encoded)
					}
				}
				resp.ToolCalls = append(resp.ToolCalls, ToolCall{
					ID:        "call_" + uuid.NewString(),
					Name:      p.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
		resp.FinishReason = googleFinishToNormalized(cand.FinishReason, len(resp.ToolCalls) > 0)
	}
	if wire.UsageMetadata != nil {
		resp.Usage = &Usage{
			InputTokens:      wire.UsageMetadata.PromptTokenCount,
			OutputTokens:     wire.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wire.UsageMetadata.TotalTokenCount,
			CacheInputTokens: wire.UsageMetadata.CachedContentTokenCount,
			ReasoningTokens:  wire.UsageMetadata.ThoughtsTokenCount,
		}
	}
	return resp, nil
}
