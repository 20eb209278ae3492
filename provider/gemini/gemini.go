// Package gemini implements the Gemini LLM and embedding clients.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	alter "github.com/nevindra/alter"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements alter.Provider against the generateContent REST API.
type Gemini struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	topP       float64
}

// New creates a Gemini provider for the given model.
func New(apiKey, model string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
		topP:       0.9,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns "gemini".
func (g *Gemini) Name() string { return "gemini" }

// Generate sends one generateContent request and returns the complete
// response, including any function calls the model wants executed.
func (g *Gemini) Generate(ctx context.Context, req alter.Request) (alter.Response, error) {
	body := g.buildBody(req)

	payload, err := json.Marshal(body)
	if err != nil {
		return alter.Response{}, g.wrapErr("marshal body: " + err.Error())
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.model, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return alter.Response{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return alter.Response{}, ctx.Err()
		}
		return alter.Response{}, g.wrapErr("request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return alter.Response{}, g.wrapErr("read response: " + err.Error())
	}
	if err := classifyStatus("gemini", resp, respBody); err != nil {
		return alter.Response{}, err
	}

	var parsed genResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return alter.Response{}, g.wrapErr("parse response: " + err.Error())
	}
	return g.toResponse(parsed)
}

// buildBody constructs the generateContent request body.
func (g *Gemini) buildBody(req alter.Request) map[string]any {
	contents := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts := make([]map[string]any, 0, 2)

		if m.Content != "" {
			parts = append(parts, map[string]any{"text": m.Content})
		}
		for _, img := range m.Images {
			parts = append(parts, inlinePart(img))
		}
		for _, tc := range m.ToolCalls {
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{
					"name": tc.Name,
					"args": decodeArgs(tc.Args),
				},
			})
		}
		for _, tr := range m.ToolResponses {
			parts = append(parts, map[string]any{
				"functionResponse": map[string]any{
					"name":     tr.Name,
					"response": map[string]any{"result": tr.Content},
				},
			})
			// Image outputs (screenshots) ride alongside the function
			// response as inline parts.
			for _, img := range tr.Images {
				parts = append(parts, inlinePart(img))
			}
		}
		// The API rejects a content entry with no parts.
		if len(parts) == 0 {
			parts = append(parts, map[string]any{"text": ""})
		}

		role := alter.RoleUser
		if m.Role == alter.RoleModel {
			role = alter.RoleModel
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}

	body := map[string]any{"contents": contents}

	if req.SystemPrompt != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.SystemPrompt}},
		}
	}

	if len(req.Tools) > 0 {
		declarations := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			declarations = append(declarations, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  decodeArgs(t.Parameters),
			})
		}
		body["tools"] = []map[string]any{{"functionDeclarations": declarations}}
	}

	// A zero temperature is treated as unset so the API default applies.
	genConfig := map[string]any{}
	if req.Temperature > 0 {
		genConfig["temperature"] = req.Temperature
	}
	if g.topP > 0 {
		genConfig["topP"] = g.topP
	}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	if req.ThinkingBudget > 0 {
		genConfig["thinkingConfig"] = map[string]any{
			"thinkingBudget":  req.ThinkingBudget,
			"includeThoughts": true,
		}
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}
	return body
}

// toResponse maps the parsed API response onto the provider contract.
func (g *Gemini) toResponse(parsed genResponse) (alter.Response, error) {
	if len(parsed.Candidates) == 0 {
		if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
			return alter.Response{}, g.wrapErr("prompt blocked: " + parsed.PromptFeedback.BlockReason)
		}
		return alter.Response{}, g.wrapErr("empty response: no candidates")
	}

	cand := parsed.Candidates[0]
	var text, thinking strings.Builder
	var calls []alter.ToolCall

	for _, part := range cand.Content.Parts {
		if part.Thought {
			if part.Text != nil {
				thinking.WriteString(*part.Text)
			}
			continue
		}
		if part.Text != nil {
			text.WriteString(*part.Text)
		}
		if part.FunctionCall != nil {
			args := part.FunctionCall.Args
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			calls = append(calls, alter.ToolCall{
				ID:   part.FunctionCall.Name,
				Name: part.FunctionCall.Name,
				Args: args,
			})
		}
	}

	resp := alter.Response{
		Text:         text.String(),
		Thinking:     thinking.String(),
		ToolCalls:    calls,
		FinishReason: cand.FinishReason,
	}
	if parsed.UsageMetadata != nil {
		resp.Usage = alter.Usage{
			InputTokens:    parsed.UsageMetadata.PromptTokenCount,
			OutputTokens:   parsed.UsageMetadata.CandidatesTokenCount,
			ThinkingTokens: parsed.UsageMetadata.ThoughtsTokenCount,
		}
	}
	return resp, nil
}

func (g *Gemini) wrapErr(msg string) error {
	return &alter.ErrLLM{Provider: "gemini", Message: msg}
}

func inlinePart(img alter.ImageData) map[string]any {
	return map[string]any{
		"inlineData": map[string]any{
			"mimeType": img.MimeType,
			"data":     img.Base64,
		},
	}
}

// decodeArgs turns raw JSON into a generic value so the API receives an
// object, not a quoted string. Malformed input degrades to an empty object.
func decodeArgs(raw json.RawMessage) any {
	var v any
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return map[string]any{}
	}
	return v
}

// classifyStatus maps a non-2xx response onto the error taxonomy: 401/403
// are fatal auth failures, 429 and 5xx are retryable transport errors with
// any advertised retry delay attached, everything else is a fatal request
// error.
func classifyStatus(provider string, resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &alter.ErrAuth{Provider: provider, Message: fmt.Sprintf("http %d: %s", resp.StatusCode, headOf(body, 500))}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		ra := alter.ParseRetryAfter(resp.Header.Get("Retry-After"))
		if ra == 0 {
			ra = parseRetryInfo(body)
		}
		return &alter.ErrHTTP{Status: resp.StatusCode, Body: string(body), RetryAfter: ra}
	default:
		return &alter.ErrLLM{Provider: provider, Message: fmt.Sprintf("http %d: %s", resp.StatusCode, headOf(body, 500))}
	}
}

// parseRetryInfo extracts the retryDelay from an error body carrying a
// google.rpc.RetryInfo detail. Returns 0 when absent or unparseable.
func parseRetryInfo(body []byte) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

func headOf(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// ---- Response parsing types ----

type genResponse struct {
	Candidates     []genCandidate  `json:"candidates"`
	UsageMetadata  *genUsage       `json:"usageMetadata"`
	PromptFeedback *promptFeedback `json:"promptFeedback"`
}

type genCandidate struct {
	Content      genContent `json:"content"`
	FinishReason string     `json:"finishReason"`
}

type genContent struct {
	Parts []genPart `json:"parts"`
	Role  string    `json:"role"`
}

type genPart struct {
	Text         *string      `json:"text,omitempty"`
	Thought      bool         `json:"thought,omitempty"`
	FunctionCall *genFuncCall `json:"functionCall,omitempty"`
}

type genFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type genUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason"`
}

var _ alter.Provider = (*Gemini)(nil)
