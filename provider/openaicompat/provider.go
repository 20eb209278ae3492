// Package openaicompat implements the provider contract against any
// OpenAI-compatible chat completions API.
//
// Works with vLLM, Ollama, OpenRouter, Groq, Together, DeepSeek, LM Studio,
// and OpenAI itself. The runtime uses it for the small reflection model.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	alter "github.com/nevindra/alter"
)

// Provider implements alter.Provider for OpenAI-compatible servers.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name reported to logs and accounting
// (default "openai").
func WithName(name string) ProviderOption {
	return func(p *Provider) {
		if name != "" {
			p.name = name
		}
	}
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:8000/v1"); the /chat/completions path is appended.
// An empty apiKey skips the Authorization header, which local servers
// accept.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Generate sends one chat completions request and returns the complete
// response. The thinking budget has no wire mapping here and is ignored;
// reasoning models return their thoughts in reasoning_content instead.
func (p *Provider) Generate(ctx context.Context, req alter.Request) (alter.Response, error) {
	payload, err := json.Marshal(p.buildBody(req))
	if err != nil {
		return alter.Response{}, p.wrapErr("marshal request: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return alter.Response{}, p.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return alter.Response{}, ctx.Err()
		}
		return alter.Response{}, p.wrapErr("request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return alter.Response{}, p.wrapErr("read response: " + err.Error())
	}
	if err := p.classifyStatus(resp, respBody); err != nil {
		return alter.Response{}, err
	}

	var parsed wireResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return alter.Response{}, p.wrapErr("parse response: " + err.Error())
	}
	return p.toResponse(parsed)
}

// buildBody maps the provider-neutral request onto the OpenAI wire format.
func (p *Provider) buildBody(req alter.Request) wireRequest {
	msgs := make([]wireMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: req.SystemPrompt})
	}

	for _, m := range req.Messages {
		switch {
		case len(m.ToolResponses) > 0:
			// One tool message per response, keyed by the call id.
			for _, tr := range m.ToolResponses {
				id := tr.ID
				if id == "" {
					id = tr.Name
				}
				msgs = append(msgs, wireMessage{
					Role:       "tool",
					Content:    tr.Content,
					ToolCallID: id,
					Name:       tr.Name,
				})
			}

		case m.Role == alter.RoleModel:
			wm := wireMessage{Role: "assistant"}
			if m.Content != "" {
				wm.Content = m.Content
			}
			for _, tc := range m.ToolCalls {
				id := tc.ID
				if id == "" {
					id = tc.Name
				}
				wm.ToolCalls = append(wm.ToolCalls, toolCallReq{
					ID:   id,
					Type: "function",
					Function: funcCall{
						Name:      tc.Name,
						Arguments: argumentsOf(tc.Args),
					},
				})
			}
			msgs = append(msgs, wm)

		default:
			if len(m.Images) == 0 {
				msgs = append(msgs, wireMessage{Role: "user", Content: m.Content})
				continue
			}
			blocks := make([]contentBlock, 0, len(m.Images)+1)
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, img := range m.Images {
				blocks = append(blocks, contentBlock{
					Type:     "image_url",
					ImageURL: &imageURL{URL: "data:" + img.MimeType + ";base64," + img.Base64},
				})
			}
			msgs = append(msgs, wireMessage{Role: "user", Content: blocks})
		}
	}

	body := wireRequest{
		Model:     p.model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	for _, t := range req.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		body.Tools = append(body.Tools, toolDef{
			Type: "function",
			Function: funcDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return body
}

// toResponse maps the wire response onto the provider contract.
func (p *Provider) toResponse(parsed wireResponse) (alter.Response, error) {
	if len(parsed.Choices) == 0 {
		return alter.Response{}, p.wrapErr("empty response: no choices")
	}
	msg := parsed.Choices[0].Message
	if msg == nil {
		return alter.Response{}, p.wrapErr("empty response: no message in choice")
	}
	if msg.Refusal != "" {
		return alter.Response{}, p.wrapErr("model refused: " + msg.Refusal)
	}

	resp := alter.Response{
		Text:         msg.Content,
		Thinking:     msg.ReasoningContent,
		FinishReason: parsed.Choices[0].FinishReason,
	}
	for _, tc := range msg.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		// Models occasionally emit truncated argument strings; degrade to
		// an empty object so the tool reports the bad args itself.
		if len(args) == 0 || !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		id := tc.ID
		if id == "" {
			id = tc.Function.Name
		}
		resp.ToolCalls = append(resp.ToolCalls, alter.ToolCall{
			ID:   id,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	if parsed.Usage != nil {
		resp.Usage = alter.Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		}
		if d := parsed.Usage.CompletionTokensDetails; d != nil {
			resp.Usage.ThinkingTokens = d.ReasoningTokens
		}
	}
	return resp, nil
}

// classifyStatus maps a non-2xx response onto the error taxonomy: 401/403
// fatal auth, 429/5xx retryable with the Retry-After header attached,
// everything else fatal.
func (p *Provider) classifyStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &alter.ErrAuth{Provider: p.name, Message: fmt.Sprintf("http %d: %s", resp.StatusCode, body)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &alter.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: alter.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	default:
		return &alter.ErrLLM{Provider: p.name, Message: fmt.Sprintf("http %d: %s", resp.StatusCode, body)}
	}
}

func (p *Provider) wrapErr(msg string) error {
	return &alter.ErrLLM{Provider: p.name, Message: msg}
}

// argumentsOf renders tool call args as the JSON string the wire expects.
func argumentsOf(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}
	return string(args)
}

var _ alter.Provider = (*Provider)(nil)
