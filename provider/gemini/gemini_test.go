package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	alter "github.com/nevindra/alter"
)

func TestBuildBody_Conversation(t *testing.T) {
	g := New("test-key", "test-model")
	req := alter.Request{
		SystemPrompt: "You are Alter.",
		Messages: []alter.ChatMessage{
			{Role: alter.RoleUser, Content: "look at this", Images: []alter.ImageData{
				{MimeType: "image/png", Base64: "aW1n"},
			}},
			{Role: alter.RoleModel, Content: "checking", ToolCalls: []alter.ToolCall{
				{Name: "shell", Args: json.RawMessage(`{"command":"ls"}`)},
			}},
			alter.ToolResponseMessage(alter.ToolResponse{Name: "shell", Content: "file.txt"}),
		},
	}

	body := g.buildBody(req)

	si := body["systemInstruction"].(map[string]any)
	siParts := si["parts"].([]map[string]any)
	if siParts[0]["text"] != "You are Alter." {
		t.Errorf("unexpected system instruction: %v", siParts[0]["text"])
	}

	contents := body["contents"].([]map[string]any)
	if len(contents) != 3 {
		t.Fatalf("expected 3 content entries, got %d", len(contents))
	}

	// User turn: text part then inline image.
	userParts := contents[0]["parts"].([]map[string]any)
	if len(userParts) != 2 {
		t.Fatalf("expected 2 user parts, got %d", len(userParts))
	}
	if userParts[0]["text"] != "look at this" {
		t.Errorf("unexpected text part: %v", userParts[0]["text"])
	}
	inline := userParts[1]["inlineData"].(map[string]any)
	if inline["mimeType"] != "image/png" || inline["data"] != "aW1n" {
		t.Errorf("unexpected inline data: %v", inline)
	}

	// Model turn: text plus functionCall.
	if contents[1]["role"] != "model" {
		t.Errorf("expected model role, got %v", contents[1]["role"])
	}
	modelParts := contents[1]["parts"].([]map[string]any)
	fc := modelParts[1]["functionCall"].(map[string]any)
	if fc["name"] != "shell" {
		t.Errorf("unexpected functionCall name: %v", fc["name"])
	}
	args := fc["args"].(map[string]any)
	if args["command"] != "ls" {
		t.Errorf("unexpected functionCall args: %v", args)
	}

	// Tool response turn: user role with functionResponse.
	if contents[2]["role"] != "user" {
		t.Errorf("expected user role for tool response, got %v", contents[2]["role"])
	}
	fr := contents[2]["parts"].([]map[string]any)[0]["functionResponse"].(map[string]any)
	if fr["name"] != "shell" {
		t.Errorf("unexpected functionResponse name: %v", fr["name"])
	}
	result := fr["response"].(map[string]any)["result"]
	if result != "file.txt" {
		t.Errorf("unexpected functionResponse result: %v", result)
	}
}

func TestBuildBody_GenerationConfig(t *testing.T) {
	g := New("test-key", "test-model")
	body := g.buildBody(alter.Request{
		Messages:       []alter.ChatMessage{alter.UserMessage("hi")},
		Temperature:    0.7,
		MaxTokens:      2048,
		ThinkingBudget: 10000,
	})

	gc := body["generationConfig"].(map[string]any)
	if gc["temperature"] != 0.7 {
		t.Errorf("temperature = %v, want 0.7", gc["temperature"])
	}
	if gc["maxOutputTokens"] != 2048 {
		t.Errorf("maxOutputTokens = %v, want 2048", gc["maxOutputTokens"])
	}
	tc := gc["thinkingConfig"].(map[string]any)
	if tc["thinkingBudget"] != 10000 || tc["includeThoughts"] != true {
		t.Errorf("unexpected thinkingConfig: %v", tc)
	}
}

func TestBuildBody_ZeroKnobsOmitted(t *testing.T) {
	g := New("test-key", "test-model")
	body := g.buildBody(alter.Request{Messages: []alter.ChatMessage{alter.UserMessage("hi")}})

	gc := body["generationConfig"].(map[string]any)
	if _, ok := gc["temperature"]; ok {
		t.Error("zero temperature should be omitted")
	}
	if _, ok := gc["maxOutputTokens"]; ok {
		t.Error("zero maxOutputTokens should be omitted")
	}
	if _, ok := gc["thinkingConfig"]; ok {
		t.Error("zero thinking budget should omit thinkingConfig")
	}
}

func TestBuildBody_ToolDeclarations(t *testing.T) {
	g := New("test-key", "test-model")
	body := g.buildBody(alter.Request{
		Messages: []alter.ChatMessage{alter.UserMessage("hi")},
		Tools: []alter.ToolDeclaration{{
			Name:        "file",
			Description: "File operations",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		}},
	})

	tools := body["tools"].([]map[string]any)
	decls := tools[0]["functionDeclarations"].([]map[string]any)
	if len(decls) != 1 || decls[0]["name"] != "file" {
		t.Fatalf("unexpected declarations: %v", decls)
	}
	params := decls[0]["parameters"].(map[string]any)
	if params["type"] != "object" {
		t.Errorf("parameters not decoded to an object: %v", params)
	}
}

func TestGenerate_Text(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/test-model:generateContent" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("unexpected key: %s", r.URL.Query().Get("key"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"candidates":[{"content":{"parts":[{"text":"Hello!"}],"role":"model"},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":3,"thoughtsTokenCount":5}
		}`))
	}))
	defer srv.Close()

	g := New("test-key", "test-model", WithBaseURL(srv.URL))
	resp, err := g.Generate(context.Background(), alter.Request{
		Messages: []alter.ChatMessage{alter.UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "Hello!" {
		t.Errorf("text = %q, want Hello!", resp.Text)
	}
	if resp.FinishReason != "STOP" {
		t.Errorf("finish reason = %q, want STOP", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 || resp.Usage.ThinkingTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestGenerate_ToolCallsAndThinking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"candidates":[{"content":{"parts":[
				{"text":"I should list the files first.","thought":true},
				{"text":"Listing now."},
				{"functionCall":{"name":"shell","args":{"command":"ls"}}},
				{"functionCall":{"name":"wait"}}
			],"role":"model"},"finishReason":"STOP"}]
		}`))
	}))
	defer srv.Close()

	g := New("test-key", "test-model", WithBaseURL(srv.URL))
	resp, err := g.Generate(context.Background(), alter.Request{
		Messages: []alter.ChatMessage{alter.UserMessage("list files")},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Thinking != "I should list the files first." {
		t.Errorf("thinking = %q", resp.Thinking)
	}
	if resp.Text != "Listing now." {
		t.Errorf("text = %q", resp.Text)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Name != "shell" {
		t.Errorf("call name = %q", resp.ToolCalls[0].Name)
	}
	var args map[string]any
	if err := json.Unmarshal(resp.ToolCalls[0].Args, &args); err != nil || args["command"] != "ls" {
		t.Errorf("call args = %s", resp.ToolCalls[0].Args)
	}
	// A call with no args still carries a valid empty object.
	if string(resp.ToolCalls[1].Args) != `{}` {
		t.Errorf("empty args = %s, want {}", resp.ToolCalls[1].Args)
	}
}

func TestGenerate_ErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		status int
		header string
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", 401, "", func(t *testing.T, err error) {
			var e *alter.ErrAuth
			if !errors.As(err, &e) {
				t.Fatalf("want ErrAuth, got %T: %v", err, err)
			}
		}},
		{"forbidden", 403, "", func(t *testing.T, err error) {
			var e *alter.ErrAuth
			if !errors.As(err, &e) {
				t.Fatalf("want ErrAuth, got %T: %v", err, err)
			}
		}},
		{"rate limited", 429, "2", func(t *testing.T, err error) {
			var e *alter.ErrHTTP
			if !errors.As(err, &e) {
				t.Fatalf("want ErrHTTP, got %T: %v", err, err)
			}
			if e.Status != 429 || e.RetryAfter != 2*time.Second {
				t.Errorf("status=%d retryAfter=%v", e.Status, e.RetryAfter)
			}
		}},
		{"server error", 503, "", func(t *testing.T, err error) {
			var e *alter.ErrHTTP
			if !errors.As(err, &e) || e.Status != 503 {
				t.Fatalf("want ErrHTTP 503, got %T: %v", err, err)
			}
		}},
		{"bad request is fatal", 400, "", func(t *testing.T, err error) {
			var e *alter.ErrLLM
			if !errors.As(err, &e) {
				t.Fatalf("want ErrLLM, got %T: %v", err, err)
			}
			var h *alter.ErrHTTP
			if errors.As(err, &h) {
				t.Error("400 must not be retryable")
			}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.header != "" {
					w.Header().Set("Retry-After", tc.header)
				}
				w.WriteHeader(tc.status)
				w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer srv.Close()

			g := New("test-key", "test-model", WithBaseURL(srv.URL))
			_, err := g.Generate(context.Background(), alter.Request{
				Messages: []alter.ChatMessage{alter.UserMessage("hi")},
			})
			if err == nil {
				t.Fatal("expected an error")
			}
			tc.check(t, err)
		})
	}
}

func TestGenerate_RetryInfoBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		w.Write([]byte(`{"error":{"code":429,"details":[
			{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"RATE_LIMIT_EXCEEDED"},
			{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"7s"}
		]}}`))
	}))
	defer srv.Close()

	g := New("test-key", "test-model", WithBaseURL(srv.URL))
	_, err := g.Generate(context.Background(), alter.Request{
		Messages: []alter.ChatMessage{alter.UserMessage("hi")},
	})
	var e *alter.ErrHTTP
	if !errors.As(err, &e) {
		t.Fatalf("want ErrHTTP, got %T: %v", err, err)
	}
	if e.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", e.RetryAfter)
	}
}

func TestGenerate_PromptBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`))
	}))
	defer srv.Close()

	g := New("test-key", "test-model", WithBaseURL(srv.URL))
	_, err := g.Generate(context.Background(), alter.Request{
		Messages: []alter.ChatMessage{alter.UserMessage("hi")},
	})
	var e *alter.ErrLLM
	if !errors.As(err, &e) {
		t.Fatalf("want ErrLLM, got %T: %v", err, err)
	}
	if e.Message != "prompt blocked: SAFETY" {
		t.Errorf("message = %q", e.Message)
	}
}

func TestEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/embed-model:embedContent" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["outputDimensionality"] != float64(384) {
			t.Errorf("outputDimensionality = %v, want 384", body["outputDimensionality"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"embedding":{"values":[0.1,0.2,0.3]}}`))
	}))
	defer srv.Close()

	embed := NewEmbedder("test-key", "embed-model", 384, WithBaseURL(srv.URL))
	vec, err := embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 3 || vec[1] != float32(0.2) {
		t.Errorf("unexpected vector: %v", vec)
	}
}

func TestEmbedder_MissingValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	embed := NewEmbedder("test-key", "embed-model", 0, WithBaseURL(srv.URL))
	if _, err := embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected an error for missing embedding values")
	}
}
