package alter

import "encoding/json"

// --- Message roles ---

// Conversation roles. The runtime follows the Gemini convention of
// "user"/"model"; system instructions travel in Request.SystemPrompt,
// never as a message row.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// --- LLM protocol types ---

// ChatMessage is one turn of an LLM conversation.
type ChatMessage struct {
	Role          string         `json:"role"` // "user" or "model"
	Content       string         `json:"content"`
	Images        []ImageData    `json:"images,omitempty"`
	ToolCalls     []ToolCall     `json:"tool_calls,omitempty"`
	ToolResponses []ToolResponse `json:"tool_responses,omitempty"`
}

// ImageData is an inline image, base64-encoded.
type ImageData struct {
	ID       string `json:"id,omitempty"`
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResponse carries one tool's outcome back to the model.
type ToolResponse struct {
	ID      string      `json:"id,omitempty"`
	Name    string      `json:"name"`
	Content string      `json:"content"`
	Images  []ImageData `json:"images,omitempty"`
}

// Request is a single LLM generation request.
type Request struct {
	Messages       []ChatMessage     `json:"messages"`
	Tools          []ToolDeclaration `json:"tools,omitempty"`
	SystemPrompt   string            `json:"system_prompt,omitempty"`
	Temperature    float64           `json:"temperature,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ThinkingBudget int               `json:"thinking_budget,omitempty"`
}

// Response is the model's answer to a Request.
type Response struct {
	Text         string     `json:"text,omitempty"`
	Thinking     string     `json:"thinking,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// Usage counts tokens consumed by one request.
type Usage struct {
	InputTokens    int `json:"input_tokens"`
	OutputTokens   int `json:"output_tokens"`
	ThinkingTokens int `json:"thinking_tokens,omitempty"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.ThinkingTokens += u2.ThinkingTokens
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.ThinkingTokens
}

// ToolDeclaration describes a callable tool to the model.
type ToolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

func UserMessageWithImages(text string, images []ImageData) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text, Images: images}
}

func ModelMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleModel, Content: text}
}

// ModelToolCallMessage is the model turn that requested the given calls.
func ModelToolCallMessage(text string, calls []ToolCall) ChatMessage {
	return ChatMessage{Role: RoleModel, Content: text, ToolCalls: calls}
}

// ToolResponseMessage is the synthetic user turn carrying tool outcomes.
func ToolResponseMessage(responses ...ToolResponse) ChatMessage {
	return ChatMessage{Role: RoleUser, ToolResponses: responses}
}
