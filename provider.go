package alter

import "context"

// Provider abstracts the LLM backend.
//
// Implementations map transport failures onto the error taxonomy of this
// package: *ErrAuth for 401/403 (fatal), *ErrHTTP for 429/5xx (retryable,
// with RetryAfter when the server advises one), *ErrLLM for everything
// else the caller cannot recover from.
type Provider interface {
	// Generate sends one request and returns the model's complete response,
	// including any tool calls it wants executed.
	Generate(ctx context.Context, req Request) (Response, error)
	// Name returns the provider name (e.g. "gemini", "openaicompat").
	Name() string
}

// EmbedFunc turns text into a fixed-dimension vector. The runtime treats
// embeddings as opaque: it stores and compares them but never inspects
// their geometry.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)
