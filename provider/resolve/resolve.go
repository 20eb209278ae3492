// Package resolve constructs providers from provider-agnostic configuration,
// so the config layer can name a backend without importing its package.
package resolve

import (
	"fmt"

	alter "github.com/nevindra/alter"
	"github.com/nevindra/alter/provider/gemini"
	"github.com/nevindra/alter/provider/openaicompat"
)

// Config selects and parameterizes a chat provider.
type Config struct {
	Provider string // "gemini", "openai", "groq", "deepseek", "together", "mistral", "ollama", "vllm"
	APIKey   string
	Model    string
	BaseURL  string // required for "vllm"; auto-filled for the other compat providers
}

// EmbedConfig selects and parameterizes an embedding function.
type EmbedConfig struct {
	Provider   string
	APIKey     string
	Model      string
	Dimensions int
}

// Provider creates an alter.Provider from cfg.
func Provider(cfg Config) (alter.Provider, error) {
	switch cfg.Provider {
	case "gemini":
		return gemini.New(cfg.APIKey, cfg.Model), nil
	case "openai", "groq", "deepseek", "together", "mistral", "ollama", "vllm":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL(cfg.Provider)
		}
		if baseURL == "" {
			return nil, fmt.Errorf("resolve: provider %q needs an explicit base URL", cfg.Provider)
		}
		return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL,
			openaicompat.WithName(cfg.Provider)), nil
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

// Embedder creates an alter.EmbedFunc from cfg. Only Gemini exposes an
// embedding endpoint the runtime knows how to call.
func Embedder(cfg EmbedConfig) (alter.EmbedFunc, error) {
	switch cfg.Provider {
	case "gemini":
		return gemini.NewEmbedder(cfg.APIKey, cfg.Model, cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("resolve: embedding provider %q not supported", cfg.Provider)
	}
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
