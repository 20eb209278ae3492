// Package config loads the runtime configuration: defaults, then an
// optional TOML file, then ALTER_* environment variables (env wins).
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Telegram      TelegramConfig      `toml:"telegram"`
	LLM           LLMConfig           `toml:"llm"`
	Reflection    ReflectionConfig    `toml:"reflection"`
	Embedding     EmbeddingConfig     `toml:"embedding"`
	Database      DatabaseConfig      `toml:"database"`
	Workspace     WorkspaceConfig     `toml:"workspace"`
	HTTP          HTTPConfig          `toml:"http"`
	Consciousness ConsciousnessConfig `toml:"consciousness"`
	Observer      ObserverConfig      `toml:"observer"`
}

type TelegramConfig struct {
	Token         string `toml:"token"`
	AllowedUserID string `toml:"allowed_user_id"`
}

// LLMConfig selects the primary model that runs agent iterations.
type LLMConfig struct {
	Provider          string `toml:"provider"`
	Model             string `toml:"model"`
	APIKey            string `toml:"api_key"`
	BaseURL           string `toml:"base_url"`
	RequestsPerMinute int    `toml:"requests_per_minute"`
	TokensPerMinute   int    `toml:"tokens_per_minute"`
}

// ReflectionConfig selects the small model used by the consciousness loop
// for reflection and task synthesis. Unset fields fall back to the primary.
type ReflectionConfig struct {
	Provider          string `toml:"provider"`
	Model             string `toml:"model"`
	APIKey            string `toml:"api_key"`
	BaseURL           string `toml:"base_url"`
	RequestsPerMinute int    `toml:"requests_per_minute"`
	TokensPerMinute   int    `toml:"tokens_per_minute"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type WorkspaceConfig struct {
	Path          string `toml:"path"`
	ScreenshotDir string `toml:"screenshot_dir"`
}

type HTTPConfig struct {
	Addr        string `toml:"addr"`
	MaxChatRuns int    `toml:"max_chat_runs"`
}

type ConsciousnessConfig struct {
	Enabled    bool    `toml:"enabled"`
	HourlyDebt float64 `toml:"hourly_debt"`
	// GenesisModel picks which model seeds an empty mind: "reflection"
	// (default) or "primary".
	GenesisModel string `toml:"genesis_model"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		LLM: LLMConfig{
			Provider:          "gemini",
			Model:             "gemini-2.5-flash",
			RequestsPerMinute: 10,
			TokensPerMinute:   250000,
		},
		Embedding: EmbeddingConfig{Provider: "gemini", Model: "gemini-embedding-001", Dimensions: 384},
		Database:  DatabaseConfig{Path: "alter.db"},
		Workspace: WorkspaceConfig{Path: filepath.Join(home, "alter-workspace")},
		HTTP:      HTTPConfig{Addr: ":8080", MaxChatRuns: 3},
		Consciousness: ConsciousnessConfig{
			Enabled:      true,
			HourlyDebt:   250.0 / 720.0,
			GenesisModel: "reflection",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "alter.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ALTER_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("ALTER_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ALTER_REFLECTION_API_KEY"); v != "" {
		cfg.Reflection.APIKey = v
	}
	if v := os.Getenv("ALTER_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("ALTER_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("ALTER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ALTER_WORKSPACE"); v != "" {
		cfg.Workspace.Path = v
	}
	if v := os.Getenv("ALTER_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Reflection.Provider == "" {
		cfg.Reflection.Provider = cfg.LLM.Provider
		if cfg.Reflection.Model == "" {
			cfg.Reflection.Model = cfg.LLM.Model
		}
	}
	if cfg.Reflection.APIKey == "" {
		cfg.Reflection.APIKey = cfg.LLM.APIKey
	}
	if cfg.Reflection.BaseURL == "" && cfg.Reflection.Provider == cfg.LLM.Provider {
		cfg.Reflection.BaseURL = cfg.LLM.BaseURL
	}
	if cfg.Reflection.RequestsPerMinute == 0 {
		cfg.Reflection.RequestsPerMinute = cfg.LLM.RequestsPerMinute
	}
	if cfg.Reflection.TokensPerMinute == 0 {
		cfg.Reflection.TokensPerMinute = cfg.LLM.TokensPerMinute
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	if cfg.Workspace.ScreenshotDir == "" {
		cfg.Workspace.ScreenshotDir = filepath.Join(cfg.Workspace.Path, "screenshots")
	}

	return cfg
}
