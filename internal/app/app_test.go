package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nevindra/alter/internal/config"
)

// testConfig returns a fully resolved config the way Load would produce
// it, pointed at throwaway paths.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Telegram: config.TelegramConfig{Token: "123:token", AllowedUserID: "42"},
		LLM: config.LLMConfig{
			Provider:          "gemini",
			Model:             "gemini-2.5-flash",
			APIKey:            "key",
			RequestsPerMinute: 10,
			TokensPerMinute:   250000,
		},
		Reflection: config.ReflectionConfig{
			Provider:          "gemini",
			Model:             "gemini-2.5-flash-lite",
			APIKey:            "key",
			RequestsPerMinute: 10,
			TokensPerMinute:   250000,
		},
		Embedding: config.EmbeddingConfig{
			Provider:   "gemini",
			Model:      "gemini-embedding-001",
			Dimensions: 384,
			APIKey:     "key",
		},
		Database:  config.DatabaseConfig{Path: filepath.Join(dir, "alter.db")},
		Workspace: config.WorkspaceConfig{Path: dir, ScreenshotDir: filepath.Join(dir, "screenshots")},
		HTTP:      config.HTTPConfig{Addr: ":0", MaxChatRuns: 3},
		Consciousness: config.ConsciousnessConfig{
			Enabled:      true,
			HourlyDebt:   250.0 / 720.0,
			GenesisModel: "reflection",
		},
	}
}

func toolNames(a *App) []string {
	decls := a.registry.Declarations()
	names := make([]string, len(decls))
	for i, d := range decls {
		names[i] = d.Name
	}
	return names
}

func TestNewWiresEverything(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.teardown()

	want := []string{"shell", "file", "web", "code", "browser", "memory", "wait", "knowledge"}
	got := toolNames(a)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("tools = %v, want %v", got, want)
	}

	if a.conscious == nil {
		t.Error("consciousness not built despite being enabled")
	}
	if a.telegram == nil {
		t.Error("telegram frontend not built despite a token")
	}
	if a.api == nil {
		t.Error("http api not built")
	}
	if len(a.cron.Entries()) != 2 {
		t.Errorf("cron entries = %d, want 2", len(a.cron.Entries()))
	}
}

func TestNewOptionalPiecesOff(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telegram.Token = ""
	cfg.Embedding.APIKey = ""
	cfg.Consciousness.Enabled = false

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.teardown()

	for _, name := range toolNames(a) {
		if name == "knowledge" {
			t.Error("knowledge tool registered without an embedding key")
		}
	}
	if a.telegram != nil {
		t.Error("telegram frontend built without a token")
	}
	if a.conscious != nil {
		t.Error("consciousness built while disabled")
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "mystery"

	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("New accepted an unknown provider")
	} else if !strings.Contains(err.Error(), "primary model") {
		t.Errorf("error = %v", err)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a.teardown()
	select {
	case <-a.shutdown.Done():
	default:
		t.Fatal("shutdown hooks did not finish")
	}

	done := make(chan struct{})
	go func() {
		a.teardown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second teardown blocked")
	}
}
