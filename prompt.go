package alter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// defaultPreamble is the fixed identity block of every system prompt.
const defaultPreamble = `You are Alter, a self-directed AI agent. You reason step by step, act
through the tools listed below, and observe results before deciding the
next step.

Core principles:
- Prefer acting over describing: when a tool can verify something, call it.
- Produce real artifacts; never invent file contents or command output.
- When an approach fails twice, change it instead of repeating it.
- Keep answers concise and grounded in what the tools actually returned.`

// PromptBuilder assembles the system prompt for one agent run from tool
// declarations, relevant memories, and recent task history. It reads the
// store but never writes.
type PromptBuilder struct {
	store             Store
	registry          *Registry
	preamble          string
	autonomousSession string
	logger            *slog.Logger
}

// PromptOption configures a PromptBuilder.
type PromptOption func(*PromptBuilder)

// PromptPreamble replaces the default identity preamble.
func PromptPreamble(s string) PromptOption {
	return func(b *PromptBuilder) { b.preamble = s }
}

// PromptAutonomousSession names the session whose activity appears in the
// Background Activity block of other sessions' prompts.
func PromptAutonomousSession(id string) PromptOption {
	return func(b *PromptBuilder) { b.autonomousSession = id }
}

// PromptLogger sets the structured logger.
func PromptLogger(l *slog.Logger) PromptOption {
	return func(b *PromptBuilder) { b.logger = l }
}

// NewPromptBuilder creates a builder over the given store and registry.
func NewPromptBuilder(store Store, registry *Registry, opts ...PromptOption) *PromptBuilder {
	b := &PromptBuilder{
		store:             store,
		registry:          registry,
		preamble:          defaultPreamble,
		autonomousSession: AutonomousSession,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = nopLogger
	}
	return b
}

// Build composes the system prompt for userMessage in sessionID. Failed
// store reads drop their block rather than failing the run.
func (b *PromptBuilder) Build(ctx context.Context, userMessage, sessionID string) string {
	var sb strings.Builder
	sb.WriteString(b.preamble)

	if decls := b.registry.Declarations(); len(decls) > 0 {
		sb.WriteString("\n\n## Available Tools\n")
		for _, d := range decls {
			fmt.Fprintf(&sb, "- %s: %s\n", d.Name, d.Description)
		}
	}

	memories, err := b.store.SearchMemory(ctx, userMessage, 5)
	if err != nil {
		b.logger.Warn("memory search failed, omitting block", "error", err)
	} else if len(memories) > 0 {
		sb.WriteString("\n## Relevant Memories\n")
		for _, m := range memories {
			fmt.Fprintf(&sb, "- [%s] %s: %s\n", m.Category, m.Key, truncateStr(m.Value, 200))
		}
	}

	tasks, err := b.store.RecentTasks(ctx, sessionID, 5)
	if err != nil {
		b.logger.Warn("task history lookup failed, omitting block", "error", err)
	} else if len(tasks) > 0 {
		sb.WriteString("\n## Recent Task History\n")
		for _, t := range tasks {
			fmt.Fprintf(&sb, "- [%s] %s: %s\n", t.Status, truncateStr(t.Description, 150), truncateStr(t.Result, 100))
		}
	}

	if sessionID != b.autonomousSession {
		auto, err := b.store.RecentTasks(ctx, b.autonomousSession, 3)
		if err == nil && len(auto) > 0 {
			sb.WriteString("\n## Background Activity\n")
			sb.WriteString("While idle you worked on these autonomous tasks:\n")
			for _, t := range auto {
				fmt.Fprintf(&sb, "- [%s] %s\n", t.Status, truncateStr(t.Description, 150))
			}
		}
	}

	return sb.String()
}

// truncateStr cuts s to at most n runes.
func truncateStr(s string, n int) string {
	// Fast path: byte length <= n guarantees rune count <= n,
	// avoiding the []rune allocation for short/ASCII strings.
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
