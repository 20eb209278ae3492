// Package alter is a self-directed agent runtime: it drives an LLM through a
// tool-using reason-act-observe cycle, persists what the agent learns, and
// keeps the agent thinking on its own when no user is present.
//
// # Quick Start
//
// Wire a provider, a store, and a tool registry, then run a task:
//
//	llm := alter.WithRetry(gemini.New(apiKey, "gemini-2.5-flash"))
//	st := sqlite.New("alter.db")
//	if err := st.Init(ctx); err != nil {
//		log.Fatal(err)
//	}
//	paths, _ := pathguard.New(workspace)
//	reg := alter.NewRegistry()
//	reg.Register(shell.New(paths))
//	reg.Register(file.New(paths))
//
//	agent := alter.New(llm, st, reg)
//	result, err := agent.Run(ctx, "summarize the files in the workspace", alter.WithSession("cli"))
//
// Streaming variants push typed [Event] values onto a channel instead of
// blocking. The [Consciousness] driver runs the same agent autonomously,
// generating its own tasks under a survival-ledger pressure.
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend (single generate call with tool declarations)
//   - [Store] — persistence for memory, tasks, thoughts, knowledge, config
//   - [Tool] — pluggable capability dispatched by the [Registry]
//   - [EmbedFunc] — opaque text-to-vector function used for knowledge search
//
// # Included Implementations
//
// Providers: provider/gemini (Google Gemini), provider/openaicompat
// (OpenAI-compatible APIs, including self-hosted vLLM).
// Storage: store/sqlite (embedded, with a chromem-go vector side index).
// Tools: tools/shell, tools/file, tools/web, tools/code, tools/browser,
// tools/memory, tools/knowledge, tools/wait.
//
// See cmd/alter for the complete reference binary.
package alter
