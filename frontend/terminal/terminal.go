// Package terminal is an interactive readline REPL over the agent. Each
// line becomes one agent run whose events print as they arrive.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/chzyer/readline"

	alter "github.com/nevindra/alter"
)

// defaultSession is the conversation session all terminal turns share.
const defaultSession = "terminal"

// previewLen caps one-line previews of thinking text and tool arguments.
const previewLen = 120

// REPL reads lines, runs the agent, and renders the event stream as text.
type REPL struct {
	agent     *alter.Agent
	store     alter.Store
	conscious *alter.Consciousness
	session   string
	history   string
	logger    *slog.Logger
}

// Option configures a REPL.
type Option func(*REPL)

// WithConsciousness lets user input interrupt the autonomous loop.
func WithConsciousness(c *alter.Consciousness) Option {
	return func(r *REPL) { r.conscious = c }
}

// WithSession overrides the conversation session id.
func WithSession(id string) Option {
	return func(r *REPL) {
		if id != "" {
			r.session = id
		}
	}
}

// WithHistoryFile persists line history across sessions.
func WithHistoryFile(path string) Option {
	return func(r *REPL) { r.history = path }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *REPL) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a terminal REPL over an agent and store.
func New(agent *alter.Agent, store alter.Store, opts ...Option) *REPL {
	r := &REPL{
		agent:   agent,
		store:   store,
		session: defaultSession,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reads and handles lines until /exit, EOF, or ctx cancellation.
func (r *REPL) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       r.history,
		InterruptPrompt:   "^C",
		EOFPrompt:         "bye",
		HistorySearchFold: true,
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("/new"),
			readline.PcItem("/status"),
			readline.PcItem("/exit"),
		),
	})
	if err != nil {
		return fmt.Errorf("terminal: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	fmt.Fprintln(out, "alter ready. /new clears the conversation, /status shows state, /exit quits.")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if r.command(ctx, out, line) {
				return nil
			}
			continue
		}

		// A live user takes priority over background thinking.
		if r.conscious != nil {
			r.conscious.Interrupt()
		}
		r.runOnce(ctx, out, line)
	}
}

// command handles a slash command and reports whether the REPL should exit.
func (r *REPL) command(ctx context.Context, out io.Writer, line string) bool {
	switch line {
	case "/exit", "/quit":
		return true
	case "/new":
		if err := r.store.ClearConversation(ctx, r.session); err != nil {
			fmt.Fprintf(out, "could not clear the conversation: %v\n", err)
			return false
		}
		fmt.Fprintln(out, "conversation cleared")
	case "/status":
		fmt.Fprintln(out, r.status(ctx))
	default:
		fmt.Fprintln(out, "unknown command; try /new, /status, or /exit")
	}
	return false
}

func (r *REPL) status(ctx context.Context) string {
	var b strings.Builder
	if balance, err := r.store.SurvivalBalance(ctx); err == nil {
		fmt.Fprintf(&b, "survival balance: %.1f\n", balance)
	}
	if n, err := r.store.CountMemory(ctx); err == nil {
		fmt.Fprintf(&b, "memories: %d\n", n)
	}
	if n, err := r.store.CountKnowledge(ctx); err == nil {
		fmt.Fprintf(&b, "knowledge entries: %d\n", n)
	}
	if r.conscious != nil && r.conscious.Running() {
		b.WriteString("autonomous loop: running\n")
	}
	if b.Len() == 0 {
		return "status unavailable"
	}
	return strings.TrimRight(b.String(), "\n")
}

// runOnce executes one agent run and prints its events.
func (r *REPL) runOnce(ctx context.Context, out io.Writer, text string) {
	events := r.agent.RunStream(ctx, text, alter.WithSession(r.session))
	for ev := range events {
		render(out, ev)
	}
	fmt.Fprintln(out)
}

// render prints one run event. Thinking collapses to a one-line preview so
// the transcript stays readable; tool results report outcome and duration,
// and any produced images or files print as references the user can open.
func render(out io.Writer, ev alter.Event) {
	switch ev.Type {
	case alter.EventThinking:
		fmt.Fprintf(out, "(thinking) %s\n", oneLine(ev.Content, previewLen))
	case alter.EventText:
		fmt.Fprintln(out, ev.Content)
	case alter.EventToolCall:
		args := oneLine(string(ev.Args), previewLen)
		if args == "" {
			fmt.Fprintf(out, "→ %s\n", ev.Name)
		} else {
			fmt.Fprintf(out, "→ %s %s\n", ev.Name, args)
		}
	case alter.EventToolResult:
		if ev.Result == nil {
			return
		}
		if ev.Result.Success {
			fmt.Fprintf(out, "← %s ok (%dms)\n", ev.Name, ev.Result.ExecutionTimeMS)
		} else {
			fmt.Fprintf(out, "← %s failed: %s\n", ev.Name, oneLine(ev.Result.Error, previewLen))
		}
		for _, img := range ev.Result.Images {
			fmt.Fprintf(out, "  image %s (%s)\n", img.ID, img.MimeType)
		}
		for _, f := range ev.Result.Files {
			fmt.Fprintf(out, "  file %s\n", f.Path)
		}
	case alter.EventStuckWarning:
		fmt.Fprintf(out, "! %s\n", ev.Content)
	case alter.EventDone:
		fmt.Fprintf(out, "\n%s\n", ev.Content)
	case alter.EventError:
		fmt.Fprintf(out, "\nerror: %s\n", ev.Content)
	}
}

// oneLine flattens text to a single line and truncates it for display.
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
