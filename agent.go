package alter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// defaultHistoryLimit is how many prior conversation rows are loaded into
// the message list at the start of a run.
const defaultHistoryLimit = 20

// taskResultLimit caps the rune length of the result text stored on a Task
// row. Stream events retain the full content.
const taskResultLimit = 4000

// Agent drives the reason-act-observe loop: call the model, execute the
// tool calls it requests, feed the results back, and stop on a final text
// response, a stuck verdict, or cancellation.
//
// The provider passed to New is called as-is; wrap it with WithRetry and
// WithRateLimit to add backoff and quota gating.
type Agent struct {
	provider     Provider
	store        Store
	registry     *Registry
	executor     *Executor
	prompts      *PromptBuilder
	shutdown     *ShutdownCoordinator
	logger       *slog.Logger
	historyLimit int
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// AgentLogger sets the structured logger.
func AgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// AgentExecutor replaces the default tool executor.
func AgentExecutor(e *Executor) AgentOption {
	return func(a *Agent) { a.executor = e }
}

// AgentPromptBuilder replaces the default prompt builder.
func AgentPromptBuilder(p *PromptBuilder) AgentOption {
	return func(a *Agent) { a.prompts = p }
}

// AgentShutdown attaches a shutdown coordinator; runs exit cooperatively
// once it reports shutting down.
func AgentShutdown(c *ShutdownCoordinator) AgentOption {
	return func(a *Agent) { a.shutdown = c }
}

// AgentHistoryLimit sets how many conversation rows seed each run.
func AgentHistoryLimit(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.historyLimit = n
		}
	}
}

// New creates an Agent over the given provider, store, and tool registry.
func New(provider Provider, store Store, registry *Registry, opts ...AgentOption) *Agent {
	a := &Agent{
		provider:     provider,
		store:        store,
		registry:     registry,
		historyLimit: defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = nopLogger
	}
	if a.executor == nil {
		a.executor = NewExecutor(registry, store, ExecutorLogger(a.logger))
	}
	if a.prompts == nil {
		a.prompts = NewPromptBuilder(store, registry, PromptLogger(a.logger))
	}
	return a
}

// runConfig holds per-run options.
type runConfig struct {
	sessionID     string
	images        []ImageData
	maxIterations int
}

// RunOption configures a single run.
type RunOption func(*runConfig)

// WithSession sets the conversation session the run belongs to.
func WithSession(id string) RunOption {
	return func(c *runConfig) {
		if id != "" {
			c.sessionID = id
		}
	}
}

// WithImages attaches images to the user turn.
func WithImages(images ...ImageData) RunOption {
	return func(c *runConfig) { c.images = append(c.images, images...) }
}

// WithMaxIterations overrides the max_iterations config value for this run.
func WithMaxIterations(n int) RunOption {
	return func(c *runConfig) { c.maxIterations = n }
}

// RunResult is the blocking-mode outcome of a run.
type RunResult struct {
	TaskID     string
	Output     string
	Thinking   string
	Iterations int
	Usage      Usage
}

// Run executes a task to completion and returns the final result.
func (a *Agent) Run(ctx context.Context, userMessage string, opts ...RunOption) (RunResult, error) {
	var res RunResult
	emit := func(ev Event) {
		switch ev.Type {
		case EventThinking:
			res.Thinking = ev.Content
		case EventDone:
			res.Output = ev.Content
		}
	}
	taskID, iterations, usage, err := a.run(ctx, userMessage, opts, emit)
	res.TaskID = taskID
	res.Iterations = iterations
	res.Usage = usage
	return res, err
}

// RunStream executes a task and streams its events. The returned channel
// is closed after the terminal event (done or error). The run's error, if
// any, is carried by the error event.
func (a *Agent) RunStream(ctx context.Context, userMessage string, opts ...RunOption) <-chan Event {
	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		emit := func(ev Event) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
		_, _, _, err := a.run(ctx, userMessage, opts, emit)
		if err != nil {
			a.logger.Warn("run ended with error", "error", err)
		}
	}()
	return ch
}

// run is the shared loop behind Run and RunStream. It creates the Task
// row, assembles context, and iterates model calls and tool batches until
// a terminal condition. Every exit path marks the Task row and emits a
// terminal event.
func (a *Agent) run(ctx context.Context, userMessage string, opts []RunOption, emit func(Event)) (string, int, Usage, error) {
	cfg := runConfig{sessionID: "default"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if emit == nil {
		emit = func(Event) {}
	}

	var usage Usage
	iterations := 0

	task := Task{
		ID:          NewID(),
		SessionID:   cfg.sessionID,
		Description: userMessage,
		Status:      TaskRunning,
		CreatedAt:   NowUnix(),
	}
	if err := a.store.CreateTask(ctx, task); err != nil {
		emit(Event{Type: EventError, Content: "creating task: " + err.Error()})
		return "", 0, usage, fmt.Errorf("creating task: %w", err)
	}

	fail := func(reason string) {
		if err := a.store.CompleteTask(ctx, task.ID, TaskFailed, truncateStr(reason, taskResultLimit)); err != nil {
			a.logger.Warn("marking task failed", "task", task.ID, "error", err)
		}
	}

	systemPrompt := a.prompts.Build(ctx, userMessage, cfg.sessionID)

	history, err := a.store.ConversationHistory(ctx, cfg.sessionID, a.historyLimit)
	if err != nil {
		a.logger.Warn("loading conversation history", "session", cfg.sessionID, "error", err)
	}
	messages := make([]ChatMessage, 0, len(history)+1)
	for _, row := range history {
		messages = append(messages, ChatMessage{Role: row.Role, Content: row.Content})
	}
	if len(cfg.images) > 0 {
		messages = append(messages, UserMessageWithImages(userMessage, cfg.images))
	} else {
		messages = append(messages, UserMessage(userMessage))
	}

	maxIterations := cfg.maxIterations
	if maxIterations <= 0 {
		maxIterations = cfgInt(ctx, a.store, "max_iterations")
	}
	detector := NewStuckDetector(maxIterations)

	temperature := cfgFloat(ctx, a.store, "temperature")
	thinkingBudget := cfgInt(ctx, a.store, "thinking_budget")
	declarations := a.registry.Declarations()

	a.logger.Info("run started",
		"task", task.ID,
		"session", cfg.sessionID,
		"tools", len(declarations),
		"max_iterations", maxIterations)

	for {
		iterations++
		if err := a.store.IncrementTaskIterations(ctx, task.ID); err != nil {
			a.logger.Warn("incrementing task iterations", "task", task.ID, "error", err)
		}

		resp, err := a.provider.Generate(ctx, Request{
			Messages:       messages,
			Tools:          declarations,
			SystemPrompt:   systemPrompt,
			Temperature:    temperature,
			ThinkingBudget: thinkingBudget,
		})
		if err != nil {
			fail(err.Error())
			emit(Event{Type: EventError, Content: err.Error()})
			return task.ID, iterations, usage, err
		}
		usage.Add(resp.Usage)

		if resp.Thinking != "" {
			emit(Event{Type: EventThinking, Content: resp.Thinking})
		}
		if resp.Text != "" {
			emit(Event{Type: EventText, Content: resp.Text})
		}

		// Final response: no tool calls left to run.
		if len(resp.ToolCalls) == 0 {
			final := resp.Text
			if err := a.store.CompleteTask(ctx, task.ID, TaskCompleted, truncateStr(final, taskResultLimit)); err != nil {
				a.logger.Warn("completing task", "task", task.ID, "error", err)
			}
			a.persistTurn(ctx, cfg.sessionID, userMessage, final)
			emit(Event{Type: EventDone, Content: final})
			a.logger.Info("run finished",
				"task", task.ID,
				"iterations", iterations,
				"tokens", usage.Total())
			return task.ID, iterations, usage, nil
		}

		messages = append(messages, ModelToolCallMessage(resp.Text, resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			detector.Record(call.Name, call.Args)
			emit(Event{Type: EventToolCall, Name: call.Name, Args: call.Args})
		}

		executed := a.executor.Execute(ctx, resp.ToolCalls, emit)

		responses := make([]ToolResponse, 0, len(executed))
		for _, ec := range executed {
			res := ec.Result
			emit(Event{Type: EventToolResult, Name: ec.Call.Name, Content: resultContent(res), Result: &res})
			a.logToolCall(ctx, task.ID, ec.Call, res)
			responses = append(responses, ToolResponse{
				ID:      ec.Call.ID,
				Name:    ec.Call.Name,
				Content: resultContent(res),
				Images:  res.Images,
			})
		}
		messages = append(messages, ToolResponseMessage(responses...))

		verdict := detector.Check()
		if verdict.ShouldTerminate {
			if err := a.store.CompleteTask(ctx, task.ID, TaskStuck, verdict.Message); err != nil {
				a.logger.Warn("marking task stuck", "task", task.ID, "error", err)
			}
			emit(Event{Type: EventStuckWarning, Content: verdict.Message})
			emit(Event{Type: EventError, Content: verdict.Message})
			return task.ID, iterations, usage, ErrStuck{TaskID: task.ID, Message: verdict.Message}
		}
		if verdict.IsStuck {
			emit(Event{Type: EventStuckWarning, Content: verdict.Message})
			messages = append(messages, UserMessage("System warning: "+verdict.Message))
		}

		if stopReason := a.stopRequested(ctx); stopReason != "" {
			fail(stopReason)
			emit(Event{Type: EventDone, Content: "stopped: " + stopReason})
			return task.ID, iterations, usage, nil
		}
	}
}

// stopRequested reports why the run should stop, or "" to keep going.
func (a *Agent) stopRequested(ctx context.Context) string {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "deadline exceeded"
		}
		return "cancelled"
	}
	if a.shutdown != nil && a.shutdown.IsShuttingDown() {
		return "shutting down"
	}
	return ""
}

// persistTurn appends the user and model rows for a completed exchange.
// Rows are written only on completion so abandoned runs leave no partial
// turns in the history.
func (a *Agent) persistTurn(ctx context.Context, sessionID, userMessage, final string) {
	rows := []ConversationRow{
		{ID: NewID(), SessionID: sessionID, Role: RoleUser, Content: userMessage, CreatedAt: NowUnix()},
		{ID: NewID(), SessionID: sessionID, Role: RoleModel, Content: final, CreatedAt: NowUnix()},
	}
	for _, row := range rows {
		if err := a.store.AppendConversation(ctx, row); err != nil {
			a.logger.Warn("appending conversation row", "session", sessionID, "error", err)
			return
		}
	}
}

// logToolCall records one executed call, replacing image payloads with a
// placeholder so the log stays textual.
func (a *Agent) logToolCall(ctx context.Context, taskID string, call ToolCall, res Result) {
	output := resultContent(res)
	if len(res.Images) > 0 {
		output = fmt.Sprintf("%s [%d image(s) omitted]", output, len(res.Images))
	}
	rec := ToolCallRecord{
		ID:              NewID(),
		TaskID:          taskID,
		ToolName:        call.Name,
		Input:           string(call.Args),
		Output:          truncateStr(output, taskResultLimit),
		Success:         res.Success,
		ExecutionTimeMS: res.ExecutionTimeMS,
		CreatedAt:       NowUnix(),
	}
	if err := a.store.LogToolCall(ctx, rec); err != nil {
		a.logger.Warn("logging tool call", "tool", call.Name, "error", err)
	}
}

// resultContent renders a Result for the model and the logs.
func resultContent(res Result) string {
	if !res.Success {
		return "error: " + res.Error
	}
	return res.Output
}
