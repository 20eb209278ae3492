package alter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

// AutonomousSession is the session id of the agent's self-directed
// conversation. User-facing surfaces must not write into it.
const AutonomousSession = "autonomous"

const (
	// maxInvestigationCycles is how many consecutive investigation cycles
	// run before the driver forces execution mode.
	maxInvestigationCycles = 2
	// autonomousKeep is the conversation window the autonomous session is
	// trimmed to, and the history size loaded into each reflection.
	autonomousKeep = 12
	// trimEvery is the cycle interval for conversation trimming.
	trimEvery = 5
	// taskAvoidListSize is how many recent descriptions feed the synthesis
	// avoid-list.
	taskAvoidListSize = 20
	// synthesisRetries is how many times task synthesis retries when the
	// candidate overlaps recent work.
	synthesisRetries = 3
	// deliverableMinBytes is the minimum file size that counts as a real
	// deliverable.
	deliverableMinBytes = 50
	// thoughtSummaryLimit caps stored thought summaries.
	thoughtSummaryLimit = 200
	// knowledgeCap is the retained knowledge row count after pruning.
	knowledgeCap = 10000
	// thoughtMaxAge is how long thoughts are retained.
	thoughtMaxAge = 7 * 24 * time.Hour
)

// Survival ledger amounts. The hourly debt models a monthly server bill
// spread over 720 hours; credits reward verified deliverables.
const (
	defaultHourlyDebt = 250.0 / 720.0
	creditDeliverable = 1.0
	creditPartialWork = 0.5
)

// Consciousness is the always-on driver that keeps the agent working when
// no user is talking to it. Each cycle it reflects with a small model,
// checks its own recent output for repetition and fakery, and runs one
// autonomous action through the agent, crediting the survival ledger when
// the action leaves verifiable work behind.
type Consciousness struct {
	agent     *Agent
	store     Store
	reflector Provider
	shutdown  *ShutdownCoordinator
	logger    *slog.Logger

	workspace     string
	hourlyDebt    float64
	leaseDuration time.Duration
	tokenPattern  *regexp.Regexp
	cycleSleep    time.Duration
	errorSleep    time.Duration
	leaseSleep    time.Duration

	running            atomic.Bool
	leaseUntil         atomic.Int64
	investigationCount int
	cycles             int
}

// ConsciousnessOption configures a Consciousness.
type ConsciousnessOption func(*Consciousness)

// ConsciousnessLogger sets the structured logger.
func ConsciousnessLogger(l *slog.Logger) ConsciousnessOption {
	return func(c *Consciousness) { c.logger = l }
}

// ConsciousnessShutdown attaches a shutdown coordinator for cooperative
// exit.
func ConsciousnessShutdown(s *ShutdownCoordinator) ConsciousnessOption {
	return func(c *Consciousness) { c.shutdown = s }
}

// ConsciousnessWorkspace sets the directory scanned for deliverable files.
func ConsciousnessWorkspace(dir string) ConsciousnessOption {
	return func(c *Consciousness) { c.workspace = dir }
}

// ConsciousnessHourlyDebt overrides the hourly survival debt.
func ConsciousnessHourlyDebt(amount float64) ConsciousnessOption {
	return func(c *Consciousness) {
		if amount >= 0 {
			c.hourlyDebt = amount
		}
	}
}

// ConsciousnessLease sets how long a user interaction suppresses the
// autonomous cycle.
func ConsciousnessLease(d time.Duration) ConsciousnessOption {
	return func(c *Consciousness) {
		if d > 0 {
			c.leaseDuration = d
		}
	}
}

// WithTokenPattern overrides the tokenizer used by the repetition and
// novelty checks.
func WithTokenPattern(p *regexp.Regexp) ConsciousnessOption {
	return func(c *Consciousness) {
		if p != nil {
			c.tokenPattern = p
		}
	}
}

// NewConsciousness creates the driver. agent runs the autonomous actions;
// reflector is the small model used for reflection and task synthesis.
func NewConsciousness(agent *Agent, store Store, reflector Provider, opts ...ConsciousnessOption) *Consciousness {
	c := &Consciousness{
		agent:         agent,
		store:         store,
		reflector:     reflector,
		workspace:     "workspace",
		hourlyDebt:    defaultHourlyDebt,
		leaseDuration: time.Minute,
		tokenPattern:  defaultTokenPattern,
		cycleSleep:    2 * time.Second,
		errorSleep:    10 * time.Second,
		leaseSleep:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	return c
}

// Interrupt takes the interaction lease: the driver skips cycles until it
// expires. Surfaces call this on every inbound user message.
func (c *Consciousness) Interrupt() {
	c.leaseUntil.Store(time.Now().Add(c.leaseDuration).UnixNano())
}

// Interrupted reports whether the interaction lease is currently held.
func (c *Consciousness) Interrupted() bool {
	return time.Now().UnixNano() < c.leaseUntil.Load()
}

// Running reports whether the driver loop is active.
func (c *Consciousness) Running() bool {
	return c.running.Load()
}

// Run drives the autonomous loop until ctx is cancelled or shutdown is
// requested. Only one loop may run at a time.
func (c *Consciousness) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("consciousness already running")
	}
	defer c.running.Store(false)

	if err := c.genesis(ctx); err != nil {
		c.logger.Warn("genesis reflection failed", "error", err)
	}

	for {
		if c.stopRequested(ctx) {
			c.logger.Info("consciousness stopping")
			return nil
		}
		if c.Interrupted() {
			if !sleepCtx(ctx, c.leaseSleep) {
				return nil
			}
			continue
		}
		if err := c.cycle(ctx); err != nil {
			c.logger.Error("consciousness cycle failed", "error", err)
			if !sleepCtx(ctx, c.errorSleep) {
				return nil
			}
			continue
		}
		if !sleepCtx(ctx, c.cycleSleep) {
			return nil
		}
	}
}

func (c *Consciousness) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return c.shutdown != nil && c.shutdown.IsShuttingDown()
}

// genesis runs the one-shot first reflection when the thoughts table is
// empty.
func (c *Consciousness) genesis(ctx context.Context) error {
	thoughts, err := c.store.RecentThoughts(ctx, 1)
	if err != nil {
		return err
	}
	if len(thoughts) > 0 {
		return nil
	}
	resp, err := c.reflector.Generate(ctx, Request{
		Messages:     []ChatMessage{UserMessage(genesisPrompt)},
		SystemPrompt: reflectionSystemPrompt,
		Temperature:  0.7,
	})
	if err != nil {
		return err
	}
	c.logger.Info("genesis thought recorded")
	return c.store.SaveThought(ctx, Thought{
		ID:        NewID(),
		Content:   resp.Text,
		Summary:   SummarizeText(resp.Text, thoughtSummaryLimit),
		Category:  "genesis",
		CreatedAt: NowUnix(),
	})
}

// cycle is one pass of the autonomous loop.
func (c *Consciousness) cycle(ctx context.Context) error {
	charged, err := c.store.ApplyHourlyDebt(ctx, c.hourlyDebt)
	if err != nil {
		c.logger.Warn("applying hourly debt", "error", err)
	} else if charged > 0 {
		c.logger.Info("hourly debt charged", "amount", charged)
	}

	execute := c.investigationCount >= maxInvestigationCycles

	recent, err := c.store.RecentTasks(ctx, AutonomousSession, taskAvoidListSize)
	if err != nil {
		return err
	}
	descriptions := make([]string, len(recent))
	for i, t := range recent {
		descriptions[i] = t.Description
	}

	thoughts, err := c.store.RecentThoughts(ctx, fakeryWindow)
	if err != nil {
		return err
	}
	thoughtTexts := make([]string, len(thoughts))
	for i, t := range thoughts {
		thoughtTexts[i] = t.Content
	}

	repeating := DetectRepetition(descriptions, c.tokenPattern)
	faking := DetectFakery(thoughtTexts)

	prompt := investigationPrompt
	if execute {
		prompt = executionPrompt
	}
	if repeating || faking {
		c.logger.Warn("poisoned state detected, resetting",
			"repeating", repeating,
			"faking", faking)
		if err := c.store.ClearConversation(ctx, AutonomousSession); err != nil {
			c.logger.Warn("clearing autonomous conversation", "error", err)
		}
		execute = true
		prompt = antiRepetitionDirective
	}

	thought, err := c.reflect(ctx, prompt)
	if err != nil {
		return err
	}

	action := thought
	if execute {
		task, err := c.synthesizeTask(ctx, descriptions)
		if err != nil {
			c.logger.Warn("task synthesis failed, using directive", "error", err)
			task = antiRepetitionDirective
		}
		action = task
	}

	obs := c.observeRun(ctx, action)
	c.settleCycle(ctx, action, obs)

	if n, err := c.store.PruneKnowledge(ctx, knowledgeCap); err != nil {
		c.logger.Warn("pruning knowledge", "error", err)
	} else if n > 0 {
		c.logger.Info("knowledge pruned", "removed", n)
	}
	if n, err := c.store.PruneThoughts(ctx, thoughtMaxAge); err != nil {
		c.logger.Warn("pruning thoughts", "error", err)
	} else if n > 0 {
		c.logger.Info("thoughts pruned", "removed", n)
	}

	c.cycles++
	if c.cycles%trimEvery == 0 {
		if err := c.store.TrimConversation(ctx, AutonomousSession, autonomousKeep); err != nil {
			c.logger.Warn("trimming autonomous conversation", "error", err)
		}
	}
	return nil
}

// reflect asks the small model for the next step over the autonomous
// session's recent history and saves the reply as a thought.
func (c *Consciousness) reflect(ctx context.Context, prompt string) (string, error) {
	history, err := c.store.ConversationHistory(ctx, AutonomousSession, autonomousKeep)
	if err != nil {
		c.logger.Warn("loading autonomous history", "error", err)
	}
	messages := make([]ChatMessage, 0, len(history)+1)
	for _, row := range history {
		messages = append(messages, ChatMessage{Role: row.Role, Content: row.Content})
	}
	messages = append(messages, UserMessage(prompt))

	resp, err := c.reflector.Generate(ctx, Request{
		Messages:     messages,
		SystemPrompt: reflectionSystemPrompt,
		Temperature:  0.7,
	})
	if err != nil {
		return "", err
	}

	category := "investigation"
	if c.investigationCount >= maxInvestigationCycles {
		category = "execution"
	}
	if err := c.store.SaveThought(ctx, Thought{
		ID:        NewID(),
		Content:   resp.Text,
		Summary:   SummarizeText(resp.Text, thoughtSummaryLimit),
		Category:  category,
		CreatedAt: NowUnix(),
	}); err != nil {
		c.logger.Warn("saving thought", "error", err)
	}
	return resp.Text, nil
}

// synthesizeTask asks the small model for a fresh task that avoids recent
// work, retrying while the candidate overlaps. After the retries are spent
// the last non-empty candidate is used anyway.
func (c *Consciousness) synthesizeTask(ctx context.Context, avoid []string) (string, error) {
	top := avoid
	if len(top) > noveltyWindow {
		top = top[:noveltyWindow]
	}
	var candidate string
	for attempt := 1; attempt <= synthesisRetries; attempt++ {
		resp, err := c.reflector.Generate(ctx, Request{
			Messages:     []ChatMessage{UserMessage(taskSynthesisPrompt(avoid))},
			SystemPrompt: reflectionSystemPrompt,
			Temperature:  0.9,
		})
		if err != nil {
			return "", err
		}
		candidate = strings.TrimSpace(resp.Text)
		if candidate != "" && ValidateTaskNovelty(candidate, top, c.tokenPattern) {
			return candidate, nil
		}
		c.logger.Warn("synthesized task overlaps recent work", "attempt", attempt)
	}
	if candidate == "" {
		return "", errors.New("task synthesis produced no candidate")
	}
	return candidate, nil
}

// runObservation summarizes what one autonomous action actually did.
type runObservation struct {
	wroteFile   bool
	usedBrowser bool
	completed   bool
	failed      bool
	deliverable bool
}

// observeRun executes action through the agent and watches the event
// stream for signs of real work, then confirms file claims against the
// workspace directory.
func (c *Consciousness) observeRun(ctx context.Context, action string) runObservation {
	before := snapshotDir(c.workspace)

	var obs runObservation
	for ev := range c.agent.RunStream(ctx, action, WithSession(AutonomousSession)) {
		switch ev.Type {
		case EventToolCall:
			switch ev.Name {
			case "file":
				if isFileWrite(ev.Args) {
					obs.wroteFile = true
				}
			case "browser":
				obs.usedBrowser = true
			}
		case EventDone:
			obs.completed = !strings.HasPrefix(ev.Content, "stopped:")
		case EventError:
			obs.failed = true
		}
	}

	if obs.wroteFile {
		obs.deliverable = hasNewDeliverable(before, snapshotDir(c.workspace))
	}
	return obs
}

// settleCycle credits the survival ledger for verified progress and
// advances the investigation counter.
func (c *Consciousness) settleCycle(ctx context.Context, action string, obs runObservation) {
	summary := SummarizeText(action, 80)
	switch {
	case obs.deliverable && obs.completed:
		if err := c.store.AddSurvival(ctx, creditDeliverable, "deliverable completed: "+summary); err != nil {
			c.logger.Warn("crediting survival ledger", "error", err)
		}
	case obs.deliverable || obs.completed || obs.usedBrowser:
		if err := c.store.AddSurvival(ctx, creditPartialWork, "partial progress: "+summary); err != nil {
			c.logger.Warn("crediting survival ledger", "error", err)
		}
	}

	progress := obs.deliverable || obs.completed || obs.usedBrowser
	if progress {
		c.investigationCount = 0
	} else {
		c.investigationCount++
	}
	c.logger.Info("cycle settled",
		"completed", obs.completed,
		"deliverable", obs.deliverable,
		"browser", obs.usedBrowser,
		"investigation_count", c.investigationCount)
}

// isFileWrite reports whether args describe a file write or append after
// normalization.
func isFileWrite(raw json.RawMessage) bool {
	args, _ := NormalizeArgs("file", raw)
	var p struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return false
	}
	return p.Action == "write" || p.Action == "append"
}

// snapshotDir maps regular file names to sizes for a flat directory.
// Missing or unreadable directories yield an empty snapshot.
func snapshotDir(dir string) map[string]int64 {
	snap := make(map[string]int64)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return snap
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snap[e.Name()] = info.Size()
	}
	return snap
}

// hasNewDeliverable reports whether after contains a file over the
// deliverable size floor that is new or grew since before.
func hasNewDeliverable(before, after map[string]int64) bool {
	for name, size := range after {
		if size <= deliverableMinBytes {
			continue
		}
		prev, existed := before[name]
		if !existed || size > prev {
			return true
		}
	}
	return false
}

// sleepCtx sleeps for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
