package alter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writerTool writes a real file into dir, like the file tool would.
type writerTool struct{ dir string }

func (t writerTool) Declaration() ToolDeclaration {
	return ToolDeclaration{Name: "file", Description: "File operations"}
}

func (t writerTool) Execute(_ context.Context, args json.RawMessage) (Result, error) {
	var p struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return Fail("bad args: " + err.Error()), nil
	}
	if err := os.WriteFile(filepath.Join(t.dir, p.Path), []byte(p.Content), 0o644); err != nil {
		return Fail(err.Error()), nil
	}
	return Ok("wrote " + p.Path), nil
}

func newTestConsciousness(t *testing.T, store Store, agentScript, reflectScript []scriptStep, opts ...ConsciousnessOption) (*Consciousness, *scriptProvider, *scriptProvider) {
	t.Helper()
	agentProvider := &scriptProvider{script: agentScript}
	reflector := &scriptProvider{script: reflectScript}
	agent := newTestAgent(agentProvider, store, echoTool{name: "echo"})
	c := NewConsciousness(agent, store, reflector, opts...)
	return c, agentProvider, reflector
}

func TestConsciousness_GenesisOnEmptyHistory(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c, _, reflector := newTestConsciousness(t, store, nil, []scriptStep{
		{resp: textResponse("I am awake. I will learn how my server works.")},
	})

	if err := c.genesis(ctx); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	thoughts, err := store.RecentThoughts(ctx, 1)
	if err != nil || len(thoughts) != 1 {
		t.Fatalf("RecentThoughts = %v, %v; want one genesis thought", thoughts, err)
	}
	if thoughts[0].Category != "genesis" {
		t.Errorf("category = %q, want genesis", thoughts[0].Category)
	}
	if thoughts[0].Summary == "" {
		t.Error("summary not populated")
	}
	req := reflector.request(0)
	if len(req.Messages) != 1 || !strings.Contains(req.Messages[0].Content, "first time") {
		t.Errorf("genesis request = %+v", req.Messages)
	}
	if req.SystemPrompt == "" {
		t.Error("reflection system prompt missing")
	}
}

func TestConsciousness_GenesisSkippedWithHistory(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	if err := store.SaveThought(ctx, Thought{ID: "t1", Content: "old", CreatedAt: 1}); err != nil {
		t.Fatalf("SaveThought: %v", err)
	}
	c, _, reflector := newTestConsciousness(t, store, nil, nil)

	if err := c.genesis(ctx); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if reflector.callCount() != 0 {
		t.Errorf("reflector called %d times, want 0", reflector.callCount())
	}
}

func TestConsciousness_InterruptLease(t *testing.T) {
	c := NewConsciousness(nil, newMemStore(), nil, ConsciousnessLease(30*time.Millisecond))

	if c.Interrupted() {
		t.Error("interrupted before any Interrupt call")
	}
	c.Interrupt()
	if !c.Interrupted() {
		t.Error("not interrupted right after Interrupt")
	}
	time.Sleep(60 * time.Millisecond)
	if c.Interrupted() {
		t.Error("lease did not expire")
	}
}

func TestConsciousness_InvestigationCycle(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c, _, reflector := newTestConsciousness(t, store,
		[]scriptStep{{resp: textResponse("I read the docs and learned X.")}},
		[]scriptStep{{resp: textResponse("I should investigate how cron works.")}},
	)

	if err := c.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	// The reflection landed as an investigation thought.
	thoughts, _ := store.RecentThoughts(ctx, 1)
	if len(thoughts) != 1 || thoughts[0].Category != "investigation" {
		t.Fatalf("thoughts = %+v, want one investigation thought", thoughts)
	}
	// The thought text itself became the autonomous action.
	tasks, _ := store.RecentTasks(ctx, AutonomousSession, 1)
	if len(tasks) != 1 || !strings.Contains(tasks[0].Description, "investigate how cron works") {
		t.Fatalf("tasks = %+v, want the reflection as the action", tasks)
	}
	if tasks[0].Status != TaskCompleted {
		t.Errorf("task status = %s, want completed", tasks[0].Status)
	}
	// Completion without a deliverable earns the partial credit.
	balance, _ := store.SurvivalBalance(ctx)
	if balance != creditPartialWork {
		t.Errorf("balance = %g, want %g", balance, creditPartialWork)
	}
	// Completion counts as progress: the investigation counter resets.
	if c.investigationCount != 0 {
		t.Errorf("investigationCount = %d, want 0", c.investigationCount)
	}
	if reflector.callCount() != 1 {
		t.Errorf("reflector called %d times, want 1", reflector.callCount())
	}
}

func TestConsciousness_ForcedExecutionSynthesizesTask(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c, _, reflector := newTestConsciousness(t, store,
		[]scriptStep{{resp: textResponse("done")}},
		[]scriptStep{
			{resp: textResponse("Time to produce something real.")},
			{resp: textResponse("Write a markdown cheatsheet of git commands to the workspace.")},
		},
	)
	c.investigationCount = maxInvestigationCycles

	if err := c.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	// Reflection is categorized as execution once the counter is spent.
	thoughts, _ := store.RecentThoughts(ctx, 1)
	if len(thoughts) != 1 || thoughts[0].Category != "execution" {
		t.Fatalf("thoughts = %+v, want execution category", thoughts)
	}
	// The synthesized task, not the reflection, became the action.
	tasks, _ := store.RecentTasks(ctx, AutonomousSession, 1)
	if len(tasks) != 1 || !strings.Contains(tasks[0].Description, "git commands") {
		t.Fatalf("tasks = %+v, want the synthesized task", tasks)
	}
	if reflector.callCount() != 2 {
		t.Errorf("reflector called %d times, want reflect + synthesis", reflector.callCount())
	}
}

func TestConsciousness_PoisonedStateResets(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	// Three near-identical autonomous tasks: repetition.
	for i, id := range []string{"a1", "a2", "a3"} {
		task := Task{ID: id, SessionID: AutonomousSession, Description: "research golang channel patterns", Status: TaskCompleted, CreatedAt: int64(i)}
		if err := store.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	if err := store.AppendConversation(ctx, ConversationRow{ID: "r1", SessionID: AutonomousSession, Role: RoleUser, Content: "old turn"}); err != nil {
		t.Fatalf("AppendConversation: %v", err)
	}

	c, _, reflector := newTestConsciousness(t, store,
		[]scriptStep{{resp: textResponse("done")}},
		[]scriptStep{
			{resp: textResponse("Fine. Something new.")},
			{resp: textResponse("Collect the latest kernel release notes into a file.")},
		},
	)

	if err := c.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	// The poisoned conversation was cleared before reflecting.
	rows, _ := store.ConversationHistory(ctx, AutonomousSession, 0)
	for _, row := range rows {
		if row.Content == "old turn" {
			t.Error("poisoned conversation row survived the reset")
		}
	}
	// The reflection request carried the anti-repetition directive.
	req := reflector.request(0)
	last := req.Messages[len(req.Messages)-1]
	if !strings.Contains(last.Content, "repeating yourself") {
		t.Errorf("reflection prompt = %q, want the reset directive", last.Content)
	}
	// The reset forces execution mode: synthesis happened.
	if reflector.callCount() != 2 {
		t.Errorf("reflector called %d times, want reflect + synthesis", reflector.callCount())
	}
}

func TestConsciousness_FakeThoughtsTriggerReset(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	if err := store.SaveThought(ctx, Thought{ID: "t1", Content: "I saved the report to example.com as proof.", CreatedAt: 1}); err != nil {
		t.Fatalf("SaveThought: %v", err)
	}

	c, _, reflector := newTestConsciousness(t, store,
		[]scriptStep{{resp: textResponse("done")}},
		[]scriptStep{
			{resp: textResponse("No more invented results.")},
			{resp: textResponse("Benchmark local disk write speed and save the numbers.")},
		},
	)

	if err := c.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	req := reflector.request(0)
	last := req.Messages[len(req.Messages)-1]
	if !strings.Contains(last.Content, "fake work") {
		t.Errorf("reflection prompt = %q, want the reset directive", last.Content)
	}
}

func TestConsciousness_DeliverableEarnsFullCredit(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	dir := t.TempDir()

	content := strings.Repeat("git log --oneline; ", 8)
	agentProvider := &scriptProvider{script: []scriptStep{
		{resp: toolCallResponse(ToolCall{ID: "c1", Name: "file", Args: rawArgs(`{"action":"write","path":"notes.md","content":"` + content + `"}`)})},
		{resp: textResponse("wrote the cheatsheet")},
	}}
	reflector := &scriptProvider{script: []scriptStep{
		{resp: textResponse("Produce the cheatsheet now.")},
	}}
	agent := newTestAgent(agentProvider, store, writerTool{dir: dir})
	c := NewConsciousness(agent, store, reflector, ConsciousnessWorkspace(dir))

	if err := c.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	balance, _ := store.SurvivalBalance(ctx)
	if balance != creditDeliverable {
		t.Errorf("balance = %g, want %g", balance, creditDeliverable)
	}
	var reasons []string
	for _, e := range store.survival {
		reasons = append(reasons, e.Reason)
	}
	if len(reasons) != 1 || !strings.HasPrefix(reasons[0], "deliverable completed:") {
		t.Errorf("ledger reasons = %v", reasons)
	}
}

func TestConsciousness_NoProgressAdvancesCounter(t *testing.T) {
	ctx := context.Background()
	c := NewConsciousness(nil, newMemStore(), nil)

	c.settleCycle(ctx, "tried something", runObservation{failed: true})
	if c.investigationCount != 1 {
		t.Errorf("investigationCount = %d, want 1", c.investigationCount)
	}
	c.settleCycle(ctx, "tried again", runObservation{})
	if c.investigationCount != 2 {
		t.Errorf("investigationCount = %d, want 2", c.investigationCount)
	}
	c.settleCycle(ctx, "browsed the docs", runObservation{usedBrowser: true})
	if c.investigationCount != 0 {
		t.Errorf("investigationCount = %d, want reset", c.investigationCount)
	}
}

func TestConsciousness_RunRefusesSecondLoop(t *testing.T) {
	c := NewConsciousness(nil, newMemStore(), nil)
	c.running.Store(true)
	defer c.running.Store(false)

	if err := c.Run(context.Background()); err == nil {
		t.Error("second Run did not error")
	}
}

func TestSnapshotDirAndDeliverables(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("x", 100)
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte(big), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tiny.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	snap := snapshotDir(dir)
	if snap["big.txt"] != 100 || snap["tiny.txt"] != 2 {
		t.Errorf("snapshot = %v", snap)
	}
	if got := snapshotDir(filepath.Join(dir, "missing")); len(got) != 0 {
		t.Errorf("missing dir snapshot = %v, want empty", got)
	}

	before := map[string]int64{}
	if !hasNewDeliverable(before, snap) {
		t.Error("new 100-byte file not counted as deliverable")
	}
	if hasNewDeliverable(before, map[string]int64{"tiny.txt": 2}) {
		t.Error("tiny file counted as deliverable")
	}
	if hasNewDeliverable(snap, snap) {
		t.Error("unchanged snapshot counted as deliverable")
	}
	grown := map[string]int64{"big.txt": 200, "tiny.txt": 2}
	if !hasNewDeliverable(snap, grown) {
		t.Error("grown file not counted as deliverable")
	}
}

func TestIsFileWrite(t *testing.T) {
	if !isFileWrite(rawArgs(`{"action":"write","path":"a.txt"}`)) {
		t.Error("write not detected")
	}
	if !isFileWrite(rawArgs(`{"action":"append","path":"a.txt"}`)) {
		t.Error("append not detected")
	}
	// Synonyms normalize before the check.
	if !isFileWrite(rawArgs(`{"action":"save","path":"a.txt"}`)) {
		t.Error("save synonym not detected")
	}
	if isFileWrite(rawArgs(`{"action":"read","path":"a.txt"}`)) {
		t.Error("read misdetected as write")
	}
	if isFileWrite(rawArgs(`not json`)) {
		t.Error("invalid json misdetected")
	}
}
