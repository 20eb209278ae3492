package alter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// nopStore satisfies the Store interface with no-ops. Embed it in
// test-specific store structs to avoid implementing every method.
type nopStore struct{}

func (nopStore) UpsertMemory(_ context.Context, _ Memory) error        { return nil }
func (nopStore) GetMemory(_ context.Context, _ string) (Memory, error) { return Memory{}, ErrNotFound }
func (nopStore) SearchMemory(_ context.Context, _ string, _ int) ([]Memory, error) {
	return nil, nil
}
func (nopStore) DeleteMemory(_ context.Context, _ string) error { return nil }
func (nopStore) CountMemory(_ context.Context) (int, error)     { return 0, nil }
func (nopStore) PruneMemory(_ context.Context, _ int) (int, error) {
	return 0, nil
}
func (nopStore) CreateTask(_ context.Context, _ Task) error        { return nil }
func (nopStore) GetTask(_ context.Context, _ string) (Task, error) { return Task{}, ErrNotFound }
func (nopStore) IncrementTaskIterations(_ context.Context, _ string) error {
	return nil
}
func (nopStore) CompleteTask(_ context.Context, _ string, _ TaskStatus, _ string) error {
	return nil
}
func (nopStore) RecentTasks(_ context.Context, _ string, _ int) ([]Task, error) {
	return nil, nil
}
func (nopStore) LogToolCall(_ context.Context, _ ToolCallRecord) error { return nil }
func (nopStore) ToolCallsForTask(_ context.Context, _ string) ([]ToolCallRecord, error) {
	return nil, nil
}
func (nopStore) AppendConversation(_ context.Context, _ ConversationRow) error { return nil }
func (nopStore) ConversationHistory(_ context.Context, _ string, _ int) ([]ConversationRow, error) {
	return nil, nil
}
func (nopStore) ClearConversation(_ context.Context, _ string) error       { return nil }
func (nopStore) TrimConversation(_ context.Context, _ string, _ int) error { return nil }
func (nopStore) GetConfig(_ context.Context, key string) (string, error) {
	if def, ok := DefaultConfigValue(key); ok {
		return def, nil
	}
	return "", ErrNotFound
}
func (nopStore) SetConfig(_ context.Context, _, _ string) error { return nil }
func (nopStore) DeleteConfig(_ context.Context, _ string) error { return nil }
func (nopStore) AllConfig(_ context.Context) (map[string]string, error) {
	return ConfigDefaults(), nil
}
func (nopStore) SaveThought(_ context.Context, _ Thought) error { return nil }
func (nopStore) RecentThoughts(_ context.Context, _ int) ([]Thought, error) {
	return nil, nil
}
func (nopStore) PruneThoughts(_ context.Context, _ time.Duration) (int, error) {
	return 0, nil
}
func (nopStore) SaveKnowledge(_ context.Context, _ Knowledge, _ []float32) error { return nil }
func (nopStore) SearchKnowledge(_ context.Context, _ []float32, _ int) ([]Knowledge, error) {
	return nil, nil
}
func (nopStore) RecentKnowledge(_ context.Context, _ int) ([]Knowledge, error) {
	return nil, nil
}
func (nopStore) CountKnowledge(_ context.Context) (int, error) { return 0, nil }
func (nopStore) PruneKnowledge(_ context.Context, _ int) (int, error) {
	return 0, nil
}
func (nopStore) AddSurvival(_ context.Context, _ float64, _ string) error { return nil }
func (nopStore) SurvivalBalance(_ context.Context) (float64, error)       { return 0, nil }
func (nopStore) ApplyHourlyDebt(_ context.Context, _ float64) (float64, error) {
	return 0, nil
}
func (nopStore) Timeline(_ context.Context, _ int) ([]TimelineItem, error) {
	return nil, nil
}
func (nopStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return fn(nopStore{})
}
func (nopStore) Close() error { return nil }

var _ Store = nopStore{}

// memStore is a working in-memory Store for loop and driver tests. Only
// the behavior the core exercises is implemented faithfully; the rest
// falls through to nopStore.
type memStore struct {
	nopStore
	mu            sync.Mutex
	memories      map[string]Memory
	tasks         map[string]*Task
	taskOrder     []string
	toolCalls     []ToolCallRecord
	conversations map[string][]ConversationRow
	config        map[string]string
	thoughts      []Thought
	knowledge     []Knowledge
	survival      []SurvivalEntry
	lastDebtAt    int64
}

func newMemStore() *memStore {
	return &memStore{
		memories:      make(map[string]Memory),
		tasks:         make(map[string]*Task),
		conversations: make(map[string][]ConversationRow),
		config:        make(map[string]string),
	}
}

func (s *memStore) UpsertMemory(_ context.Context, m Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.memories[m.Key]; ok {
		m.CreatedAt = old.CreatedAt
		m.AccessCount = old.AccessCount
	}
	s.memories[m.Key] = m
	return nil
}

func (s *memStore) GetMemory(_ context.Context, key string) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[key]
	if !ok {
		return Memory{}, ErrNotFound
	}
	m.AccessCount++
	s.memories[key] = m
	return m, nil
}

func (s *memStore) SearchMemory(_ context.Context, query string, limit int) ([]Memory, error) {
	s.mu.Lock()
	rows := make([]Memory, 0, len(s.memories))
	for _, m := range s.memories {
		rows = append(rows, m)
	}
	s.mu.Unlock()
	return RankMemories(rows, query, limit), nil
}

func (s *memStore) DeleteMemory(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[key]; !ok {
		return ErrNotFound
	}
	delete(s.memories, key)
	return nil
}

func (s *memStore) CountMemory(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.memories), nil
}

func (s *memStore) CreateTask(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.tasks[t.ID] = &cp
	s.taskOrder = append(s.taskOrder, t.ID)
	return nil
}

func (s *memStore) GetTask(_ context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return *t, nil
}

func (s *memStore) IncrementTaskIterations(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Iterations++
	return nil
}

func (s *memStore) CompleteTask(_ context.Context, id string, status TaskStatus, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status.Terminal() {
		return nil
	}
	t.Status = status
	t.Result = result
	t.CompletedAt = NowUnix()
	return nil
}

func (s *memStore) RecentTasks(_ context.Context, sessionID string, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for i := len(s.taskOrder) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		t := s.tasks[s.taskOrder[i]]
		if t.SessionID == sessionID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *memStore) LogToolCall(_ context.Context, rec ToolCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCalls = append(s.toolCalls, rec)
	return nil
}

func (s *memStore) ToolCallsForTask(_ context.Context, taskID string) ([]ToolCallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ToolCallRecord
	for _, rec := range s.toolCalls {
		if rec.TaskID == taskID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) AppendConversation(_ context.Context, row ConversationRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[row.SessionID] = append(s.conversations[row.SessionID], row)
	return nil
}

func (s *memStore) ConversationHistory(_ context.Context, sessionID string, limit int) ([]ConversationRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.conversations[sessionID]
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]ConversationRow, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *memStore) ClearConversation(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, sessionID)
	return nil
}

func (s *memStore) TrimConversation(_ context.Context, sessionID string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.conversations[sessionID]
	if keep >= 0 && len(rows) > keep {
		s.conversations[sessionID] = append([]ConversationRow(nil), rows[len(rows)-keep:]...)
	}
	return nil
}

func (s *memStore) GetConfig(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	v, ok := s.config[key]
	s.mu.Unlock()
	if ok {
		if ValidateConfigValue(key, v) != nil {
			return RepairConfigValue(key, v), nil
		}
		return v, nil
	}
	if def, has := DefaultConfigValue(key); has {
		return def, nil
	}
	return "", ErrNotFound
}

func (s *memStore) SetConfig(_ context.Context, key, value string) error {
	if err := ValidateConfigValue(key, value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
	return nil
}

func (s *memStore) DeleteConfig(_ context.Context, key string) error {
	if ConfigProtected(key) {
		return fmt.Errorf("config key %s is protected", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.config, key)
	return nil
}

func (s *memStore) SaveThought(_ context.Context, t Thought) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thoughts = append(s.thoughts, t)
	return nil
}

func (s *memStore) RecentThoughts(_ context.Context, limit int) ([]Thought, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Thought
	for i := len(s.thoughts) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, s.thoughts[i])
	}
	return out, nil
}

func (s *memStore) SaveKnowledge(_ context.Context, k Knowledge, _ []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knowledge = append(s.knowledge, k)
	return nil
}

func (s *memStore) RecentKnowledge(_ context.Context, limit int) ([]Knowledge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Knowledge
	for i := len(s.knowledge) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, s.knowledge[i])
	}
	return out, nil
}

func (s *memStore) CountKnowledge(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.knowledge), nil
}

func (s *memStore) AddSurvival(_ context.Context, amount float64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.survival = append(s.survival, SurvivalEntry{ID: NewID(), Amount: amount, Reason: reason, CreatedAt: NowUnix()})
	return nil
}

func (s *memStore) SurvivalBalance(_ context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for _, e := range s.survival {
		sum += e.Amount
	}
	return sum, nil
}

func (s *memStore) ApplyHourlyDebt(_ context.Context, hourlyRate float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := NowUnix()
	if s.lastDebtAt == 0 {
		s.lastDebtAt = now
		return 0, nil
	}
	hours := float64(now-s.lastDebtAt) / 3600
	if hours < 1 {
		return 0, nil
	}
	charged := hours * hourlyRate
	s.survival = append(s.survival, SurvivalEntry{ID: NewID(), Amount: -charged, Reason: "hourly debt", CreatedAt: now})
	s.lastDebtAt = now
	return charged, nil
}

func (s *memStore) Timeline(_ context.Context, limit int) ([]TimelineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []TimelineItem
	for _, t := range s.thoughts {
		items = append(items, TimelineItem{ID: t.ID, Type: "thought", Content: t.Content, Summary: t.Summary, Timestamp: t.CreatedAt})
	}
	for _, k := range s.knowledge {
		items = append(items, TimelineItem{ID: k.ID, Type: "knowledge", Content: k.Content, Summary: k.Summary, Timestamp: k.CreatedAt})
	}
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		items = append(items, TimelineItem{ID: t.ID, Type: "task", Content: t.Description, Summary: t.Result, Timestamp: t.CreatedAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Timestamp > items[j].Timestamp })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

var _ Store = (*memStore)(nil)

// --- Tool stubs (shared across tool, executor, and agent tests) ---

// echoTool succeeds and echoes its raw arguments.
type echoTool struct{ name string }

func (t echoTool) Declaration() ToolDeclaration {
	name := t.name
	if name == "" {
		name = "echo"
	}
	return ToolDeclaration{Name: name, Description: "Echo arguments back"}
}

func (t echoTool) Execute(_ context.Context, args json.RawMessage) (Result, error) {
	return Ok("echo: " + string(args)), nil
}

// failTool returns a failure Result (errors-as-data, never retried).
type failTool struct{}

func (failTool) Declaration() ToolDeclaration {
	return ToolDeclaration{Name: "fail", Description: "Always fails"}
}

func (failTool) Execute(_ context.Context, _ json.RawMessage) (Result, error) {
	return Fail("deliberate failure"), nil
}

// errTool returns hard errors until succeedAfter attempts have been made.
type errTool struct {
	mu           sync.Mutex
	calls        int
	succeedAfter int
}

func (t *errTool) Declaration() ToolDeclaration {
	return ToolDeclaration{Name: "flaky", Description: "Errors then succeeds"}
}

func (t *errTool) Execute(_ context.Context, _ json.RawMessage) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.calls <= t.succeedAfter {
		return Result{}, errors.New("transient breakage")
	}
	return Ok("recovered"), nil
}

func (t *errTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// panicTool panics on execution.
type panicTool struct{}

func (panicTool) Declaration() ToolDeclaration {
	return ToolDeclaration{Name: "boom", Description: "Panics"}
}

func (panicTool) Execute(_ context.Context, _ json.RawMessage) (Result, error) {
	panic("boom")
}

// slowTool blocks until its context ends.
type slowTool struct{}

func (slowTool) Declaration() ToolDeclaration {
	return ToolDeclaration{Name: "slow", Description: "Blocks until cancelled"}
}

func (slowTool) Execute(ctx context.Context, _ json.RawMessage) (Result, error) {
	<-ctx.Done()
	return Result{}, ctx.Err()
}

// scriptProvider returns scripted responses in order, then repeats the
// last one. It records every request it sees.
type scriptProvider struct {
	mu       sync.Mutex
	calls    int
	script   []scriptStep
	requests []Request
}

type scriptStep struct {
	resp Response
	err  error
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Generate(_ context.Context, req Request) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	i := p.calls
	p.calls++
	if i >= len(p.script) {
		if len(p.script) == 0 {
			return Response{}, nil
		}
		i = len(p.script) - 1
	}
	return p.script[i].resp, p.script[i].err
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptProvider) request(i int) Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

var _ Provider = (*scriptProvider)(nil)

// textResponse builds a plain final-text response.
func textResponse(text string) Response {
	return Response{Text: text, FinishReason: "stop"}
}

// toolCallResponse builds a response requesting the given calls.
func toolCallResponse(calls ...ToolCall) Response {
	return Response{ToolCalls: calls, FinishReason: "tool_calls"}
}

// rawArgs is shorthand for a JSON args literal.
func rawArgs(s string) json.RawMessage { return json.RawMessage(s) }

// collectEvents drains an event channel into a slice.
func collectEvents(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

// eventTypes projects the Type sequence of events.
func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = string(ev.Type)
	}
	return out
}

// hasEvent reports whether events contains type t.
func hasEvent(events []Event, t EventType) bool {
	for _, ev := range events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

// joinTypes renders event types for failure messages.
func joinTypes(events []Event) string {
	return strings.Join(eventTypes(events), " ")
}
