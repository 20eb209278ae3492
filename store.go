package alter

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("not found")

// --- Persisted entities ---

// Memory is one key-unique row of the agent's long-term key-value memory.
type Memory struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Category    string `json:"category"`
	Importance  int    `json:"importance"` // 1..10
	AccessCount int    `json:"access_count"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskStuck     TaskStatus = "stuck"
)

// Terminal reports whether s ends a task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskStuck
}

// Task is one agent run.
type Task struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	Iterations  int        `json:"iterations"`
	CreatedAt   int64      `json:"created_at"`
	CompletedAt int64      `json:"completed_at,omitempty"`
}

// ToolCallRecord is one appended row of the tool-call log. Image payloads
// are replaced with a placeholder before storage.
type ToolCallRecord struct {
	ID              string `json:"id"`
	TaskID          string `json:"task_id"`
	ToolName        string `json:"tool_name"`
	Input           string `json:"input"`
	Output          string `json:"output"`
	Success         bool   `json:"success"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	CreatedAt       int64  `json:"created_at"`
}

// ConversationRow is one persisted turn of a session's history.
type ConversationRow struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"` // RoleUser or RoleModel
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// Thought is one reflection written by the consciousness driver.
type Thought struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Summary   string `json:"summary"`
	Category  string `json:"category"`
	CreatedAt int64  `json:"created_at"`
}

// Knowledge is one learned fact, optionally indexed by an embedding vector
// stored under the same id.
type Knowledge struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	Summary    string `json:"summary"`
	Source     string `json:"source"`
	Importance int    `json:"importance"` // 1..10
	CreatedAt  int64  `json:"created_at"`
}

// SurvivalEntry is one signed economic event. The agent's balance is the
// sum of all amounts.
type SurvivalEntry struct {
	ID        string  `json:"id"`
	Amount    float64 `json:"amount"`
	Reason    string  `json:"reason"`
	CreatedAt int64   `json:"created_at"`
}

// TimelineItem is one row of the derived activity view unioning thoughts,
// knowledge, and tasks, newest first.
type TimelineItem struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"` // "thought", "knowledge", "task"
	Content   string            `json:"content"`
	Summary   string            `json:"summary,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// --- Store contract ---

// Store is the sole owner of persisted state. All components read and write
// through it; no entity row is shared across goroutines except as snapshots
// returned here.
//
// Invariants implementations must uphold: every tool-call row references an
// existing task; every knowledge vector has its parent row and is deleted
// with it; a terminal task status never changes once set; importance stays
// in 1..10; a config write that validates is readable back verbatim.
type Store interface {
	// --- Memory KV ---

	// UpsertMemory inserts or replaces the row with m.Key.
	UpsertMemory(ctx context.Context, m Memory) error
	// GetMemory returns the row for key and increments its access count.
	GetMemory(ctx context.Context, key string) (Memory, error)
	// SearchMemory scores rows against query (see MemoryScore) and returns
	// the top matches. Rows with no token match are omitted.
	SearchMemory(ctx context.Context, query string, limit int) ([]Memory, error)
	DeleteMemory(ctx context.Context, key string) error
	CountMemory(ctx context.Context) (int, error)
	// PruneMemory deletes lowest-value rows beyond keep, ordered by
	// ascending (importance, access_count, updated_at). Returns rows removed.
	PruneMemory(ctx context.Context, keep int) (int, error)

	// --- Tasks ---

	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	IncrementTaskIterations(ctx context.Context, id string) error
	// CompleteTask sets a terminal status and result. It is a no-op when the
	// task is already terminal.
	CompleteTask(ctx context.Context, id string, status TaskStatus, result string) error
	// RecentTasks returns the session's tasks, newest first.
	RecentTasks(ctx context.Context, sessionID string, limit int) ([]Task, error)

	// --- Tool-call log ---

	LogToolCall(ctx context.Context, rec ToolCallRecord) error
	ToolCallsForTask(ctx context.Context, taskID string) ([]ToolCallRecord, error)

	// --- Conversations ---

	AppendConversation(ctx context.Context, row ConversationRow) error
	// ConversationHistory returns the session's last limit rows in
	// chronological order.
	ConversationHistory(ctx context.Context, sessionID string, limit int) ([]ConversationRow, error)
	ClearConversation(ctx context.Context, sessionID string) error
	// TrimConversation keeps only the newest keep rows of the session.
	TrimConversation(ctx context.Context, sessionID string, keep int) error

	// --- Config KV ---

	// GetConfig returns the persisted value overlaid on built-in defaults.
	// A persisted value that no longer validates is repaired to the nearest
	// bound or the default. Unknown keys without a default return ErrNotFound.
	GetConfig(ctx context.Context, key string) (string, error)
	// SetConfig validates value against the key's rule and rejects invalid
	// writes.
	SetConfig(ctx context.Context, key, value string) error
	// DeleteConfig removes a persisted override. Protected keys are rejected.
	DeleteConfig(ctx context.Context, key string) error
	AllConfig(ctx context.Context) (map[string]string, error)

	// --- Thoughts ---

	SaveThought(ctx context.Context, t Thought) error
	// RecentThoughts returns the newest thoughts, newest first.
	RecentThoughts(ctx context.Context, limit int) ([]Thought, error)
	// PruneThoughts deletes thoughts older than maxAge. Returns rows removed.
	PruneThoughts(ctx context.Context, maxAge time.Duration) (int, error)

	// --- Knowledge + vector index ---

	// SaveKnowledge stores the row and, when embedding is non-empty, indexes
	// it under the same id. Vectors are stored normalized.
	SaveKnowledge(ctx context.Context, k Knowledge, embedding []float32) error
	// SearchKnowledge returns the topK nearest rows by cosine distance,
	// ties broken by id. Returns empty (with a logged warning) when the
	// vector index is unavailable.
	SearchKnowledge(ctx context.Context, embedding []float32, topK int) ([]Knowledge, error)
	RecentKnowledge(ctx context.Context, limit int) ([]Knowledge, error)
	CountKnowledge(ctx context.Context) (int, error)
	// PruneKnowledge deletes lowest-value rows beyond keep, ordered by
	// ascending (importance, created_at), together with their vectors.
	PruneKnowledge(ctx context.Context, keep int) (int, error)

	// --- Survival ledger ---

	AddSurvival(ctx context.Context, amount float64, reason string) error
	SurvivalBalance(ctx context.Context) (float64, error)
	// ApplyHourlyDebt appends hours_since_last_debt x hourlyRate as a
	// negative entry and returns the amount charged (0 when less than an
	// hour has passed since the last debt entry).
	ApplyHourlyDebt(ctx context.Context, hourlyRate float64) (float64, error)

	// --- Timeline ---

	Timeline(ctx context.Context, limit int) ([]TimelineItem, error)

	// --- Lifecycle ---

	// WithTx runs fn against a transactional view of the store; any error
	// rolls the whole unit back.
	WithTx(ctx context.Context, fn func(Store) error) error
	// Close flushes and checkpoints the store before releasing its handle.
	Close() error
}

// --- Memory keyword scoring ---

// MemoryScore computes the keyword relevance of m against query: one point
// per query token contained in each of (key, value, category), lower-cased,
// plus 0.1 x importance and 0.2 x ln(1+access_count). A row matching no
// token scores zero regardless of importance.
func MemoryScore(m Memory, query string) float64 {
	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return 0
	}
	key := strings.ToLower(m.Key)
	value := strings.ToLower(m.Value)
	category := strings.ToLower(m.Category)
	matched := 0
	for _, t := range tokens {
		if strings.Contains(key, t) {
			matched++
		}
		if strings.Contains(value, t) {
			matched++
		}
		if strings.Contains(category, t) {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	return float64(matched) + 0.1*float64(m.Importance) + 0.2*math.Log(1+float64(m.AccessCount))
}

// RankMemories scores rows against query and returns the top limit matches,
// ties broken by importance then updated_at. Rows that match no token are
// dropped. The input slice is not modified.
func RankMemories(rows []Memory, query string, limit int) []Memory {
	type scored struct {
		m     Memory
		score float64
	}
	ranked := make([]scored, 0, len(rows))
	for _, m := range rows {
		if s := MemoryScore(m, query); s > 0 {
			ranked = append(ranked, scored{m: m, score: s})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].m.Importance != ranked[j].m.Importance {
			return ranked[i].m.Importance > ranked[j].m.Importance
		}
		return ranked[i].m.UpdatedAt > ranked[j].m.UpdatedAt
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]Memory, len(ranked))
	for i, r := range ranked {
		out[i] = r.m
	}
	return out
}

// queryTokens lower-cases and splits a query on non-word runes, dropping
// single-rune noise.
func queryTokens(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !isWordRune(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r >= '가' && r <= '힣':
		return true
	}
	return false
}
