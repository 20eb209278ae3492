// Package sqlite implements alter.Store on a single SQLite file using the
// pure-Go driver, with a chromem-go side index for knowledge vectors.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nevindra/alter"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithBus sets the event bus that receives a message after every thought,
// task, and knowledge mutation. A nil bus disables publication.
func WithBus(b *alter.Bus) StoreOption {
	return func(s *Store) { s.bus = b }
}

// WithVectorPath overrides where the knowledge vector index is persisted.
// The default is the database path with a ".vectors" suffix. An empty path
// keeps the index in memory only.
func WithVectorPath(path string) StoreOption {
	return func(s *Store) { s.vecPath = path }
}

// Store implements alter.Store backed by a local SQLite file. Relational
// rows live in SQLite; knowledge embeddings live in a chromem-go collection
// persisted next to the database file.
type Store struct {
	db     *sql.DB
	q      queryer
	tx     *sql.Tx
	logger *slog.Logger
	bus    *alter.Bus
	vec    *vectorIndex
	vecPath string
}

var _ alter.Store = (*Store)(nil)

// queryer is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// every operation can run either standalone or inside WithTx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection pool with SetMaxOpenConns(1) so that all
// goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers. Call Init before first use.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, q: db, logger: nopLogger, vecPath: dbPath + ".vectors"}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init applies pragmas, creates all tables, and loads the vector index.
// A vector index that fails to load is logged and left disabled; keyword
// operations keep working without it.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("apply pragma: %w", err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			importance INTEGER NOT NULL DEFAULT 5,
			access_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			iterations INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			tool_name TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT NOT NULL,
			success INTEGER NOT NULL,
			execution_time_ms INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS thoughts (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS knowledge (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			importance INTEGER NOT NULL DEFAULT 5,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS survival (
			id TEXT PRIMARY KEY,
			amount REAL NOT NULL,
			reason TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS survival_debt (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_debt_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_task ON tool_calls(task_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_thoughts_created ON thoughts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_created ON knowledge(created_at)`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	vec, err := openVectors(s.vecPath)
	if err != nil {
		s.logger.Warn("sqlite: vector index unavailable, knowledge search disabled", "path", s.vecPath, "error", err)
	} else {
		s.vec = vec
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- Memory KV ---

// UpsertMemory inserts or replaces the row with m.Key. On replace the
// original created_at and access_count survive.
func (s *Store) UpsertMemory(ctx context.Context, m alter.Memory) error {
	s.logger.Debug("sqlite: upsert memory", "key", m.Key, "category", m.Category)
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO memories (key, value, category, importance, access_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			category = excluded.category,
			importance = excluded.importance,
			updated_at = excluded.updated_at`,
		m.Key, m.Value, m.Category, clampImportance(m.Importance), m.AccessCount, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: upsert memory failed", "key", m.Key, "error", err)
		return fmt.Errorf("upsert memory: %w", err)
	}
	return nil
}

// GetMemory returns the row for key and increments its access count.
func (s *Store) GetMemory(ctx context.Context, key string) (alter.Memory, error) {
	var m alter.Memory
	err := s.q.QueryRowContext(ctx,
		`SELECT key, value, category, importance, access_count, created_at, updated_at
		 FROM memories WHERE key = ?`, key,
	).Scan(&m.Key, &m.Value, &m.Category, &m.Importance, &m.AccessCount, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return alter.Memory{}, alter.ErrNotFound
	}
	if err != nil {
		s.logger.Error("sqlite: get memory failed", "key", key, "error", err)
		return alter.Memory{}, fmt.Errorf("get memory: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, `UPDATE memories SET access_count = access_count + 1 WHERE key = ?`, key); err != nil {
		return alter.Memory{}, fmt.Errorf("touch memory: %w", err)
	}
	m.AccessCount++
	return m, nil
}

// SearchMemory scores all rows against query and returns the top matches.
func (s *Store) SearchMemory(ctx context.Context, query string, limit int) ([]alter.Memory, error) {
	start := time.Now()
	rows, err := s.q.QueryContext(ctx,
		`SELECT key, value, category, importance, access_count, created_at, updated_at FROM memories`)
	if err != nil {
		s.logger.Error("sqlite: search memory failed", "error", err)
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	var all []alter.Memory
	for rows.Next() {
		var m alter.Memory
		if err := rows.Scan(&m.Key, &m.Value, &m.Category, &m.Importance, &m.AccessCount, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		all = append(all, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	ranked := alter.RankMemories(all, query, limit)
	s.logger.Debug("sqlite: search memory ok", "query", query, "scanned", len(all), "returned", len(ranked), "duration", time.Since(start))
	return ranked, nil
}

// DeleteMemory removes the row for key.
func (s *Store) DeleteMemory(ctx context.Context, key string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM memories WHERE key = ?`, key)
	if err != nil {
		s.logger.Error("sqlite: delete memory failed", "key", key, "error", err)
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return alter.ErrNotFound
	}
	return nil
}

// CountMemory returns the number of memory rows.
func (s *Store) CountMemory(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memory: %w", err)
	}
	return n, nil
}

// PruneMemory deletes lowest-value rows beyond keep, ordered by ascending
// (importance, access_count, updated_at). Returns rows removed.
func (s *Store) PruneMemory(ctx context.Context, keep int) (int, error) {
	start := time.Now()
	var removed int
	err := s.inTx(ctx, func(q queryer) error {
		var total int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&total); err != nil {
			return fmt.Errorf("count memory: %w", err)
		}
		if total <= keep {
			return nil
		}
		keys, err := collectStrings(ctx, q,
			`SELECT key FROM memories ORDER BY importance ASC, access_count ASC, updated_at ASC, key ASC LIMIT ?`,
			total-keep)
		if err != nil {
			return fmt.Errorf("select prune keys: %w", err)
		}
		if err := deleteByColumn(ctx, q, "memories", "key", keys); err != nil {
			return fmt.Errorf("delete memories: %w", err)
		}
		removed = len(keys)
		return nil
	})
	if err != nil {
		s.logger.Error("sqlite: prune memory failed", "error", err)
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("sqlite: pruned memories", "removed", removed, "keep", keep, "duration", time.Since(start))
	}
	return removed, nil
}

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t alter.Task) error {
	s.logger.Debug("sqlite: create task", "id", t.ID, "session_id", t.SessionID, "status", t.Status)
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO tasks (id, session_id, description, status, result, iterations, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Description, string(t.Status), t.Result, t.Iterations, t.CreatedAt, t.CompletedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create task failed", "id", t.ID, "error", err)
		return fmt.Errorf("create task: %w", err)
	}
	s.bus.PublishJSON(alter.StreamTasks, "task_created", t)
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (alter.Task, error) {
	var t alter.Task
	var status string
	err := s.q.QueryRowContext(ctx,
		`SELECT id, session_id, description, status, result, iterations, created_at, completed_at
		 FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.SessionID, &t.Description, &status, &t.Result, &t.Iterations, &t.CreatedAt, &t.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return alter.Task{}, alter.ErrNotFound
	}
	if err != nil {
		return alter.Task{}, fmt.Errorf("get task: %w", err)
	}
	t.Status = alter.TaskStatus(status)
	return t, nil
}

func (s *Store) IncrementTaskIterations(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE tasks SET iterations = iterations + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment iterations: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return alter.ErrNotFound
	}
	return nil
}

// CompleteTask sets a terminal status and result. It is a no-op when the
// task is already terminal.
func (s *Store) CompleteTask(ctx context.Context, id string, status alter.TaskStatus, result string) error {
	s.logger.Debug("sqlite: complete task", "id", id, "status", status)
	res, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, completed_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'stuck')`,
		string(status), result, alter.NowUnix(), id,
	)
	if err != nil {
		s.logger.Error("sqlite: complete task failed", "id", id, "error", err)
		return fmt.Errorf("complete task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish an already-terminal task from a missing one.
		var one int
		err := s.q.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return alter.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		return nil
	}
	s.bus.PublishJSON(alter.StreamTasks, "task_"+string(status), taskStatusEvent{ID: id, Status: status, Result: result})
	s.bus.PublishJSON(alter.StreamTimeline, "task", taskStatusEvent{ID: id, Status: status, Result: result})
	return nil
}

// taskStatusEvent is the bus payload for a task lifecycle transition.
type taskStatusEvent struct {
	ID     string           `json:"id"`
	Status alter.TaskStatus `json:"status"`
	Result string           `json:"result,omitempty"`
}

// RecentTasks returns the session's tasks, newest first.
func (s *Store) RecentTasks(ctx context.Context, sessionID string, limit int) ([]alter.Task, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, session_id, description, status, result, iterations, created_at, completed_at
		 FROM tasks WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		s.logger.Error("sqlite: recent tasks failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("recent tasks: %w", err)
	}
	defer rows.Close()

	var tasks []alter.Task
	for rows.Next() {
		var t alter.Task
		var status string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Description, &status, &t.Result, &t.Iterations, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = alter.TaskStatus(status)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Tool-call log ---

func (s *Store) LogToolCall(ctx context.Context, rec alter.ToolCallRecord) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO tool_calls (id, task_id, tool_name, input, output, success, execution_time_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, rec.ToolName, rec.Input, rec.Output, boolToInt(rec.Success), rec.ExecutionTimeMS, rec.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: log tool call failed", "id", rec.ID, "task_id", rec.TaskID, "error", err)
		return fmt.Errorf("log tool call: %w", err)
	}
	return nil
}

func (s *Store) ToolCallsForTask(ctx context.Context, taskID string) ([]alter.ToolCallRecord, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, task_id, tool_name, input, output, success, execution_time_ms, created_at
		 FROM tool_calls WHERE task_id = ?
		 ORDER BY created_at ASC, id ASC`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("tool calls for task: %w", err)
	}
	defer rows.Close()

	var recs []alter.ToolCallRecord
	for rows.Next() {
		var rec alter.ToolCallRecord
		var success int
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.ToolName, &rec.Input, &rec.Output, &success, &rec.ExecutionTimeMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		rec.Success = success != 0
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Conversations ---

func (s *Store) AppendConversation(ctx context.Context, row alter.ConversationRow) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO conversations (id, session_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		row.ID, row.SessionID, row.Role, row.Content, row.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: append conversation failed", "id", row.ID, "session_id", row.SessionID, "error", err)
		return fmt.Errorf("append conversation: %w", err)
	}
	return nil
}

// ConversationHistory returns the session's last limit rows in
// chronological order.
func (s *Store) ConversationHistory(ctx context.Context, sessionID string, limit int) ([]alter.ConversationRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM conversations WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		s.logger.Error("sqlite: conversation history failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("conversation history: %w", err)
	}
	defer rows.Close()

	var out []alter.ConversationRow
	for rows.Next() {
		var r alter.ConversationRow
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Role, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) ClearConversation(ctx context.Context, sessionID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM conversations WHERE session_id = ?`, sessionID)
	if err != nil {
		s.logger.Error("sqlite: clear conversation failed", "session_id", sessionID, "error", err)
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

// TrimConversation keeps only the newest keep rows of the session.
func (s *Store) TrimConversation(ctx context.Context, sessionID string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM conversations WHERE session_id = ? AND id NOT IN (
			SELECT id FROM conversations WHERE session_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		 )`,
		sessionID, sessionID, keep,
	)
	if err != nil {
		s.logger.Error("sqlite: trim conversation failed", "session_id", sessionID, "error", err)
		return fmt.Errorf("trim conversation: %w", err)
	}
	return nil
}

// --- Config KV ---

// GetConfig returns the persisted value overlaid on built-in defaults.
// Persisted values that no longer validate are repaired on read.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.q.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		if def, ok := alter.DefaultConfigValue(key); ok {
			return def, nil
		}
		return "", alter.ErrNotFound
	}
	if err != nil {
		s.logger.Error("sqlite: get config failed", "key", key, "error", err)
		return "", fmt.Errorf("get config: %w", err)
	}
	return alter.RepairConfigValue(key, value), nil
}

// SetConfig validates value against the key's rule and rejects invalid
// writes.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	if err := alter.ValidateConfigValue(key, value); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO config (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, alter.NowUnix(),
	)
	if err != nil {
		s.logger.Error("sqlite: set config failed", "key", key, "error", err)
		return fmt.Errorf("set config: %w", err)
	}
	s.logger.Debug("sqlite: set config", "key", key)
	return nil
}

// DeleteConfig removes a persisted override. Protected keys are rejected.
func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	if alter.ConfigProtected(key) {
		return fmt.Errorf("config key %s is protected", key)
	}
	_, err := s.q.ExecContext(ctx, `DELETE FROM config WHERE key = ?`, key)
	if err != nil {
		s.logger.Error("sqlite: delete config failed", "key", key, "error", err)
		return fmt.Errorf("delete config: %w", err)
	}
	return nil
}

// AllConfig returns built-in defaults overlaid with persisted overrides,
// including free-form keys that carry no rule.
func (s *Store) AllConfig(ctx context.Context) (map[string]string, error) {
	out := alter.ConfigDefaults()
	rows, err := s.q.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, fmt.Errorf("all config: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		out[k] = alter.RepairConfigValue(k, v)
	}
	return out, rows.Err()
}

// --- Thoughts ---

func (s *Store) SaveThought(ctx context.Context, t alter.Thought) error {
	s.logger.Debug("sqlite: save thought", "id", t.ID, "category", t.Category)
	_, err := s.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO thoughts (id, content, summary, category, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Content, t.Summary, t.Category, t.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: save thought failed", "id", t.ID, "error", err)
		return fmt.Errorf("save thought: %w", err)
	}
	s.bus.PublishJSON(alter.StreamThoughts, "thought", t)
	s.bus.PublishJSON(alter.StreamTimeline, "thought", t)
	return nil
}

// RecentThoughts returns the newest thoughts, newest first.
func (s *Store) RecentThoughts(ctx context.Context, limit int) ([]alter.Thought, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, content, summary, category, created_at
		 FROM thoughts ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent thoughts: %w", err)
	}
	defer rows.Close()

	var out []alter.Thought
	for rows.Next() {
		var t alter.Thought
		if err := rows.Scan(&t.ID, &t.Content, &t.Summary, &t.Category, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thought: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneThoughts deletes thoughts older than maxAge. Returns rows removed.
func (s *Store) PruneThoughts(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := alter.NowUnix() - int64(maxAge.Seconds())
	res, err := s.q.ExecContext(ctx, `DELETE FROM thoughts WHERE created_at < ?`, cutoff)
	if err != nil {
		s.logger.Error("sqlite: prune thoughts failed", "error", err)
		return 0, fmt.Errorf("prune thoughts: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("sqlite: pruned thoughts", "removed", n, "max_age", maxAge)
	}
	return int(n), nil
}

// --- Survival ledger ---

func (s *Store) AddSurvival(ctx context.Context, amount float64, reason string) error {
	s.logger.Debug("sqlite: add survival entry", "amount", amount, "reason", reason)
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO survival (id, amount, reason, created_at) VALUES (?, ?, ?, ?)`,
		alter.NewID(), amount, reason, alter.NowUnix(),
	)
	if err != nil {
		s.logger.Error("sqlite: add survival failed", "error", err)
		return fmt.Errorf("add survival: %w", err)
	}
	return nil
}

func (s *Store) SurvivalBalance(ctx context.Context) (float64, error) {
	var balance float64
	err := s.q.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM survival`).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("survival balance: %w", err)
	}
	return balance, nil
}

// ApplyHourlyDebt appends hours-since-last-debt x hourlyRate as a negative
// entry. The first call only anchors the clock and charges nothing.
func (s *Store) ApplyHourlyDebt(ctx context.Context, hourlyRate float64) (float64, error) {
	var charged float64
	err := s.inTx(ctx, func(q queryer) error {
		now := alter.NowUnix()
		var last int64
		err := q.QueryRowContext(ctx, `SELECT last_debt_at FROM survival_debt WHERE id = 1`).Scan(&last)
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := q.ExecContext(ctx, `INSERT INTO survival_debt (id, last_debt_at) VALUES (1, ?)`, now); err != nil {
				return fmt.Errorf("anchor debt clock: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read debt clock: %w", err)
		}
		hours := float64(now-last) / 3600
		if hours < 1 {
			return nil
		}
		charged = hours * hourlyRate
		if _, err := q.ExecContext(ctx,
			`INSERT INTO survival (id, amount, reason, created_at) VALUES (?, ?, ?, ?)`,
			alter.NewID(), -charged, "hourly debt", now,
		); err != nil {
			return fmt.Errorf("charge debt: %w", err)
		}
		if _, err := q.ExecContext(ctx, `UPDATE survival_debt SET last_debt_at = ? WHERE id = 1`, now); err != nil {
			return fmt.Errorf("advance debt clock: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("sqlite: apply hourly debt failed", "error", err)
		return 0, err
	}
	if charged > 0 {
		s.logger.Info("sqlite: hourly debt charged", "amount", charged)
	}
	return charged, nil
}

// --- Timeline ---

// Timeline returns the derived activity view unioning thoughts, knowledge,
// and tasks, newest first.
func (s *Store) Timeline(ctx context.Context, limit int) ([]alter.TimelineItem, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, 'thought' AS item_type, content, summary, category, '' AS extra, created_at FROM thoughts
		 UNION ALL
		 SELECT id, 'knowledge', content, summary, source, CAST(importance AS TEXT), created_at FROM knowledge
		 UNION ALL
		 SELECT id, 'task', description, result, status, session_id, created_at FROM tasks
		 ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		s.logger.Error("sqlite: timeline failed", "error", err)
		return nil, fmt.Errorf("timeline: %w", err)
	}
	defer rows.Close()

	var items []alter.TimelineItem
	for rows.Next() {
		var it alter.TimelineItem
		var a, b string
		if err := rows.Scan(&it.ID, &it.Type, &it.Content, &it.Summary, &a, &b, &it.Timestamp); err != nil {
			return nil, fmt.Errorf("scan timeline item: %w", err)
		}
		switch it.Type {
		case "thought":
			if a != "" {
				it.Metadata = map[string]string{"category": a}
			}
		case "knowledge":
			it.Metadata = map[string]string{"source": a, "importance": b}
		case "task":
			it.Metadata = map[string]string{"status": a, "session_id": b}
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// --- Lifecycle ---

// WithTx runs fn against a transactional view of the store; any error
// rolls the whole unit back. Vector index writes bypass the transaction.
// Nested calls run in the enclosing transaction.
func (s *Store) WithTx(ctx context.Context, fn func(alter.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	view := *s
	view.q = tx
	view.tx = tx
	if err := fn(&view); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// inTx is WithTx for internal multi-statement operations.
func (s *Store) inTx(ctx context.Context, fn func(q queryer) error) error {
	if s.tx != nil {
		return fn(s.q)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close persists the vector index, checkpoints the WAL, and releases the
// database handle.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	if s.vec != nil {
		if err := s.vec.persist(); err != nil {
			s.logger.Error("sqlite: persist vectors failed", "error", err)
		}
	}
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.logger.Warn("sqlite: wal checkpoint failed", "error", err)
	}
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// --- Helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clampImportance(n int) int {
	return min(max(n, 1), 10)
}

// collectStrings runs a single-column query and returns all values.
func collectStrings(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// deleteByColumn deletes rows whose column value is in values.
func deleteByColumn(ctx context.Context, q queryer, table, column string, values []string) error {
	if len(values) == 0 {
		return nil
	}
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = v
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`, table, column, strings.Join(placeholders, ","))
	_, err := q.ExecContext(ctx, query, args...)
	return err
}
