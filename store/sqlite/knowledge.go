package sqlite

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/nevindra/alter"
)

// knowledgeCollection names the chromem-go collection that mirrors the
// knowledge table, document id = knowledge row id.
const knowledgeCollection = "knowledge"

// SaveKnowledge stores the row and, when embedding is non-empty, indexes it
// under the same id. Vectors are stored normalized. With the index
// unavailable the row is still stored and the vector is dropped with a
// warning.
func (s *Store) SaveKnowledge(ctx context.Context, k alter.Knowledge, embedding []float32) error {
	s.logger.Debug("sqlite: save knowledge", "id", k.ID, "source", k.Source, "has_embedding", len(embedding) > 0)
	_, err := s.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO knowledge (id, content, summary, source, importance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		k.ID, k.Content, k.Summary, k.Source, clampImportance(k.Importance), k.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: save knowledge failed", "id", k.ID, "error", err)
		return fmt.Errorf("save knowledge: %w", err)
	}

	if len(embedding) > 0 {
		if s.vec == nil {
			s.logger.Warn("sqlite: vector index unavailable, knowledge vector dropped", "id", k.ID)
		} else if err := s.vec.upsert(ctx, k.ID, embedding); err != nil {
			s.logger.Error("sqlite: index knowledge vector failed", "id", k.ID, "error", err)
			return fmt.Errorf("save knowledge: %w", err)
		}
	}

	s.bus.PublishJSON(alter.StreamTimeline, "knowledge", k)
	return nil
}

// SearchKnowledge returns the topK nearest rows by cosine distance, ties
// broken by id. Returns empty with a logged warning when the vector index
// is unavailable.
func (s *Store) SearchKnowledge(ctx context.Context, embedding []float32, topK int) ([]alter.Knowledge, error) {
	if s.vec == nil {
		s.logger.Warn("sqlite: vector index unavailable, knowledge search returns nothing")
		return nil, nil
	}
	start := time.Now()
	ids, err := s.vec.search(ctx, embedding, topK)
	if err != nil {
		s.logger.Error("sqlite: search knowledge failed", "error", err)
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	byID, err := s.knowledgeByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]alter.Knowledge, 0, len(ids))
	for _, id := range ids {
		if k, ok := byID[id]; ok {
			out = append(out, k)
		}
	}
	s.logger.Debug("sqlite: search knowledge ok", "top_k", topK, "returned", len(out), "duration", time.Since(start))
	return out, nil
}

// RecentKnowledge returns the newest rows, newest first.
func (s *Store) RecentKnowledge(ctx context.Context, limit int) ([]alter.Knowledge, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, content, summary, source, importance, created_at
		 FROM knowledge ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent knowledge: %w", err)
	}
	defer rows.Close()

	var out []alter.Knowledge
	for rows.Next() {
		var k alter.Knowledge
		if err := rows.Scan(&k.ID, &k.Content, &k.Summary, &k.Source, &k.Importance, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) CountKnowledge(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count knowledge: %w", err)
	}
	return n, nil
}

// PruneKnowledge deletes lowest-value rows beyond keep, ordered by
// ascending (importance, created_at), together with their vectors.
func (s *Store) PruneKnowledge(ctx context.Context, keep int) (int, error) {
	start := time.Now()
	var ids []string
	err := s.inTx(ctx, func(q queryer) error {
		var total int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge`).Scan(&total); err != nil {
			return fmt.Errorf("count knowledge: %w", err)
		}
		if total <= keep {
			return nil
		}
		var err error
		ids, err = collectStrings(ctx, q,
			`SELECT id FROM knowledge ORDER BY importance ASC, created_at ASC, id ASC LIMIT ?`,
			total-keep)
		if err != nil {
			return fmt.Errorf("select prune ids: %w", err)
		}
		if err := deleteByColumn(ctx, q, "knowledge", "id", ids); err != nil {
			return fmt.Errorf("delete knowledge: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("sqlite: prune knowledge failed", "error", err)
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if s.vec != nil {
		if err := s.vec.remove(ctx, ids); err != nil {
			s.logger.Error("sqlite: prune knowledge vectors failed", "error", err)
		}
	}
	s.logger.Info("sqlite: pruned knowledge", "removed", len(ids), "keep", keep, "duration", time.Since(start))
	return len(ids), nil
}

// knowledgeByIDs returns rows matching the given ids, keyed by id.
func (s *Store) knowledgeByIDs(ctx context.Context, ids []string) (map[string]alter.Knowledge, error) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(
		`SELECT id, content, summary, source, importance, created_at FROM knowledge WHERE id IN (%s)`,
		strings.Join(placeholders, ","))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge by ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]alter.Knowledge, len(ids))
	for rows.Next() {
		var k alter.Knowledge
		if err := rows.Scan(&k.ID, &k.Content, &k.Summary, &k.Source, &k.Importance, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		out[k.ID] = k
	}
	return out, rows.Err()
}

// --- Vector index ---

// vectorIndex wraps a chromem-go collection holding one document per
// knowledge row. The whole index is exported to a gob file after every
// mutation and on Close, and imported again on Init.
type vectorIndex struct {
	mu   sync.Mutex
	db   *chromem.DB
	col  *chromem.Collection
	path string // "" keeps the index in memory only
}

// rejectEmbedding guards against accidental text-based queries; every
// vector is computed by the caller.
func rejectEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("vectors are computed by the caller")
}

func openVectors(path string) (*vectorIndex, error) {
	db := chromem.NewDB()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := db.ImportFromFile(path, ""); err != nil {
				return nil, fmt.Errorf("import vectors: %w", err)
			}
		}
	}
	col, err := db.GetOrCreateCollection(knowledgeCollection, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("open vector collection: %w", err)
	}
	return &vectorIndex{db: db, col: col, path: path}, nil
}

func (v *vectorIndex) upsert(ctx context.Context, id string, embedding []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	doc := chromem.Document{ID: id, Embedding: normalizeVector(embedding)}
	if err := v.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index vector: %w", err)
	}
	return v.persistLocked()
}

// search returns ids of the topK nearest documents ordered by similarity
// descending, ties by id ascending.
func (v *vectorIndex) search(ctx context.Context, embedding []float32, topK int) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n := v.col.Count(); topK > n {
		topK = n
	}
	if topK <= 0 {
		return nil, nil
	}
	results, err := v.col.QueryEmbedding(ctx, normalizeVector(embedding), topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ID < results[j].ID
	})
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids, nil
}

func (v *vectorIndex) remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	return v.persistLocked()
}

func (v *vectorIndex) persist() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.persistLocked()
}

func (v *vectorIndex) persistLocked() error {
	if v.path == "" {
		return nil
	}
	if err := v.db.ExportToFile(v.path, false, ""); err != nil {
		return fmt.Errorf("persist vectors: %w", err)
	}
	return nil
}

// normalizeVector scales v to unit length so stored similarities are true
// cosine values.
func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
