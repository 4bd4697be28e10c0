// Package vector stores shot embeddings and answers nearest-neighbour
// queries restricted to a task.
package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/heimdex/heimdex-extraction/internal/similarity"
)

type Record struct {
	Key       string         `json:"key"`
	TaskID    string         `json:"task_id"`
	Embedding []float32      `json:"embedding"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Match struct {
	Key      string         `json:"key"`
	TaskID   string         `json:"task_id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Query selects the TopK records most similar to Vector. An empty TaskID
// searches every task.
type Query struct {
	Vector   []float32
	TaskID   string
	TopK     int
	MinScore float64
}

const defaultTopK = 10

// Index is a brute-force cosine index on the vectors table.
type Index struct {
	db *sql.DB
}

func NewIndex(db *sql.DB) *Index {
	return &Index{db: db}
}

// Put inserts or replaces a record.
func (i *Index) Put(ctx context.Context, rec Record) error {
	if rec.Key == "" || rec.TaskID == "" {
		return errors.New("vector key and task id are required")
	}
	if len(rec.Embedding) == 0 {
		return fmt.Errorf("vector %s has no embedding", rec.Key)
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err = i.db.ExecContext(ctx, `
		INSERT INTO vectors (key, task_id, dimension, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			task_id = excluded.task_id,
			dimension = excluded.dimension,
			embedding = excluded.embedding,
			metadata = excluded.metadata
	`, rec.Key, rec.TaskID, len(rec.Embedding), encode(rec.Embedding), string(meta),
		rec.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("put vector %s: %w", rec.Key, err)
	}
	return nil
}

// Get returns nil, nil when the key is absent.
func (i *Index) Get(ctx context.Context, key string) (*Record, error) {
	row := i.db.QueryRowContext(ctx, `
		SELECT key, task_id, embedding, metadata, created_at FROM vectors WHERE key = ?
	`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (i *Index) Query(ctx context.Context, q Query) ([]Match, error) {
	if len(q.Vector) == 0 {
		return nil, errors.New("query vector is empty")
	}
	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	query := `SELECT key, task_id, embedding, metadata, created_at FROM vectors WHERE dimension = ?`
	args := []any{len(q.Vector)}
	if q.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, q.TaskID)
	}

	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		score, err := similarity.Cosine(q.Vector, rec.Embedding)
		if err != nil || score < q.MinScore {
			continue
		}
		matches = append(matches, Match{Key: rec.Key, TaskID: rec.TaskID, Score: score, Metadata: rec.Metadata})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(a, b int) bool {
		if matches[a].Score != matches[b].Score {
			return matches[a].Score > matches[b].Score
		}
		return matches[a].Key < matches[b].Key
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (i *Index) Delete(ctx context.Context, key string) error {
	_, err := i.db.ExecContext(ctx, `DELETE FROM vectors WHERE key = ?`, key)
	return err
}

// DeleteByTask removes every vector of a task and reports how many were removed.
func (i *Index) DeleteByTask(ctx context.Context, taskID string) (int64, error) {
	res, err := i.db.ExecContext(ctx, `DELETE FROM vectors WHERE task_id = ?`, taskID)
	if err != nil {
		return 0, fmt.Errorf("delete vectors of task %s: %w", taskID, err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var blob []byte
	var meta, created string
	if err := row.Scan(&rec.Key, &rec.TaskID, &blob, &meta, &created); err != nil {
		return nil, err
	}
	emb, err := decode(blob)
	if err != nil {
		return nil, fmt.Errorf("decode vector %s: %w", rec.Key, err)
	}
	rec.Embedding = emb
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", rec.Key, err)
		}
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &rec, nil
}

func encode(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decode(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
