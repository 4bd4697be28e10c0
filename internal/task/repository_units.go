package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

func (r *SQLiteRepository) UpsertFrame(ctx context.Context, f *Frame) error {
	outputs, err := marshalOutputs(f.Outputs)
	if err != nil {
		return err
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	f.UpdatedAt = time.Now().UTC()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO frames (id, task_id, timestamp, media_key, similarity_score, prev_timestamp, outputs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			media_key = excluded.media_key,
			similarity_score = excluded.similarity_score,
			prev_timestamp = excluded.prev_timestamp,
			outputs = excluded.outputs,
			updated_at = excluded.updated_at
	`, f.ID, f.TaskID, f.Timestamp, f.MediaKey, nullFloat(f.SimilarityScore), nullFloat(f.PrevTimestamp),
		outputs, formatTime(f.CreatedAt), formatTime(f.UpdatedAt))
	return err
}

const frameColumns = "id, task_id, timestamp, media_key, similarity_score, prev_timestamp, outputs, created_at, updated_at"

func (r *SQLiteRepository) GetFrame(ctx context.Context, id string) (*Frame, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+frameColumns+" FROM frames WHERE id = ?", id)
	f, err := scanFrame(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

func (r *SQLiteRepository) ListFrames(ctx context.Context, taskID string, page Page) ([]*Frame, error) {
	query := "SELECT " + frameColumns + " FROM frames WHERE task_id = ? AND timestamp > ? ORDER BY timestamp"
	args := []any{taskID, page.After}
	if page.After < 0 {
		args[1] = -1.0
	}
	if page.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, page.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []*Frame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

func scanFrame(row rowScanner) (*Frame, error) {
	var f Frame
	var score, prev sql.NullFloat64
	var outputs sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&f.ID, &f.TaskID, &f.Timestamp, &f.MediaKey, &score, &prev, &outputs, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	f.SimilarityScore = floatPtr(score)
	f.PrevTimestamp = floatPtr(prev)
	if err := unmarshalOutputs(outputs, &f.Outputs); err != nil {
		return nil, fmt.Errorf("decode outputs of frame %s: %w", f.ID, err)
	}
	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)
	return &f, nil
}

func (r *SQLiteRepository) DeleteFrame(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM frames WHERE id = ?", id)
	return err
}

func (r *SQLiteRepository) DeleteFramesByTask(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM frames WHERE task_id = ?", taskID)
	return err
}

func (r *SQLiteRepository) UpsertShot(ctx context.Context, s *Shot) error {
	outputs, err := marshalOutputs(s.Outputs)
	if err != nil {
		return err
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.UpdatedAt = time.Now().UTC()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO shots (id, task_id, shot_index, analysis_type, start_time, end_time, duration, clip_key, vector_key, outputs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			shot_index = excluded.shot_index,
			analysis_type = excluded.analysis_type,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			duration = excluded.duration,
			clip_key = excluded.clip_key,
			vector_key = excluded.vector_key,
			outputs = excluded.outputs,
			updated_at = excluded.updated_at
	`, s.ID, s.TaskID, s.Index, s.AnalysisType, s.StartTime, s.EndTime, s.Duration,
		nullString(s.ClipKey), nullString(s.VectorKey), outputs, formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	return err
}

const shotColumns = "id, task_id, shot_index, analysis_type, start_time, end_time, duration, clip_key, vector_key, outputs, created_at, updated_at"

func (r *SQLiteRepository) GetShot(ctx context.Context, id string) (*Shot, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+shotColumns+" FROM shots WHERE id = ?", id)
	s, err := scanShot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// ListShots returns shots ordered by start time. An empty analysisType lists all kinds.
func (r *SQLiteRepository) ListShots(ctx context.Context, taskID, analysisType string) ([]*Shot, error) {
	query := "SELECT " + shotColumns + " FROM shots WHERE task_id = ?"
	args := []any{taskID}
	if analysisType != "" {
		query += " AND analysis_type = ?"
		args = append(args, analysisType)
	}
	query += " ORDER BY start_time, shot_index"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shots []*Shot
	for rows.Next() {
		s, err := scanShot(rows)
		if err != nil {
			return nil, err
		}
		shots = append(shots, s)
	}
	return shots, rows.Err()
}

func scanShot(row rowScanner) (*Shot, error) {
	var s Shot
	var clipKey, vectorKey, outputs sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&s.ID, &s.TaskID, &s.Index, &s.AnalysisType, &s.StartTime, &s.EndTime, &s.Duration,
		&clipKey, &vectorKey, &outputs, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.ClipKey = clipKey.String
	s.VectorKey = vectorKey.String
	if err := unmarshalOutputs(outputs, &s.Outputs); err != nil {
		return nil, fmt.Errorf("decode outputs of shot %s: %w", s.ID, err)
	}
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}

func (r *SQLiteRepository) DeleteShotsByTask(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM shots WHERE task_id = ?", taskID)
	return err
}

func (r *SQLiteRepository) UpsertTranscript(ctx context.Context, s *TranscriptSegment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transcripts (id, task_id, start_ts, end_ts, transcription)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			start_ts = excluded.start_ts,
			end_ts = excluded.end_ts,
			transcription = excluded.transcription
	`, s.ID, s.TaskID, s.StartTs, s.EndTs, s.Transcription)
	return err
}

func (r *SQLiteRepository) ListTranscripts(ctx context.Context, taskID string) ([]*TranscriptSegment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, task_id, start_ts, end_ts, transcription
		FROM transcripts WHERE task_id = ? ORDER BY start_ts
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segs []*TranscriptSegment
	for rows.Next() {
		var s TranscriptSegment
		if err := rows.Scan(&s.ID, &s.TaskID, &s.StartTs, &s.EndTs, &s.Transcription); err != nil {
			return nil, err
		}
		segs = append(segs, &s)
	}
	return segs, rows.Err()
}

func (r *SQLiteRepository) DeleteTranscriptsByTask(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM transcripts WHERE task_id = ?", taskID)
	return err
}

// InsertUsage is append-only: a retried unit does not overwrite the first record.
func (r *SQLiteRepository) InsertUsage(ctx context.Context, u *UsageRecord) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, task_id, type, name, model_id, unit_index, input_tokens, output_tokens, total_tokens, duration_s, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, u.ID, u.TaskID, u.Type, nullString(u.Name), nullString(u.ModelID), u.Index,
		u.InputTokens, u.OutputTokens, u.TotalTokens, u.DurationS, formatTime(u.CreatedAt))
	return err
}

func (r *SQLiteRepository) ListUsage(ctx context.Context, taskID string) ([]*UsageRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, task_id, type, name, model_id, unit_index, input_tokens, output_tokens, total_tokens, duration_s, created_at
		FROM usage_records WHERE task_id = ? ORDER BY created_at, id
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		var u UsageRecord
		var name, modelID sql.NullString
		var createdAt string
		if err := rows.Scan(&u.ID, &u.TaskID, &u.Type, &name, &modelID, &u.Index,
			&u.InputTokens, &u.OutputTokens, &u.TotalTokens, &u.DurationS, &createdAt); err != nil {
			return nil, err
		}
		u.Name = name.String
		u.ModelID = modelID.String
		u.CreatedAt = parseTime(createdAt)
		records = append(records, &u)
	}
	return records, rows.Err()
}

func (r *SQLiteRepository) DeleteUsageByTask(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM usage_records WHERE task_id = ?", taskID)
	return err
}

func marshalOutputs(outputs []Output) (sql.NullString, error) {
	if len(outputs) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(outputs)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal outputs: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalOutputs(s sql.NullString, dst *[]Output) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}
