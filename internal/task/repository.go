package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Repository is the document store behind every pipeline stage. Writes are
// upserts so a retried unit overwrites its own earlier attempt.
type Repository interface {
	SaveTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	UpdateTaskStatus(ctx context.Context, id, status, errorMsg string) error
	UpdateTaskMetaData(ctx context.Context, id string, md MetaData) error
	SetFramesPlanned(ctx context.Context, id string, n int) error
	IncrementCounter(ctx context.Context, id string, c Counter, delta int) error
	MarkExtractionCompleted(ctx context.Context, id string, at time.Time) error
	MarkCompleted(ctx context.Context, id string, at time.Time) error
	DeleteTask(ctx context.Context, id string) error

	CreateExecution(ctx context.Context, e *Execution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	FinishExecution(ctx context.Context, id, status, errorMsg string) error
	DeleteExecutionsBefore(ctx context.Context, before time.Time) (int64, error)

	UpsertFrame(ctx context.Context, f *Frame) error
	GetFrame(ctx context.Context, id string) (*Frame, error)
	ListFrames(ctx context.Context, taskID string, page Page) ([]*Frame, error)
	DeleteFrame(ctx context.Context, id string) error
	DeleteFramesByTask(ctx context.Context, taskID string) error

	UpsertShot(ctx context.Context, s *Shot) error
	GetShot(ctx context.Context, id string) (*Shot, error)
	ListShots(ctx context.Context, taskID, analysisType string) ([]*Shot, error)
	DeleteShotsByTask(ctx context.Context, taskID string) error

	UpsertTranscript(ctx context.Context, s *TranscriptSegment) error
	ListTranscripts(ctx context.Context, taskID string) ([]*TranscriptSegment, error)
	DeleteTranscriptsByTask(ctx context.Context, taskID string) error

	InsertUsage(ctx context.Context, u *UsageRecord) error
	ListUsage(ctx context.Context, taskID string) ([]*UsageRecord, error)
	DeleteUsageByTask(ctx context.Context, taskID string) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type TaskFilter struct {
	Type   string
	Status string
	Limit  int
	Offset int
}

type ExecutionFilter struct {
	Type   string
	Status string
	TaskID string
	Limit  int
}

// Page walks frames by timestamp. After < 0 starts from the beginning.
type Page struct {
	After float64
	Limit int
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const taskColumns = `id, task_type, name, request_by, request, status, meta_data,
	frames_planned, frames_sampled, units_analyzed, units_failed, error,
	request_ts, extraction_complete_ts, complete_ts, updated_at`

func (r *SQLiteRepository) SaveTask(ctx context.Context, t *Task) error {
	request, err := json.Marshal(t.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	meta, err := json.Marshal(t.MetaData)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_type = excluded.task_type,
			name = excluded.name,
			request_by = excluded.request_by,
			request = excluded.request,
			status = excluded.status,
			meta_data = excluded.meta_data,
			frames_planned = excluded.frames_planned,
			frames_sampled = excluded.frames_sampled,
			units_analyzed = excluded.units_analyzed,
			units_failed = excluded.units_failed,
			error = excluded.error,
			request_ts = excluded.request_ts,
			extraction_complete_ts = excluded.extraction_complete_ts,
			complete_ts = excluded.complete_ts,
			updated_at = excluded.updated_at
	`, t.ID, t.Type, nullString(t.Name), nullString(t.RequestBy), string(request), t.Status, string(meta),
		t.Counters.FramesPlanned, t.Counters.FramesSampled, t.Counters.UnitsAnalyzed, t.Counters.UnitsFailed,
		nullString(t.Error), formatTime(t.RequestTs), nullTime(t.ExtractionCompleteTs), nullTime(t.CompleteTs),
		formatTime(t.UpdatedAt))
	return err
}

func (r *SQLiteRepository) GetTask(ctx context.Context, id string) (*Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (r *SQLiteRepository) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	var where []string
	var args []any
	if f.Type != "" {
		where = append(where, "task_type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY request_ts DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var name, requestBy, errMsg, extractionTs, completeTs sql.NullString
	var request, meta, requestTs, updatedAt string

	err := row.Scan(&t.ID, &t.Type, &name, &requestBy, &request, &t.Status, &meta,
		&t.Counters.FramesPlanned, &t.Counters.FramesSampled, &t.Counters.UnitsAnalyzed, &t.Counters.UnitsFailed,
		&errMsg, &requestTs, &extractionTs, &completeTs, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(request), &t.Request); err != nil {
		return nil, fmt.Errorf("decode request of task %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(meta), &t.MetaData); err != nil {
		return nil, fmt.Errorf("decode metadata of task %s: %w", t.ID, err)
	}
	t.Name = name.String
	t.RequestBy = requestBy.String
	t.Error = errMsg.String
	t.RequestTs = parseTime(requestTs)
	t.UpdatedAt = parseTime(updatedAt)
	t.ExtractionCompleteTs = parseNullTime(extractionTs)
	t.CompleteTs = parseNullTime(completeTs)
	return &t, nil
}

func (r *SQLiteRepository) UpdateTaskStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE id = ?",
		status, nullString(errorMsg), now(), id)
	return err
}

func (r *SQLiteRepository) UpdateTaskMetaData(ctx context.Context, id string, md MetaData) error {
	meta, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		"UPDATE tasks SET meta_data = ?, updated_at = ? WHERE id = ?", string(meta), now(), id)
	return err
}

func (r *SQLiteRepository) SetFramesPlanned(ctx context.Context, id string, n int) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE tasks SET frames_planned = ?, frames_sampled = 0, units_analyzed = 0, units_failed = 0, updated_at = ? WHERE id = ?",
		n, now(), id)
	return err
}

// IncrementCounter is a single statement, so concurrent units never lose an update.
func (r *SQLiteRepository) IncrementCounter(ctx context.Context, id string, c Counter, delta int) error {
	var column string
	switch c {
	case CounterFramesSampled, CounterUnitsAnalyzed, CounterUnitsFailed:
		column = string(c)
	default:
		return fmt.Errorf("unknown counter %q", c)
	}
	_, err := r.db.ExecContext(ctx,
		"UPDATE tasks SET "+column+" = "+column+" + ?, updated_at = ? WHERE id = ?", delta, now(), id)
	return err
}

func (r *SQLiteRepository) MarkExtractionCompleted(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE tasks SET status = ?, extraction_complete_ts = ?, updated_at = ? WHERE id = ?",
		StatusExtractionCompleted, formatTime(at), now(), id)
	return err
}

func (r *SQLiteRepository) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE tasks SET status = ?, complete_ts = ?, updated_at = ? WHERE id = ?",
		StatusCompleted, formatTime(at), now(), id)
	return err
}

func (r *SQLiteRepository) DeleteTask(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	return err
}

func (r *SQLiteRepository) CreateExecution(ctx context.Context, e *Execution) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO executions (id, task_id, type, status, error, started_at, stopped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TaskID, e.Type, e.Status, nullString(e.Error), formatTime(e.StartedAt), nullTime(e.StoppedAt))
	return err
}

func (r *SQLiteRepository) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}

	query := "SELECT id, task_id, type, status, error, started_at, stopped_at FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		var e Execution
		var errMsg, stoppedAt sql.NullString
		var startedAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Type, &e.Status, &errMsg, &startedAt, &stoppedAt); err != nil {
			return nil, err
		}
		e.Error = errMsg.String
		e.StartedAt = parseTime(startedAt)
		e.StoppedAt = parseNullTime(stoppedAt)
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

func (r *SQLiteRepository) FinishExecution(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE executions SET status = ?, error = ?, stopped_at = ? WHERE id = ?",
		status, nullString(errorMsg), now(), id)
	return err
}

func (r *SQLiteRepository) DeleteExecutionsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM executions WHERE status != ? AND stopped_at IS NOT NULL AND stopped_at < ?",
		ExecutionRunning, formatTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

// timeLayout has a fixed-width fraction so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func now() string {
	return formatTime(time.Now())
}
