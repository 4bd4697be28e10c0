package task

import (
	"context"
	"log/slog"
	"time"
)

// TaskService is the read/start surface used by the API, CLI and inbox.
type TaskService interface {
	Start(ctx context.Context, req Request) (*Task, *Execution, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	ListFrames(ctx context.Context, taskID string, page Page) ([]*Frame, error)
	ListShots(ctx context.Context, taskID, analysisType string) ([]*Shot, error)
	ListTranscripts(ctx context.Context, taskID string) ([]*TranscriptSegment, error)
	Usage(ctx context.Context, taskID string) ([]*UsageRecord, UsageSummary, error)
}

type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Start validates the request, enforces single-flight per task type and
// enqueues the task. The running-execution check is check-then-act: two
// concurrent starts can both pass it.
func (s *Service) Start(ctx context.Context, req Request) (*Task, *Execution, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	running, err := s.repo.ListExecutions(ctx, ExecutionFilter{Type: req.TaskType, Status: ExecutionRunning})
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to list running executions, continuing", "task_type", req.TaskType, "error", err)
		}
	} else if len(running) > 0 {
		return nil, nil, Conflict("a %s execution is already running (task %s)", req.TaskType, running[0].TaskID)
	}

	now := time.Now().UTC()
	t := &Task{
		ID:        req.TaskId,
		Type:      req.TaskType,
		Name:      req.Name,
		RequestBy: req.RequestBy,
		Request:   req,
		Status:    StatusQueued,
		RequestTs: now,
		UpdatedAt: now,
	}
	if err := s.repo.SaveTask(ctx, t); err != nil {
		return nil, nil, err
	}

	exec := &Execution{
		ID:        NewID(),
		TaskID:    t.ID,
		Type:      t.Type,
		Status:    ExecutionRunning,
		StartedAt: now,
	}
	if err := s.repo.CreateExecution(ctx, exec); err != nil {
		return nil, nil, err
	}

	if s.logger != nil {
		s.logger.Info("task queued", "task_id", t.ID, "task_type", t.Type, "execution_id", exec.ID)
	}
	return t, exec, nil
}

func (s *Service) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, NotFound("task", id)
	}
	return t, nil
}

func (s *Service) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	return s.repo.ListTasks(ctx, filter)
}

func (s *Service) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	return s.repo.ListExecutions(ctx, filter)
}

func (s *Service) ListFrames(ctx context.Context, taskID string, page Page) ([]*Frame, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.repo.ListFrames(ctx, taskID, page)
}

func (s *Service) ListShots(ctx context.Context, taskID, analysisType string) ([]*Shot, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.repo.ListShots(ctx, taskID, analysisType)
}

func (s *Service) ListTranscripts(ctx context.Context, taskID string) ([]*TranscriptSegment, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.repo.ListTranscripts(ctx, taskID)
}

func (s *Service) Usage(ctx context.Context, taskID string) ([]*UsageRecord, UsageSummary, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, UsageSummary{}, err
	}
	records, err := s.repo.ListUsage(ctx, taskID)
	if err != nil {
		return nil, UsageSummary{}, err
	}
	return records, Summarize(records), nil
}
