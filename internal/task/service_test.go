package task

import (
	"context"
	"errors"
	"testing"
)

func validRequest(id, taskType string) Request {
	req := Request{
		TaskId:   id,
		TaskType: taskType,
		Video:    Video{Location: "/videos/" + id + ".mp4"},
	}
	if taskType == TypeFrame {
		req.PreProcessSetting.SampleIntervalS = 1
	}
	return req
}

func TestService_Start(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, nil)
	ctx := context.Background()

	tk, exec, err := svc.Start(ctx, validRequest("task-1", TypeFrame))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if tk.Status != StatusQueued {
		t.Errorf("Status = %s, want %s", tk.Status, StatusQueued)
	}
	if exec.Status != ExecutionRunning || exec.TaskID != "task-1" || exec.Type != TypeFrame {
		t.Errorf("execution = %+v", exec)
	}
	if tk.Request.PreProcessSetting.SampleMode != SampleModeEven {
		t.Errorf("SampleMode = %q, want even default", tk.Request.PreProcessSetting.SampleMode)
	}

	stored, err := svc.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if stored.Request.Video.Location != "/videos/task-1.mp4" {
		t.Errorf("Video.Location = %s", stored.Request.Video.Location)
	}
}

func TestService_StartConflict(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, nil)
	ctx := context.Background()

	if _, _, err := svc.Start(ctx, validRequest("task-1", TypeFrame)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	before, _ := repo.GetTask(ctx, "task-1")

	_, _, err := svc.Start(ctx, validRequest("task-2", TypeFrame))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second Start() error = %v, want ErrConflict", err)
	}

	if got, _ := repo.GetTask(ctx, "task-2"); got != nil {
		t.Error("conflicting start created a task")
	}
	// Restarting the running task id is also rejected and leaves it untouched.
	_, _, err = svc.Start(ctx, validRequest("task-1", TypeFrame))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("restart Start() error = %v, want ErrConflict", err)
	}
	after, _ := repo.GetTask(ctx, "task-1")
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Status != before.Status {
		t.Error("conflicting start mutated the running task")
	}
	execs, _ := repo.ListExecutions(ctx, ExecutionFilter{})
	if len(execs) != 1 {
		t.Errorf("executions = %d, want 1", len(execs))
	}

	// Single-flight is per task type.
	if _, _, err := svc.Start(ctx, validRequest("clip-1", TypeClip)); err != nil {
		t.Errorf("clip Start() error = %v", err)
	}
}

func TestService_StartAfterFinish(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, nil)
	ctx := context.Background()

	_, exec, err := svc.Start(ctx, validRequest("task-1", TypeFrame))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := repo.FinishExecution(ctx, exec.ID, ExecutionSucceeded, ""); err != nil {
		t.Fatalf("FinishExecution() error = %v", err)
	}
	if _, _, err := svc.Start(ctx, validRequest("task-2", TypeFrame)); err != nil {
		t.Errorf("Start() after finish error = %v", err)
	}
}

func TestService_StartInvalidHasNoSideEffects(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, nil)
	ctx := context.Background()

	req := validRequest("task-1", TypeFrame)
	req.PreProcessSetting.SampleIntervalS = 0
	_, _, err := svc.Start(ctx, req)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Start() error = %v, want ErrInvalidRequest", err)
	}
	tasks, _ := repo.ListTasks(ctx, TaskFilter{})
	execs, _ := repo.ListExecutions(ctx, ExecutionFilter{})
	if len(tasks) != 0 || len(execs) != 0 {
		t.Errorf("invalid start wrote %d tasks and %d executions", len(tasks), len(execs))
	}
}

func TestService_NotFound(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, nil)
	ctx := context.Background()

	if _, err := svc.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask() error = %v, want ErrNotFound", err)
	}
	if _, err := svc.ListShots(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("ListShots() error = %v, want ErrNotFound", err)
	}
	if _, _, err := svc.Usage(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Usage() error = %v, want ErrNotFound", err)
	}
}
