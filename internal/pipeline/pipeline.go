// Package pipeline drives a task through metadata, sampling or
// segmentation, dedup, per-unit analysis and transcription.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/heimdex/heimdex-extraction/internal/task"
)

type Pipeline interface {
	Process(ctx context.Context, t *task.Task) error
	GetStatus(taskID string) (Status, error)
}

const (
	StageMetadata      = "metadata"
	StageSampling      = "sampling"
	StageSegmentation  = "segmentation"
	StageDedup         = "dedup"
	StageAnalysis      = "per_unit_analysis"
	StageTranscription = "transcription"
	StageFinalize      = "finalize"
)

// Status is the in-process view of a task currently being processed.
type Status struct {
	TaskID    string    `json:"task_id"`
	TaskType  string    `json:"task_type"`
	Stage     string    `json:"stage"`
	Planned   int       `json:"planned"`
	Done      int       `json:"done"`
	StartedAt time.Time `json:"started_at"`
}

// StageError records the stage a fatal error happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
