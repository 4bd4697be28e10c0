// Package transcribe runs speech-to-text jobs for a task's audio track,
// either on a remote job service or with the local speech pipeline.
package transcribe

import (
	"context"
	"errors"
)

const (
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// ErrJobNotFound is returned by Result when the job is unknown.
var ErrJobNotFound = errors.New("transcription job not found")

type Job struct {
	Name         string
	Status       string
	LanguageCode string
	Error        string
}

func (j *Job) Done() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Result is the output of a completed job.
type Result struct {
	LanguageCode string
	Segments     []Segment
	VTT          []byte
	Transcript   []byte
}

// Service is a speech-to-text job backend.
type Service interface {
	Name() string
	// Start replaces any existing job with the same name.
	Start(ctx context.Context, name, videoPath string) (*Job, error)
	// Status returns nil, nil for unknown jobs.
	Status(ctx context.Context, name string) (*Job, error)
	Result(ctx context.Context, name string) (*Result, error)
	Delete(ctx context.Context, name string) error
}

// JobName is the job name for a task: prefix plus the full task id, so
// two tasks never share a job.
func JobName(prefix, taskID string) string {
	return prefix + taskID
}
