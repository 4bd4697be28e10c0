package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/heimdex/heimdex-extraction/internal/cloud"
)

// Remote runs jobs on an HTTP speech-to-text service.
type Remote struct {
	jobs   cloud.TranscriptionJobs
	retry  cloud.RetryPolicy
	logger *slog.Logger
}

func NewRemote(jobs cloud.TranscriptionJobs, retry cloud.RetryPolicy, logger *slog.Logger) *Remote {
	return &Remote{jobs: jobs, retry: retry, logger: logger}
}

func (r *Remote) Name() string { return "remote" }

func (r *Remote) Start(ctx context.Context, name, videoPath string) (*Job, error) {
	existing, err := r.jobs.GetJob(ctx, name)
	if err != nil {
		r.logger.Warn("could not check existing transcription job", "job", name, "error", err)
	} else if existing != nil {
		r.logger.Info("deleting existing transcription job", "job", name, "status", existing.Status)
		if err := r.jobs.DeleteJob(ctx, name); err != nil {
			return nil, fmt.Errorf("delete existing job %s: %w", name, err)
		}
	}

	media, err := os.ReadFile(videoPath)
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(videoPath)), ".")
	if format == "" {
		format = "mp4"
	}

	var job *cloud.TranscriptionJob
	err = r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		job, err = r.jobs.StartJob(ctx, name, media, format)
		return err
	})
	if err != nil {
		return nil, err
	}
	return fromCloud(job), nil
}

func (r *Remote) Status(ctx context.Context, name string) (*Job, error) {
	job, err := r.jobs.GetJob(ctx, name)
	if err != nil || job == nil {
		return nil, err
	}
	return fromCloud(job), nil
}

func (r *Remote) Result(ctx context.Context, name string) (*Result, error) {
	job, err := r.jobs.GetJob(ctx, name)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if job.Status != cloud.JobCompleted {
		return nil, fmt.Errorf("job %s is %s", name, job.Status)
	}

	vtt, err := r.jobs.Subtitles(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("download subtitles: %w", err)
	}
	segments, err := ParseVTT(vtt)
	if err != nil {
		return nil, err
	}

	transcript, err := r.jobs.Transcript(ctx, name)
	if err != nil {
		r.logger.Warn("transcript JSON unavailable", "job", name, "error", err)
	}

	return &Result{
		LanguageCode: job.LanguageCode,
		Segments:     segments,
		VTT:          vtt,
		Transcript:   transcript,
	}, nil
}

func (r *Remote) Delete(ctx context.Context, name string) error {
	return r.jobs.DeleteJob(ctx, name)
}

func fromCloud(j *cloud.TranscriptionJob) *Job {
	status := j.Status
	switch status {
	case cloud.JobCompleted, cloud.JobFailed:
	default:
		status = StatusInProgress
	}
	return &Job{Name: j.Name, Status: status, LanguageCode: j.LanguageCode, Error: j.FailureReason}
}
