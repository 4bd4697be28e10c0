package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/heimdex/heimdex-extraction/internal/blob"
	"github.com/heimdex/heimdex-extraction/internal/cloud"
	"github.com/heimdex/heimdex-extraction/internal/config"
	"github.com/heimdex/heimdex-extraction/internal/logging"
	"github.com/heimdex/heimdex-extraction/internal/task"
	"github.com/heimdex/heimdex-extraction/internal/transcribe"
)

// Listener moves tasks from extraction_completed to completed once their
// transcription job finishes, and sweeps old execution records.
type Listener struct {
	repo          task.Repository
	blobs         *blob.Store
	transcriber   transcribe.Service
	workDir       string
	listenerSpec  string
	retentionSpec string
	retentionDays int
	logger        *slog.Logger
	cron          *cron.Cron
}

func NewListener(repo task.Repository, blobs *blob.Store, transcriber transcribe.Service, cfg *config.Config, logger *slog.Logger) *Listener {
	return &Listener{
		repo:          repo,
		blobs:         blobs,
		transcriber:   transcriber,
		workDir:       cfg.WorkDir(),
		listenerSpec:  cfg.Transcription.ListenerSpec,
		retentionSpec: cfg.Scheduler.RetentionSpec,
		retentionDays: cfg.Scheduler.RetentionDays,
		logger:        logging.WithComponent(logging.OrDiscard(logger), "listener"),
	}
}

// Start schedules the poll and retention jobs. ctx bounds every run.
func (l *Listener) Start(ctx context.Context) error {
	c := cron.New()
	if l.transcriber != nil && l.listenerSpec != "" {
		if _, err := c.AddFunc(l.listenerSpec, func() {
			if err := l.Poll(ctx); err != nil {
				l.logger.Error("transcription poll failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid transcription.listener_spec %q: %w", l.listenerSpec, err)
		}
	}
	if l.retentionSpec != "" && l.retentionDays > 0 {
		if _, err := c.AddFunc(l.retentionSpec, func() {
			if _, err := l.Sweep(ctx, time.Now()); err != nil {
				l.logger.Error("retention sweep failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid scheduler.retention_spec %q: %w", l.retentionSpec, err)
		}
	}
	c.Start()
	l.cron = c
	l.logger.Info("listener started", "listener_spec", l.listenerSpec, "retention_spec", l.retentionSpec)
	return nil
}

// Stop waits for running jobs to return.
func (l *Listener) Stop() {
	if l.cron == nil {
		return
	}
	<-l.cron.Stop().Done()
	l.logger.Info("listener stopped")
}

// Poll checks every task waiting on a transcription job.
func (l *Listener) Poll(ctx context.Context) error {
	if l.transcriber == nil {
		return nil
	}
	tasks, err := l.repo.ListTasks(ctx, task.TaskFilter{Status: task.StatusExtractionCompleted})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.check(ctx, t)
	}
	return nil
}

func (l *Listener) check(ctx context.Context, t *task.Task) {
	logger := logging.WithTaskID(l.logger, t.ID)
	meta := t.MetaData.Transcription
	if meta == nil || meta.Status == transcribe.StatusCompleted || meta.Status == transcribe.StatusFailed {
		l.complete(ctx, t, logger)
		return
	}

	job, err := l.transcriber.Status(ctx, meta.JobName)
	if err != nil {
		logger.Warn("failed to poll transcription job", "job", meta.JobName, "error", err)
		return
	}
	if job == nil {
		l.fail(ctx, t, logger, "transcription job not found")
		return
	}
	if !job.Done() {
		return
	}
	if job.Status == transcribe.StatusFailed {
		l.fail(ctx, t, logger, job.Error)
		return
	}

	res, err := l.transcriber.Result(ctx, meta.JobName)
	if err != nil {
		if cloud.Retryable(err) {
			logger.Warn("transcription result unavailable, retrying on next poll", "job", meta.JobName, "error", err)
			return
		}
		l.fail(ctx, t, logger, err.Error())
		return
	}

	if err := l.store(ctx, t, res); err != nil {
		logger.Warn("failed to store transcription, retrying on next poll", "error", err)
		return
	}
	meta.Status = transcribe.StatusCompleted
	meta.Error = ""
	t.MetaData.Audio.LanguageCode = res.LanguageCode
	logger.Info("transcription stored", "segments", len(res.Segments), "language", res.LanguageCode)
	l.complete(ctx, t, logger)
}

// store replaces the task's transcript rows and output blobs.
func (l *Listener) store(ctx context.Context, t *task.Task, res *transcribe.Result) error {
	meta := t.MetaData.Transcription
	if err := l.blobs.PutBytes(ctx, meta.SubtitleKey, res.VTT); err != nil {
		return err
	}
	if len(res.Transcript) > 0 {
		if err := l.blobs.PutBytes(ctx, meta.OutputKey, res.Transcript); err != nil {
			return err
		}
	}
	if err := l.repo.DeleteTranscriptsByTask(ctx, t.ID); err != nil {
		return err
	}
	for _, seg := range res.Segments {
		row := &task.TranscriptSegment{
			ID:            task.TranscriptID(t.ID, seg.Start, seg.End),
			TaskID:        t.ID,
			StartTs:       seg.Start,
			EndTs:         seg.End,
			Transcription: seg.Text,
		}
		if err := l.repo.UpsertTranscript(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// fail records the transcription error. The task still completes: the
// transcription branch is optional enrichment.
func (l *Listener) fail(ctx context.Context, t *task.Task, logger *slog.Logger, reason string) {
	meta := t.MetaData.Transcription
	meta.Status = transcribe.StatusFailed
	meta.Error = reason
	logger.Warn("transcription failed", "job", meta.JobName, "error", reason)
	l.complete(ctx, t, logger)
}

func (l *Listener) complete(ctx context.Context, t *task.Task, logger *slog.Logger) {
	if err := l.repo.UpdateTaskMetaData(ctx, t.ID, t.MetaData); err != nil {
		logger.Error("failed to update task metadata", "error", err)
		return
	}
	if err := l.repo.MarkCompleted(ctx, t.ID, time.Now().UTC()); err != nil {
		logger.Error("failed to mark task completed", "error", err)
		return
	}
	if meta := t.MetaData.Transcription; meta != nil {
		if err := l.transcriber.Delete(ctx, meta.JobName); err != nil {
			logger.Debug("failed to delete finished transcription job", "job", meta.JobName, "error", err)
		}
	}
	os.RemoveAll(filepath.Join(l.workDir, t.ID))
	logger.Info("task completed")
}

// Sweep deletes finished executions older than the retention period.
func (l *Listener) Sweep(ctx context.Context, now time.Time) (int64, error) {
	before := now.AddDate(0, 0, -l.retentionDays)
	n, err := l.repo.DeleteExecutionsBefore(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Info("old executions removed", "count", n, "before", before.Format(time.RFC3339))
	}
	return n, nil
}
