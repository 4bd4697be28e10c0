package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/heimdex/heimdex-extraction/internal/blob"
	"github.com/heimdex/heimdex-extraction/internal/logging"
	"github.com/heimdex/heimdex-extraction/internal/task"
	"github.com/heimdex/heimdex-extraction/internal/transcribe"
)

// Deleter removes a task and everything it owns.
type Deleter struct {
	repo        task.Repository
	blobs       *blob.Store
	vectors     VectorStore
	transcriber transcribe.Service
	workDir     string
	jobPrefix   string
	logger      *slog.Logger
}

func NewDeleter(repo task.Repository, blobs *blob.Store, vectors VectorStore, transcriber transcribe.Service, workDir, jobPrefix string, logger *slog.Logger) *Deleter {
	return &Deleter{
		repo:        repo,
		blobs:       blobs,
		vectors:     vectors,
		transcriber: transcriber,
		workDir:     workDir,
		jobPrefix:   jobPrefix,
		logger:      logging.WithComponent(logging.OrDiscard(logger), "delete"),
	}
}

// Delete is best-effort: every step is attempted, failures are logged and
// the call always succeeds. Work still in flight for the task may write
// afterwards; those writes fail on the missing task and are logged.
func (d *Deleter) Delete(ctx context.Context, taskID string) error {
	logger := logging.WithTaskID(d.logger, taskID)
	if !task.ValidID(taskID) {
		// No task can exist under an id that fails validation.
		logger.Warn("refusing to delete malformed task id")
		return nil
	}

	t, err := d.repo.GetTask(ctx, taskID)
	if err != nil {
		logger.Warn("failed to load task, deleting anyway", "error", err)
	} else if t == nil {
		logger.Info("task not found, cleaning up leftovers")
	}

	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			logger.Warn("delete step failed", "step", name, "error", err)
		}
	}

	if d.transcriber != nil {
		jobName := transcribe.JobName(d.jobPrefix, taskID)
		if t != nil && t.MetaData.Transcription != nil {
			jobName = t.MetaData.Transcription.JobName
		}
		step("transcription job", func() error { return d.transcriber.Delete(ctx, jobName) })
	}
	step("blobs", func() error {
		n, err := d.blobs.DeletePrefix(ctx, blob.TaskPrefix(taskID))
		logger.Debug("blobs removed", "count", n)
		return err
	})
	if d.vectors != nil {
		step("vectors", func() error {
			_, err := d.vectors.DeleteByTask(ctx, taskID)
			return err
		})
	}
	step("frames", func() error { return d.repo.DeleteFramesByTask(ctx, taskID) })
	step("shots", func() error { return d.repo.DeleteShotsByTask(ctx, taskID) })
	step("transcripts", func() error { return d.repo.DeleteTranscriptsByTask(ctx, taskID) })
	step("usage", func() error { return d.repo.DeleteUsageByTask(ctx, taskID) })
	step("work directory", func() error { return os.RemoveAll(filepath.Join(d.workDir, taskID)) })
	step("task", func() error { return d.repo.DeleteTask(ctx, taskID) })

	logger.Info("task deleted")
	return nil
}
