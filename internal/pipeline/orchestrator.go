package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/heimdex/heimdex-extraction/internal/blob"
	"github.com/heimdex/heimdex-extraction/internal/cloud"
	"github.com/heimdex/heimdex-extraction/internal/config"
	"github.com/heimdex/heimdex-extraction/internal/logging"
	"github.com/heimdex/heimdex-extraction/internal/shots"
	"github.com/heimdex/heimdex-extraction/internal/similarity"
	"github.com/heimdex/heimdex-extraction/internal/task"
	"github.com/heimdex/heimdex-extraction/internal/transcribe"
	"github.com/heimdex/heimdex-extraction/internal/vector"
)

// blankStdDev is the grayscale deviation below which a thumbnail candidate
// counts as a blank or single-colour frame.
const blankStdDev = 8.0

// VectorStore is the part of the vector index the pipeline writes to.
type VectorStore interface {
	Put(ctx context.Context, rec vector.Record) error
	DeleteByTask(ctx context.Context, taskID string) (int64, error)
}

// Deps are the collaborators of an Orchestrator. Transcriber may be nil
// to disable transcription.
type Deps struct {
	Repo        task.Repository
	Blobs       *blob.Store
	FFmpeg      FFmpeg
	Scenes      shots.SceneDetector
	Backends    similarity.Backends
	Inference   cloud.Inferencer
	Embedding   cloud.Embedder
	Defaults    cloud.InferenceDefaults
	Vectors     VectorStore
	Transcriber transcribe.Service
	Config      *config.Config
	Logger      *slog.Logger
}

// Orchestrator runs every stage of a task in-process.
type Orchestrator struct {
	repo        task.Repository
	blobs       *blob.Store
	ffmpeg      FFmpeg
	scenes      shots.SceneDetector
	backends    similarity.Backends
	inference   cloud.Inferencer
	embedder    cloud.Embedder
	defaults    cloud.InferenceDefaults
	vectors     VectorStore
	transcriber transcribe.Service
	cfg         *config.Config
	retry       cloud.RetryPolicy
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]*Status
}

func NewOrchestrator(d Deps) *Orchestrator {
	return &Orchestrator{
		repo:        d.Repo,
		blobs:       d.Blobs,
		ffmpeg:      d.FFmpeg,
		scenes:      d.Scenes,
		backends:    d.Backends,
		inference:   d.Inference,
		embedder:    d.Embedding,
		defaults:    d.Defaults,
		vectors:     d.Vectors,
		transcriber: d.Transcriber,
		cfg:         d.Config,
		retry:       cloud.RetryPolicy{Attempts: d.Config.Retry.Attempts, Delay: d.Config.Retry.Delay},
		logger:      logging.WithComponent(logging.OrDiscard(d.Logger), "pipeline"),
		active:      make(map[string]*Status),
	}
}

// taskRun is the state of one Process call, owned by the orchestrator.
type taskRun struct {
	o          *Orchestrator
	t          *task.Task
	logger     *slog.Logger
	workDir    string
	videoPath  string
	ownsSource bool
}

func (r *taskRun) scratch(parts ...string) string {
	return filepath.Join(append([]string{r.workDir, "scratch"}, parts...)...)
}

// Process runs a queued task up to extraction_completed, or completed when
// no transcription is pending. A returned error is fatal for the task.
func (o *Orchestrator) Process(ctx context.Context, t *task.Task) error {
	r := &taskRun{
		o:       o,
		t:       t,
		logger:  logging.WithTaskID(o.logger, t.ID),
		workDir: filepath.Join(o.cfg.WorkDir(), t.ID),
	}
	o.track(t)
	defer o.untrack(t.ID)

	if err := o.repo.UpdateTaskStatus(ctx, t.ID, task.StatusProcessing, ""); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	t.Status = task.StatusProcessing
	r.logger.Info("task processing started", "task_type", t.Type)
	started := time.Now()

	pending := false
	defer func() {
		os.RemoveAll(r.scratch())
		if !pending || !r.ownsSource {
			os.RemoveAll(r.workDir)
		}
	}()

	o.setStage(t.ID, StageMetadata)
	if err := r.resolveVideo(ctx); err != nil {
		return stageErr(StageMetadata, err)
	}
	if err := r.metadata(ctx); err != nil {
		return stageErr(StageMetadata, err)
	}

	var err error
	switch t.Type {
	case task.TypeFrame:
		err = r.frames(ctx)
	case task.TypeClip:
		err = r.clips(ctx)
	default:
		err = stageErr(StageSampling, task.InvalidRequest("unknown task type %q", t.Type))
	}
	if err != nil {
		return err
	}

	o.setStage(t.ID, StageTranscription)
	pending = r.startTranscription(ctx)

	o.setStage(t.ID, StageFinalize)
	if err := r.finalize(ctx, pending); err != nil {
		pending = false
		return stageErr(StageFinalize, err)
	}
	r.logger.Info("task extraction completed",
		"duration", time.Since(started).Round(time.Millisecond),
		"transcription_pending", pending)
	return nil
}

// resolveVideo accepts an absolute local path or a blob key, which is
// fetched into the task's work directory.
func (r *taskRun) resolveVideo(ctx context.Context) error {
	loc := r.t.Request.Video.Location
	if filepath.IsAbs(loc) {
		info, err := os.Stat(loc)
		if err != nil || info.IsDir() {
			return task.NotFound("video", loc)
		}
		r.videoPath = loc
		return nil
	}

	if !r.o.blobs.Exists(loc) {
		return task.NotFound("video", loc)
	}
	local := filepath.Join(r.workDir, "source"+strings.ToLower(filepath.Ext(loc)))
	err := r.o.retry.Do(ctx, func(ctx context.Context) error {
		return r.o.blobs.Fetch(ctx, loc, local)
	})
	if err != nil {
		return task.External("blob store", err)
	}
	r.videoPath = local
	r.ownsSource = true
	return nil
}

func (r *taskRun) metadata(ctx context.Context) error {
	probe, err := r.o.ffmpeg.Probe(ctx, r.videoPath)
	if err != nil {
		return fmt.Errorf("probe video: %w", err)
	}

	size := probe.Size
	if size == 0 {
		if info, err := os.Stat(r.videoPath); err == nil {
			size = info.Size()
		}
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(r.t.Request.Video.Location)), ".")
	if format == "" {
		format = probe.Format
	}

	md := r.t.MetaData
	md.VideoMetaData = &task.VideoMetaData{
		Duration:   probe.Duration,
		Fps:        probe.FrameRate,
		Width:      probe.Width,
		Height:     probe.Height,
		Resolution: probe.Resolution(),
		Size:       size,
		Format:     format,
	}
	md.Audio.HasAudio = probe.HasAudio
	if r.t.Type == task.TypeFrame {
		md.FramePrefix = blob.FramePrefix(r.t.ID)
	}

	if key, err := r.thumbnail(ctx, probe.Duration); err != nil {
		r.logger.Warn("thumbnail check failed, continuing", "error", task.Partial("thumbnail", err))
	} else {
		md.ThumbnailKey = key
	}

	r.t.MetaData = md
	r.logger.Info("video metadata",
		"duration", probe.Duration, "fps", probe.FrameRate,
		"resolution", md.VideoMetaData.Resolution, "has_audio", probe.HasAudio)
	return r.o.repo.UpdateTaskMetaData(ctx, r.t.ID, md)
}

// thumbnail picks the first second whose frame is not blank. When every
// probed frame is blank the first one is used.
func (r *taskRun) thumbnail(ctx context.Context, duration float64) (string, error) {
	limit := r.o.cfg.Pipeline.ThumbnailProbeSec
	if int(duration) < limit {
		limit = int(duration)
	}

	var chosen, fallback []byte
	var lastErr error
	for sec := 0; sec <= limit && chosen == nil; sec++ {
		out := r.scratch(fmt.Sprintf("thumbnail_%d.png", sec))
		if err := r.o.ffmpeg.ExtractFrame(ctx, r.videoPath, float64(sec), out); err != nil {
			lastErr = err
			continue
		}
		data, err := os.ReadFile(out)
		if err != nil {
			lastErr = err
			continue
		}
		std, err := similarity.GrayStdDev(data)
		if err != nil {
			lastErr = err
			continue
		}
		if std > blankStdDev {
			chosen = data
		} else if fallback == nil {
			fallback = data
		}
	}
	if chosen == nil {
		chosen = fallback
	}
	if chosen == nil {
		if lastErr == nil {
			lastErr = fmt.Errorf("no frame extracted")
		}
		return "", lastErr
	}

	key := blob.ThumbnailKey(r.t.ID)
	if err := r.putBytes(ctx, key, chosen); err != nil {
		return "", err
	}
	return key, nil
}

// startTranscription starts the speech-to-text branch and reports whether
// a job is now pending.
func (r *taskRun) startTranscription(ctx context.Context) bool {
	o := r.o
	if o.transcriber == nil || !r.t.Request.ExtractionSetting.Transcription.On() || !r.t.MetaData.Audio.HasAudio {
		return false
	}

	if err := o.repo.DeleteTranscriptsByTask(ctx, r.t.ID); err != nil {
		r.logger.Warn("failed to clear previous transcripts", "error", err)
	}
	if _, err := o.blobs.DeletePrefix(ctx, blob.TranscribePrefix(r.t.ID)); err != nil {
		r.logger.Warn("failed to clear previous transcription output", "error", err)
	}

	name := transcribe.JobName(o.cfg.Transcription.JobPrefix, r.t.ID)
	meta := &task.TranscriptionMeta{
		JobName:     name,
		Backend:     o.transcriber.Name(),
		OutputKey:   blob.TranscribeKey(r.t.ID, "json"),
		SubtitleKey: blob.TranscribeKey(r.t.ID, "vtt"),
	}
	r.t.MetaData.Transcription = meta

	job, err := o.transcriber.Start(ctx, name, r.videoPath)
	if err != nil {
		r.logger.Warn("transcription failed to start", "job", name, "error", task.External("transcription", err))
		meta.Status = transcribe.StatusFailed
		meta.Error = err.Error()
		return false
	}
	meta.Status = job.Status
	r.logger.Info("transcription started", "job", name, "backend", meta.Backend)
	return !job.Done()
}

func (r *taskRun) finalize(ctx context.Context, pending bool) error {
	if err := r.o.repo.UpdateTaskMetaData(ctx, r.t.ID, r.t.MetaData); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := r.o.repo.MarkExtractionCompleted(ctx, r.t.ID, now); err != nil {
		return err
	}
	if pending {
		return nil
	}
	return r.o.repo.MarkCompleted(ctx, r.t.ID, now)
}

func (r *taskRun) putBytes(ctx context.Context, key string, data []byte) error {
	return r.o.retry.Do(ctx, func(ctx context.Context) error {
		return r.o.blobs.PutBytes(ctx, key, data)
	})
}

func (r *taskRun) putFile(ctx context.Context, key, localPath string) error {
	return r.o.retry.Do(ctx, func(ctx context.Context) error {
		return r.o.blobs.PutFile(ctx, key, localPath)
	})
}

func (o *Orchestrator) track(t *task.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[t.ID] = &Status{TaskID: t.ID, TaskType: t.Type, Stage: StageMetadata, StartedAt: time.Now()}
}

func (o *Orchestrator) untrack(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, taskID)
}

func (o *Orchestrator) setStage(taskID, stage string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.active[taskID]; ok {
		s.Stage = stage
		s.Planned, s.Done = 0, 0
	}
}

func (o *Orchestrator) setPlanned(taskID string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.active[taskID]; ok {
		s.Planned = n
	}
}

func (o *Orchestrator) addDone(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.active[taskID]; ok {
		s.Done++
	}
}

// GetStatus reports the stage of a task being processed right now.
func (o *Orchestrator) GetStatus(taskID string) (Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.active[taskID]
	if !ok {
		return Status{}, task.NotFound("active task", taskID)
	}
	return *s, nil
}

// Active lists tasks being processed, oldest first.
func (o *Orchestrator) Active() []Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Status, 0, len(o.active))
	for _, s := range o.active {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
