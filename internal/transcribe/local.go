package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/heimdex/heimdex-extraction/internal/pipelines"
)

// Local runs jobs with the speech pipeline in background goroutines. Job
// state lives in memory, so jobs do not survive a restart.
type Local struct {
	runner pipelines.Runner
	doctor *pipelines.CachedDoctor
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*localJob
	wg   sync.WaitGroup
}

type localJob struct {
	job    Job
	result *Result
	cancel context.CancelFunc
}

func NewLocal(runner pipelines.Runner, doctor *pipelines.CachedDoctor, logger *slog.Logger) *Local {
	return &Local{runner: runner, doctor: doctor, logger: logger, jobs: make(map[string]*localJob)}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Start(ctx context.Context, name, videoPath string) (*Job, error) {
	if l.doctor != nil {
		if err := l.doctor.Require(ctx, pipelines.PipelineSpeech); err != nil {
			return nil, err
		}
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	lj := &localJob{job: Job{Name: name, Status: StatusInProgress}, cancel: cancel}

	l.mu.Lock()
	if prev, ok := l.jobs[name]; ok {
		l.logger.Info("replacing existing transcription job", "job", name, "status", prev.job.Status)
		prev.cancel()
	}
	l.jobs[name] = lj
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer cancel()
		l.run(jobCtx, lj, videoPath)
	}()

	job := lj.job
	return &job, nil
}

func (l *Local) run(ctx context.Context, lj *localJob, videoPath string) {
	name := lj.job.Name
	outPath := filepath.Join(l.runner.ArtifactsDir(), "speech", name+".json")
	defer os.Remove(outPath)

	result, err := l.transcribe(ctx, videoPath, outPath)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jobs[name] != lj {
		return
	}
	if err != nil {
		l.logger.Warn("local transcription failed", "job", name, "error", err)
		lj.job.Status = StatusFailed
		lj.job.Error = err.Error()
		return
	}
	lj.job.Status = StatusCompleted
	lj.job.LanguageCode = result.LanguageCode
	lj.result = result
	l.logger.Info("local transcription completed", "job", name, "segments", len(result.Segments))
}

func (l *Local) transcribe(ctx context.Context, videoPath, outPath string) (*Result, error) {
	res, err := l.runner.RunSpeech(ctx, videoPath, outPath)
	if err != nil {
		return nil, fmt.Errorf("speech pipeline error: %w", err)
	}
	if !res.IsSuccess() {
		tail := res.StderrTail
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		return nil, fmt.Errorf("speech pipeline exited %d: %s", res.ExitCode, tail)
	}

	out, err := pipelines.ReadSpeech(l.runner, outPath)
	if err != nil {
		return nil, err
	}

	segments := make([]Segment, 0, len(out.Segments))
	for _, s := range out.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			Start: math.Round(float64(s.StartMs)/10) / 100,
			End:   math.Round(float64(s.EndMs)/10) / 100,
			Text:  text,
		})
	}
	transcript, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return &Result{
		LanguageCode: out.Language,
		Segments:     segments,
		VTT:          FormatVTT(segments),
		Transcript:   transcript,
	}, nil
}

func (l *Local) Status(ctx context.Context, name string) (*Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lj, ok := l.jobs[name]
	if !ok {
		return nil, nil
	}
	job := lj.job
	return &job, nil
}

func (l *Local) Result(ctx context.Context, name string) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lj, ok := l.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if lj.result == nil {
		return nil, fmt.Errorf("job %s is %s", name, lj.job.Status)
	}
	return lj.result, nil
}

// Delete cancels a running job and forgets it.
func (l *Local) Delete(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lj, ok := l.jobs[name]; ok {
		lj.cancel()
		delete(l.jobs, name)
	}
	return nil
}

// Close cancels running jobs and waits for them to exit.
func (l *Local) Close() {
	l.mu.Lock()
	for _, lj := range l.jobs {
		lj.cancel()
	}
	l.mu.Unlock()
	l.wg.Wait()
}
