package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heimdex/heimdex-extraction/internal/logging"
	"github.com/heimdex/heimdex-extraction/internal/task"
)

// Runner picks up queued tasks and runs them through a Pipeline. At most
// one task per task type runs at a time, mirroring the single-flight rule
// enforced at start.
type Runner struct {
	repo         task.Repository
	pipeline     Pipeline
	logger       *slog.Logger
	pollInterval time.Duration
	running      atomic.Bool
	paused       atomic.Bool
	wake         chan struct{}

	mu     sync.Mutex
	active map[string]string
	wg     sync.WaitGroup
}

func NewRunner(repo task.Repository, pipeline Pipeline, pollInterval time.Duration, logger *slog.Logger) *Runner {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Runner{
		repo:         repo,
		pipeline:     pipeline,
		logger:       logging.WithComponent(logging.OrDiscard(logger), "runner"),
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
		active:       make(map[string]string),
	}
}

// Start polls until ctx is cancelled, then waits for running tasks to return.
func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}

	r.logger.Info("task runner started", "poll_interval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("task runner stopping")
			r.wg.Wait()
			r.running.Store(false)
			return
		case <-ticker.C:
		case <-r.wake:
		}
		if !r.paused.Load() {
			r.processNext(ctx)
		}
	}
}

// Wake asks the runner to poll now instead of at the next tick.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) Pause() {
	r.paused.Store(true)
	r.logger.Info("task runner paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("task runner resumed")
	r.Wake()
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// ActiveTasks maps task type to the id of the task being processed.
func (r *Runner) ActiveTasks() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.active))
	for k, v := range r.active {
		out[k] = v
	}
	return out
}

func (r *Runner) processNext(ctx context.Context) {
	for _, typ := range []string{task.TypeFrame, task.TypeClip} {
		r.mu.Lock()
		_, busy := r.active[typ]
		r.mu.Unlock()
		if busy {
			continue
		}

		exec, t := r.nextQueued(ctx, typ)
		if exec == nil {
			continue
		}

		r.mu.Lock()
		r.active[typ] = t.ID
		r.mu.Unlock()

		typ := typ
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() {
				r.mu.Lock()
				delete(r.active, typ)
				r.mu.Unlock()
			}()
			r.execute(ctx, exec, t)
		}()
	}
}

// nextQueued returns the oldest RUNNING execution of typ whose task is
// still queued. Executions whose task was deleted are closed on the way.
func (r *Runner) nextQueued(ctx context.Context, typ string) (*task.Execution, *task.Task) {
	execs, err := r.repo.ListExecutions(ctx, task.ExecutionFilter{Type: typ, Status: task.ExecutionRunning})
	if err != nil {
		r.logger.Error("failed to list running executions", "task_type", typ, "error", err)
		return nil, nil
	}
	sort.Slice(execs, func(i, j int) bool { return execs[i].StartedAt.Before(execs[j].StartedAt) })

	for _, e := range execs {
		t, err := r.repo.GetTask(ctx, e.TaskID)
		if err != nil {
			r.logger.Error("failed to load task", "task_id", e.TaskID, "error", err)
			continue
		}
		if t == nil {
			if ferr := r.repo.FinishExecution(ctx, e.ID, task.ExecutionFailed, "task deleted"); ferr != nil {
				r.logger.Error("failed to finish execution", "execution_id", e.ID, "task_id", e.TaskID, "error", ferr)
			}
			continue
		}
		if t.Status == task.StatusQueued {
			return e, t
		}
	}
	return nil, nil
}

func (r *Runner) execute(ctx context.Context, exec *task.Execution, t *task.Task) {
	logger := logging.WithExecutionID(logging.WithTaskID(r.logger, t.ID), exec.ID)
	logger.Info("processing task", "task_type", t.Type)

	err := r.pipeline.Process(ctx, t)
	if err != nil && ctx.Err() != nil {
		// Left RUNNING; startup recovery fails it.
		logger.Warn("task interrupted by shutdown", "error", err)
		return
	}
	if err != nil {
		msg := truncateStr(err.Error(), 512)
		logger.Error("task failed", "error", err)
		if uerr := r.repo.UpdateTaskStatus(ctx, t.ID, task.StatusFailed, msg); uerr != nil {
			logger.Error("failed to mark task failed", "error", uerr)
		}
		if ferr := r.repo.FinishExecution(ctx, exec.ID, task.ExecutionFailed, msg); ferr != nil {
			logger.Error("failed to finish execution", "error", ferr)
		}
		return
	}

	if ferr := r.repo.FinishExecution(ctx, exec.ID, task.ExecutionSucceeded, ""); ferr != nil {
		logger.Error("failed to finish execution", "error", ferr)
	}
	logger.Info("task execution succeeded")
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
