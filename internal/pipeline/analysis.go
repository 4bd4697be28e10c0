package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/conc/pool"

	"github.com/heimdex/heimdex-extraction/internal/cloud"
	"github.com/heimdex/heimdex-extraction/internal/shots"
	"github.com/heimdex/heimdex-extraction/internal/task"
)

// unitRef names a frame or shot for usage ids and logs.
type unitRef struct {
	kind      string
	index     string
	usageType string
}

// fanOut splits items into batches and runs up to parallel batches at
// once. Items within a batch run in order. fn owns its own error handling
// so one failed unit never stops its siblings.
func fanOut[T any](ctx context.Context, items []T, batchSize, parallel int, fn func(context.Context, T)) {
	p := pool.New().WithMaxGoroutines(max(parallel, 1))
	for _, batch := range shots.Batch(items, batchSize) {
		batch := batch
		p.Go(func() {
			for _, item := range batch {
				if ctx.Err() != nil {
					return
				}
				fn(ctx, item)
			}
		})
	}
	p.Wait()
}

// invokePrompts runs every prompt against one unit's media. Outputs of
// successful prompts are returned even when others failed.
func (r *taskRun) invokePrompts(ctx context.Context, prompts []task.PromptConfig, unit unitRef, mediaType string, media ...[]byte) ([]task.Output, error) {
	outputs := make([]task.Output, 0, len(prompts))
	var errs []error
	for _, pc := range prompts {
		req := cloud.BuildInvokeRequest(pc, r.o.defaults, mediaType, media...)
		var res *cloud.InvokeResult
		err := r.o.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			res, err = r.o.inference.Invoke(ctx, req)
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("prompt %s: %w", pc.Name, task.External("inference", err)))
			continue
		}
		outputs = append(outputs, task.Output{Name: pc.Name, ModelID: pc.ModelID, Value: res.Text})
		r.recordUsage(ctx, &task.UsageRecord{
			ID:           fmt.Sprintf("%s_%s_%s_%s", r.t.ID, unit.index, pc.Name, unit.kind),
			TaskID:       r.t.ID,
			Type:         unit.usageType,
			Name:         pc.Name,
			ModelID:      pc.ModelID,
			Index:        unit.index,
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
			TotalTokens:  res.TotalTokens,
		})
	}
	return outputs, errors.Join(errs...)
}

func (r *taskRun) recordUsage(ctx context.Context, u *task.UsageRecord) {
	if err := r.o.repo.InsertUsage(ctx, u); err != nil {
		r.logger.Warn("failed to record usage", "usage_id", u.ID, "error", err)
	}
}

// unitDone folds one unit's outcome into the task counters.
func (r *taskRun) unitDone(ctx context.Context, kind, index string, err error) {
	counter := task.CounterUnitsAnalyzed
	if err != nil {
		counter = task.CounterUnitsFailed
		r.logger.Warn("unit analysis failed", "unit", kind, "index", index, "error", err)
	}
	if cerr := r.o.repo.IncrementCounter(ctx, r.t.ID, counter, 1); cerr != nil {
		r.logger.Warn("failed to update counters", "unit", kind, "index", index, "error", cerr)
	}
	r.o.addDone(r.t.ID)
}

func (r *taskRun) getBytes(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.o.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		data, err = r.o.blobs.Get(ctx, key)
		return err
	})
	return data, err
}

func shotFromSegment(taskID string, seg shots.Segment, analysisType string) *task.Shot {
	return &task.Shot{
		ID:           task.ShotID(taskID, seg.Index),
		TaskID:       taskID,
		Index:        seg.Index,
		AnalysisType: analysisType,
		StartTime:    seg.Start,
		EndTime:      seg.End,
		Duration:     seg.Duration,
	}
}
