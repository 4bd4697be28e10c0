package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/heimdex/heimdex-extraction/internal/blob"
	"github.com/heimdex/heimdex-extraction/internal/cloud"
	"github.com/heimdex/heimdex-extraction/internal/shots"
	"github.com/heimdex/heimdex-extraction/internal/task"
	"github.com/heimdex/heimdex-extraction/internal/vector"
)

func (r *taskRun) clips(ctx context.Context) error {
	o, t := r.o, r.t

	o.setStage(t.ID, StageSegmentation)
	segs, err := r.segment(ctx)
	if err != nil {
		return stageErr(StageSegmentation, err)
	}
	if err := r.resetShots(ctx); err != nil {
		return stageErr(StageSegmentation, err)
	}

	shotRows := make([]*task.Shot, len(segs))
	for i, seg := range segs {
		shot := shotFromSegment(t.ID, seg, task.AnalysisShot)
		if err := o.repo.UpsertShot(ctx, shot); err != nil {
			return stageErr(StageSegmentation, fmt.Errorf("record shot %d: %w", seg.Index, err))
		}
		shotRows[i] = shot
	}
	t.MetaData.ShotCount = len(segs)
	if err := o.repo.UpdateTaskMetaData(ctx, t.ID, t.MetaData); err != nil {
		return stageErr(StageSegmentation, err)
	}
	r.logger.Info("video segmented", "shots", len(segs),
		"fixed_length", t.Request.PreProcessSetting.UseFixedLengthSec)

	o.setStage(t.ID, StageAnalysis)
	o.setPlanned(t.ID, len(shotRows))
	fanOut(ctx, shotRows, o.cfg.Pipeline.BatchSize, o.cfg.Pipeline.MaxParallelBatches, r.processShot)
	if err := ctx.Err(); err != nil {
		return stageErr(StageAnalysis, err)
	}
	return nil
}

// segment produces 0-based shots: fixed-length when UseFixedLengthSec is
// set, content-based otherwise, then windowed and merged.
func (r *taskRun) segment(ctx context.Context) ([]shots.Segment, error) {
	setting := r.t.Request.PreProcessSetting
	duration := r.t.MetaData.VideoMetaData.Duration

	var segs []shots.Segment
	var err error
	if setting.UseFixedLengthSec > 0 {
		segs, err = shots.FixedLength(duration, setting.UseFixedLengthSec)
		if err != nil {
			return nil, task.InvalidRequest("%v", err)
		}
	} else {
		if r.o.scenes == nil {
			return nil, fmt.Errorf("no scene detector configured")
		}
		segs, err = shots.ContentBased(ctx, r.o.scenes, r.videoPath, duration)
		if err != nil {
			return nil, err
		}
	}

	params := shots.Params{
		StartSec:   setting.StartSec,
		LengthSec:  setting.LengthSec,
		MinClipSec: setting.MinClipSec,
	}
	if params.Any() {
		return shots.ApplyClipParams(segs, params), nil
	}
	return shots.Normalize(segs), nil
}

// resetShots removes shot rows, clips, outputs and vectors of an earlier run.
func (r *taskRun) resetShots(ctx context.Context) error {
	id := r.t.ID
	if err := r.o.repo.DeleteShotsByTask(ctx, id); err != nil {
		return fmt.Errorf("clear shots: %w", err)
	}
	for _, prefix := range []string{blob.ClipPrefix(id), blob.ShotOutputPrefix(id), blob.ShotVectorPrefix(id)} {
		if _, err := r.o.blobs.DeletePrefix(ctx, prefix); err != nil {
			return fmt.Errorf("clear %s: %w", prefix, err)
		}
	}
	if r.o.vectors != nil {
		if _, err := r.o.vectors.DeleteByTask(ctx, id); err != nil {
			return fmt.Errorf("clear vectors: %w", err)
		}
	}
	return nil
}

// processShot cuts and stores the clip, runs the shot prompts and the
// optional clip embedding, then upserts the shot.
func (r *taskRun) processShot(ctx context.Context, shot *task.Shot) {
	o, t := r.o, r.t
	index := strconv.Itoa(shot.Index)

	key := blob.ClipKey(t.ID, shot.Index, shot.StartTime, shot.EndTime)
	local := r.scratch("clips", path.Base(key))
	defer os.Remove(local)

	if err := o.ffmpeg.CutClip(ctx, r.videoPath, shot.StartTime, shot.EndTime, local); err != nil {
		r.unitDone(ctx, "shot", index, fmt.Errorf("cut clip: %w", err))
		return
	}
	if err := r.putFile(ctx, key, local); err != nil {
		r.unitDone(ctx, "shot", index, task.External("blob store", err))
		return
	}
	shot.ClipKey = key

	unit := t.Request.ExtractionSetting.Vision.Shot
	embedding := t.Request.ExtractionSetting.Embedding
	var errs []error
	if (unit.Enabled && len(unit.PromptConfigs) > 0) || embedding.Enabled {
		clip, err := os.ReadFile(local)
		if err != nil {
			r.unitDone(ctx, "shot", index, fmt.Errorf("read clip: %w", err))
			return
		}

		if unit.Enabled && len(unit.PromptConfigs) > 0 {
			outputs, err := r.invokePrompts(ctx, unit.PromptConfigs, unitRef{
				kind:      "shot",
				index:     index,
				usageType: task.UsageVideoUnderstanding,
			}, "video/mp4", clip)
			shot.Outputs = outputs
			if err != nil {
				errs = append(errs, err)
			}
			if len(outputs) > 0 {
				if doc, jerr := json.Marshal(shot); jerr == nil {
					if perr := r.putBytes(ctx, blob.ShotOutputKey(t.ID, shot.Index), doc); perr != nil {
						r.logger.Warn("failed to store shot outputs", "index", shot.Index, "error", perr)
					}
				}
			}
		}

		if embedding.Enabled {
			if err := r.embedShot(ctx, shot, clip); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := o.repo.UpsertShot(ctx, shot); err != nil {
		r.logger.Warn("failed to record shot", "index", shot.Index, "error", err)
	}
	r.unitDone(ctx, "shot", index, errors.Join(errs...))
}

// shotVector is the document stored under the shot_vector key.
type shotVector struct {
	Key       string         `json:"key"`
	ModelID   string         `json:"model_id"`
	Embedding []float32      `json:"embedding"`
	Metadata  map[string]any `json:"metadata"`
}

func (r *taskRun) embedShot(ctx context.Context, shot *task.Shot, clip []byte) error {
	o, t := r.o, r.t
	if o.embedder == nil || o.vectors == nil {
		return fmt.Errorf("embedding is not configured")
	}

	var res *cloud.EmbedResult
	err := o.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = o.embedder.EmbedVideo(ctx, clip)
		return err
	})
	if err != nil {
		return fmt.Errorf("embed clip: %w", task.External("embedding", err))
	}

	modelID := t.Request.ExtractionSetting.Embedding.ModelId
	if modelID == "" {
		modelID = o.embedder.ModelID()
	}
	r.recordUsage(ctx, &task.UsageRecord{
		ID:          fmt.Sprintf("%s_%d_shot", t.ID, shot.Index),
		TaskID:      t.ID,
		Type:        task.UsageVideoEmbedding,
		ModelID:     modelID,
		Index:       strconv.Itoa(shot.Index),
		InputTokens: res.InputTokens,
		TotalTokens: res.InputTokens,
		DurationS:   res.DurationS,
	})

	vecKey := fmt.Sprintf("%s_AUDIO_VIDEO_%d", t.ID, shot.Index)
	meta := map[string]any{
		"index":    shot.Index,
		"task_id":  t.ID,
		"startSec": shot.StartTime,
		"endSec":   shot.EndTime,
	}
	if err := o.vectors.Put(ctx, vector.Record{Key: vecKey, TaskID: t.ID, Embedding: res.Embedding, Metadata: meta}); err != nil {
		return fmt.Errorf("index vector: %w", err)
	}
	shot.VectorKey = vecKey

	doc, err := json.Marshal(shotVector{Key: vecKey, ModelID: modelID, Embedding: res.Embedding, Metadata: meta})
	if err != nil {
		return err
	}
	if err := r.putBytes(ctx, blob.ShotVectorKey(t.ID, shot.Index), doc); err != nil {
		r.logger.Warn("failed to store shot vector document", "index", shot.Index, "error", err)
	}
	return nil
}
