package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/sourcegraph/conc/pool"

	"github.com/heimdex/heimdex-extraction/internal/blob"
	"github.com/heimdex/heimdex-extraction/internal/dedup"
	"github.com/heimdex/heimdex-extraction/internal/sampler"
	"github.com/heimdex/heimdex-extraction/internal/shots"
	"github.com/heimdex/heimdex-extraction/internal/similarity"
	"github.com/heimdex/heimdex-extraction/internal/task"
)

func (r *taskRun) frames(ctx context.Context) error {
	o, t := r.o, r.t
	setting := t.Request.PreProcessSetting
	duration := t.MetaData.VideoMetaData.Duration

	o.setStage(t.ID, StageSampling)
	seq, err := sampler.Even(duration, setting.SampleIntervalS)
	if err != nil {
		return stageErr(StageSampling, task.InvalidRequest("%v", err))
	}
	timestamps := seq.All()

	if err := r.resetFrames(ctx); err != nil {
		return stageErr(StageSampling, err)
	}
	if err := o.repo.SetFramesPlanned(ctx, t.ID, len(timestamps)); err != nil {
		return stageErr(StageSampling, err)
	}
	o.setPlanned(t.ID, len(timestamps))

	chunks := sampler.Chunks(t.ID, duration, o.cfg.Pipeline.ChunkSec)
	parts := sampler.Split(timestamps, chunks)
	candidates := make([][]dedup.Candidate, len(parts))
	p := pool.New().WithMaxGoroutines(o.cfg.Pipeline.MaxParallelBatches)
	for i, part := range parts {
		i, part := i, part
		p.Go(func() {
			candidates[i] = r.extractFrames(ctx, part)
		})
	}
	p.Wait()
	if err := ctx.Err(); err != nil {
		return stageErr(StageSampling, err)
	}
	r.logger.Info("frames sampled", "planned", len(timestamps), "chunks", len(chunks))

	o.setStage(t.ID, StageDedup)
	total := 0
	for _, c := range candidates {
		total += len(c)
	}
	o.setPlanned(t.ID, total)
	backend, threshold, err := r.dedupBackend()
	if err != nil {
		return stageErr(StageDedup, err)
	}
	engine := dedup.NewEngine(backend, o.blobs, threshold, r.logger)
	obs := &frameObserver{r: r}

	var ref *dedup.Candidate
	var kept []dedup.Decision
	for i, chunk := range candidates {
		var decisions []dedup.Decision
		ref, decisions, err = engine.Run(ctx, ref, chunk, obs)
		if err != nil {
			return stageErr(StageDedup, err)
		}
		n := 0
		for _, d := range decisions {
			if d.Kept {
				kept = append(kept, d)
				n++
			}
		}
		r.logger.Debug("chunk deduplicated", "chunk", i, "candidates", len(chunk), "kept", n)
	}
	r.logger.Info("frames deduplicated", "kept", len(kept), "smart_sample", setting.SmartSample)

	frames := make([]*task.Frame, len(kept))
	for i, d := range kept {
		frames[i] = frameFromDecision(t.ID, d)
	}

	o.setStage(t.ID, StageAnalysis)
	if unit := t.Request.ExtractionSetting.Vision.Frame; unit.Enabled && len(unit.PromptConfigs) > 0 {
		o.setPlanned(t.ID, len(frames))
		fanOut(ctx, frames, o.cfg.Pipeline.BatchSize, o.cfg.Pipeline.MaxParallelBatches, func(ctx context.Context, f *task.Frame) {
			r.analyzeFrame(ctx, f, unit.PromptConfigs)
		})
		if err := ctx.Err(); err != nil {
			return stageErr(StageAnalysis, err)
		}
	}

	if t.Request.ExtractionSetting.Vision.Shot.Enabled {
		if err := r.groupFrameShots(ctx, kept, duration); err != nil {
			return stageErr(StageAnalysis, err)
		}
	}
	return nil
}

// resetFrames removes rows and blobs of an earlier run of the same task.
func (r *taskRun) resetFrames(ctx context.Context) error {
	id := r.t.ID
	if err := r.o.repo.DeleteFramesByTask(ctx, id); err != nil {
		return fmt.Errorf("clear frames: %w", err)
	}
	if err := r.o.repo.DeleteShotsByTask(ctx, id); err != nil {
		return fmt.Errorf("clear shots: %w", err)
	}
	for _, prefix := range []string{blob.FramePrefix(id), blob.FrameOutputPrefix(id), blob.ShotOutputPrefix(id)} {
		if _, err := r.o.blobs.DeletePrefix(ctx, prefix); err != nil {
			return fmt.Errorf("clear %s: %w", prefix, err)
		}
	}
	return nil
}

// extractFrames extracts and stores the frames of one chunk and writes a
// provisional row for each. Frames that cannot be extracted are skipped.
func (r *taskRun) extractFrames(ctx context.Context, timestamps []float64) []dedup.Candidate {
	o, t := r.o, r.t
	out := make([]dedup.Candidate, 0, len(timestamps))
	for _, ts := range timestamps {
		if ctx.Err() != nil {
			return out
		}
		key := blob.FrameKey(t.ID, o.cfg.Pipeline.FramePrefix, ts)
		local := r.scratch("frames", path.Base(key))
		if err := o.ffmpeg.ExtractFrame(ctx, r.videoPath, ts, local); err != nil {
			r.logger.Warn("frame extraction failed, skipping", "timestamp", ts, "error", err)
			continue
		}
		err := r.putFile(ctx, key, local)
		os.Remove(local)
		if err != nil {
			r.logger.Warn("frame upload failed, skipping", "timestamp", ts, "error", task.External("blob store", err))
			continue
		}
		frame := &task.Frame{ID: task.FrameID(t.ID, ts), TaskID: t.ID, Timestamp: ts, MediaKey: key}
		if err := o.repo.UpsertFrame(ctx, frame); err != nil {
			r.logger.Warn("failed to record frame", "timestamp", ts, "error", err)
		}
		out = append(out, dedup.Candidate{Timestamp: ts, Key: key})
	}
	return out
}

// dedupBackend returns a nil backend when smart sampling is off, which
// makes the engine keep every frame.
func (r *taskRun) dedupBackend() (similarity.Backend, float64, error) {
	setting := r.t.Request.PreProcessSetting
	if !setting.SmartSample {
		return nil, 0, nil
	}
	backend, err := r.o.backends.For(setting.SimilarityMethod)
	if err != nil {
		return nil, 0, task.InvalidRequest("%v", err)
	}
	return backend, setting.Threshold(r.o.cfg.ThresholdFor), nil
}

func frameFromDecision(taskID string, d dedup.Decision) *task.Frame {
	return &task.Frame{
		ID:              task.FrameID(taskID, d.Timestamp),
		TaskID:          taskID,
		Timestamp:       d.Timestamp,
		MediaKey:        d.Key,
		SimilarityScore: d.Score,
		PrevTimestamp:   d.PrevTimestamp,
	}
}

// frameObserver persists dedup decisions one frame at a time.
type frameObserver struct {
	r *taskRun
}

func (f *frameObserver) Retained(ctx context.Context, d dedup.Decision) error {
	o, id := f.r.o, f.r.t.ID
	if err := o.repo.UpsertFrame(ctx, frameFromDecision(id, d)); err != nil {
		return err
	}
	o.addDone(id)
	return o.repo.IncrementCounter(ctx, id, task.CounterFramesSampled, 1)
}

func (f *frameObserver) Discarded(ctx context.Context, d dedup.Decision) error {
	o, id := f.r.o, f.r.t.ID
	o.addDone(id)
	if err := o.blobs.Delete(ctx, d.Key); err != nil {
		f.r.logger.Warn("failed to delete discarded frame media", "key", d.Key, "error", err)
	}
	return o.repo.DeleteFrame(ctx, task.FrameID(id, d.Timestamp))
}

func (r *taskRun) analyzeFrame(ctx context.Context, f *task.Frame, prompts []task.PromptConfig) {
	data, err := r.getBytes(ctx, f.MediaKey)
	if err != nil {
		r.unitDone(ctx, "frame", task.FormatTS(f.Timestamp), task.External("blob store", err))
		return
	}

	index := task.FormatTS(f.Timestamp)
	outputs, err := r.invokePrompts(ctx, prompts, unitRef{
		kind:      "frame",
		index:     index,
		usageType: task.UsageImageUnderstanding,
	}, "image/png", data)
	f.Outputs = outputs
	if len(outputs) > 0 {
		if doc, jerr := json.Marshal(outputs); jerr == nil {
			if perr := r.putBytes(ctx, blob.FrameOutputKey(r.t.ID, f.Timestamp), doc); perr != nil {
				r.logger.Warn("failed to store frame outputs", "timestamp", f.Timestamp, "error", perr)
			}
		}
	}
	if uerr := r.o.repo.UpsertFrame(ctx, f); uerr != nil {
		r.logger.Warn("failed to record frame outputs", "timestamp", f.Timestamp, "error", uerr)
	}
	r.unitDone(ctx, "frame", index, err)
}

// groupFrameShots turns retained frames into frame_shot rows. A new shot
// starts where a frame's score falls below the shot threshold. With shot
// prompts configured, each shot is then summarized from its frames.
func (r *taskRun) groupFrameShots(ctx context.Context, kept []dedup.Decision, duration float64) error {
	o, t := r.o, r.t
	unit := t.Request.ExtractionSetting.Vision.Shot
	threshold := o.cfg.Similarity.ShotThreshold
	if t.Request.PreProcessSetting.SimilarityMethod == similarity.MethodFeature {
		threshold = o.cfg.Similarity.FeatureThreshold
	}
	if unit.SimilarityThreshold != nil {
		threshold = *unit.SimilarityThreshold
	}

	scores := make([]shots.FrameScore, len(kept))
	for i, d := range kept {
		scores[i] = shots.FrameScore{Timestamp: d.Timestamp, Score: d.Score}
	}
	segs := shots.GroupFrames(scores, threshold, duration)

	all := make([]*frameShot, len(segs))
	for i, seg := range segs {
		shot := shotFromSegment(t.ID, seg, task.AnalysisFrameShot)
		if err := o.repo.UpsertShot(ctx, shot); err != nil {
			return fmt.Errorf("record shot %d: %w", seg.Index, err)
		}
		r.storeShotDocument(ctx, shot)
		all[i] = &frameShot{shot: shot, keys: framesWithin(kept, seg.Start, seg.End)}
	}

	t.MetaData.ShotCount = len(segs)
	r.logger.Info("frames grouped into shots", "shots", len(segs), "threshold", threshold)
	if err := o.repo.UpdateTaskMetaData(ctx, t.ID, t.MetaData); err != nil {
		return err
	}

	if len(unit.PromptConfigs) == 0 {
		return nil
	}
	o.setPlanned(t.ID, len(all))
	fanOut(ctx, all, o.cfg.Pipeline.BatchSize, o.cfg.Pipeline.MaxParallelBatches, func(ctx context.Context, fs *frameShot) {
		r.summarizeFrameShot(ctx, fs, unit.PromptConfigs)
	})
	return ctx.Err()
}

// frameShot is a frame_shot row with the media keys of its frames.
type frameShot struct {
	shot *task.Shot
	keys []string
}

// framesWithin returns the media keys of frames in [start, end).
func framesWithin(kept []dedup.Decision, start, end float64) []string {
	var keys []string
	for _, d := range kept {
		if d.Timestamp >= start && d.Timestamp < end {
			keys = append(keys, d.Key)
		}
	}
	return keys
}

// summarizeFrameShot sends every frame of a shot to each prompt in a
// single call and records the outputs on the shot.
func (r *taskRun) summarizeFrameShot(ctx context.Context, fs *frameShot, prompts []task.PromptConfig) {
	shot := fs.shot
	index := strconv.Itoa(shot.Index)
	if len(fs.keys) == 0 {
		r.unitDone(ctx, "frame_shot", index, nil)
		return
	}
	media := make([][]byte, 0, len(fs.keys))
	for _, key := range fs.keys {
		data, err := r.getBytes(ctx, key)
		if err != nil {
			r.unitDone(ctx, "frame_shot", index, task.External("blob store", err))
			return
		}
		media = append(media, data)
	}

	outputs, err := r.invokePrompts(ctx, prompts, unitRef{
		kind:      "frame_shot",
		index:     index,
		usageType: task.UsageImageUnderstanding,
	}, "image/png", media...)
	if len(outputs) > 0 {
		shot.Outputs = outputs
		if uerr := r.o.repo.UpsertShot(ctx, shot); uerr != nil {
			r.logger.Warn("failed to record shot outputs", "index", shot.Index, "error", uerr)
		}
		r.storeShotDocument(ctx, shot)
	}
	r.unitDone(ctx, "frame_shot", index, err)
}

func (r *taskRun) storeShotDocument(ctx context.Context, shot *task.Shot) {
	doc, err := json.Marshal(shot)
	if err != nil {
		return
	}
	if err := r.putBytes(ctx, blob.ShotOutputKey(r.t.ID, shot.Index), doc); err != nil {
		r.logger.Warn("failed to store shot document", "index", shot.Index, "error", err)
	}
}
