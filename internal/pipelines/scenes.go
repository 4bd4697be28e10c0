package pipelines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-extraction/internal/shots"
)

// ErrUnavailable means the installed pipelines cannot run the requested command.
var ErrUnavailable = errors.New("pipeline unavailable")

// ReadScenes loads and validates a scenes output file.
func ReadScenes(r Runner, path string) (*SceneOutputPayload, error) {
	if _, err := r.ValidateOutput(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read scenes output: %w", err)
	}
	var out SceneOutputPayload
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cannot parse scenes JSON: %w", err)
	}
	return &out, nil
}

// ReadSpeech loads and validates a speech output file.
func ReadSpeech(r Runner, path string) (*SpeechOutputPayload, error) {
	if _, err := r.ValidateOutput(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read speech output: %w", err)
	}
	var out SpeechOutputPayload
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cannot parse speech JSON: %w", err)
	}
	return &out, nil
}

// SceneDetector runs the scenes pipeline and converts its millisecond
// boundaries into shot boundaries in seconds.
type SceneDetector struct {
	runner    Runner
	doctor    *CachedDoctor
	threshold float64
}

func NewSceneDetector(runner Runner, doctor *CachedDoctor, threshold float64) *SceneDetector {
	return &SceneDetector{runner: runner, doctor: doctor, threshold: threshold}
}

func (d *SceneDetector) DetectScenes(ctx context.Context, videoPath string) ([]shots.Boundary, error) {
	if d.doctor != nil {
		if err := d.doctor.Require(ctx, PipelineScenes); err != nil {
			return nil, err
		}
	}

	outPath := filepath.Join(d.runner.ArtifactsDir(), "scenes", uuid.NewString()+".json")
	defer os.Remove(outPath)

	result, err := d.runner.RunScenes(ctx, videoPath, d.threshold, outPath)
	if err != nil {
		return nil, fmt.Errorf("scenes pipeline error: %w", err)
	}
	if !result.IsSuccess() {
		return nil, fmt.Errorf("scenes pipeline exited %d: %s", result.ExitCode, tailString(result.StderrTail, 512))
	}

	out, err := ReadScenes(d.runner, outPath)
	if err != nil {
		return nil, err
	}
	return SceneBoundaries(out.Scenes), nil
}

// SceneBoundaries converts pipeline scenes to seconds, ordered by start.
func SceneBoundaries(scenes []SceneBoundary) []shots.Boundary {
	sorted := append([]SceneBoundary(nil), scenes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartMs < sorted[j].StartMs })

	out := make([]shots.Boundary, 0, len(sorted))
	for _, s := range sorted {
		if s.EndMs <= s.StartMs {
			continue
		}
		out = append(out, shots.Boundary{
			Start: float64(s.StartMs) / 1000,
			End:   float64(s.EndMs) / 1000,
		})
	}
	return out
}
