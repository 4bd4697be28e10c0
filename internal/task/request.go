package task

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"regexp"
	"strings"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidID reports whether id is safe to use in blob keys and file paths.
func ValidID(id string) bool {
	return idPattern.MatchString(id) && !strings.Contains(id, "..")
}

// DecodeRequest parses a start request and normalizes defaults. It does not validate.
func DecodeRequest(r io.Reader) (Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return req, InvalidRequest("malformed request body: %v", err)
	}
	req.Normalize()
	return req, nil
}

// Normalize fills defaults the same way for every entry point.
func (r *Request) Normalize() {
	r.TaskId = strings.TrimSpace(r.TaskId)
	if r.TaskType == "" {
		r.TaskType = TypeFrame
	}
	p := &r.PreProcessSetting
	if p.SampleMode == "" && p.SampleIntervalS > 0 {
		p.SampleMode = SampleModeEven
	}
	if p.SmartSample && p.SimilarityMethod == "" {
		p.SimilarityMethod = SimilarityFeature
	}
}

// Validate rejects requests before any side effect happens.
func (r Request) Validate() error {
	if r.TaskId == "" {
		return InvalidRequest("TaskId is required")
	}
	if !ValidID(r.TaskId) {
		return InvalidRequest("TaskId may only contain letters, digits, '-', '_' and '.'")
	}
	if strings.TrimSpace(r.Video.Location) == "" {
		return InvalidRequest("Video.Location is required")
	}
	if r.TaskType != TypeFrame && r.TaskType != TypeClip {
		return InvalidRequest("TaskType must be %q or %q", TypeFrame, TypeClip)
	}

	p := r.PreProcessSetting
	if r.TaskType == TypeFrame {
		if p.SampleIntervalS <= 0 || math.IsNaN(p.SampleIntervalS) {
			return InvalidRequest("SampleIntervalS must be positive for frame tasks")
		}
		if p.SampleMode != SampleModeEven {
			return InvalidRequest("unsupported SampleMode %q", p.SampleMode)
		}
	} else if p.SampleIntervalS < 0 {
		return InvalidRequest("SampleIntervalS must not be negative")
	}

	if p.SmartSample {
		switch p.SimilarityMethod {
		case SimilarityEmbedding, SimilarityFeature:
		default:
			return InvalidRequest("unsupported SimilarityMethod %q", p.SimilarityMethod)
		}
	}
	if p.SimilarityThreshold != nil && (*p.SimilarityThreshold < 0 || *p.SimilarityThreshold > 1) {
		return InvalidRequest("SimilarityThreshold must be within [0, 1]")
	}

	for name, v := range map[string]float64{
		"StartSec":          p.StartSec,
		"LengthSec":         p.LengthSec,
		"UseFixedLengthSec": p.UseFixedLengthSec,
		"MinClipSec":        p.MinClipSec,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return InvalidRequest("%s must be a non-negative number", name)
		}
	}

	if v := r.ExtractionSetting.Vision.Shot.SimilarityThreshold; v != nil && (*v < 0 || *v > 1) {
		return InvalidRequest("Shot.SimilarityThreshold must be within [0, 1]")
	}

	for _, unit := range []UnitSetting{r.ExtractionSetting.Vision.Frame, r.ExtractionSetting.Vision.Shot} {
		if err := validatePrompts(unit); err != nil {
			return err
		}
	}
	return nil
}

func validatePrompts(u UnitSetting) error {
	if !u.Enabled {
		return nil
	}
	seen := make(map[string]bool, len(u.PromptConfigs))
	for i, pc := range u.PromptConfigs {
		if pc.Name == "" || pc.ModelID == "" {
			return InvalidRequest("PromptConfigs[%d] requires name and modelId", i)
		}
		if seen[pc.Name] {
			return InvalidRequest("duplicate prompt name %q", pc.Name)
		}
		seen[pc.Name] = true
	}
	return nil
}

// Threshold resolves the dedup threshold: explicit request value, else the
// backend default supplied by configuration.
func (p PreProcessSetting) Threshold(defaultFor func(method string) float64) float64 {
	if p.SimilarityThreshold != nil {
		return *p.SimilarityThreshold
	}
	return defaultFor(p.SimilarityMethod)
}

func (r Request) String() string {
	return fmt.Sprintf("task=%s type=%s video=%s", r.TaskId, r.TaskType, r.Video.Location)
}
