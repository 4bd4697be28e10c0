// Package pipelines runs the external Python media pipelines (doctor, scenes,
// speech) as subprocesses and reads their JSON output files.
package pipelines

import (
	"sort"
	"time"
)

// Capabilities is the doctor report. HasSpeech, HasScenes and ProbedAt are
// derived locally after decoding.
type Capabilities struct {
	Version      string             `json:"package_version"`
	Dependencies map[string]DepInfo `json:"dependencies"`
	Executables  map[string]DepInfo `json:"executables"`
	Summary      SummaryInfo        `json:"summary"`
	Pipelines    struct {
		Speech bool `json:"speech"`
		Scenes bool `json:"scenes"`
	} `json:"pipelines"`

	HasSpeech bool      `json:"-"`
	HasScenes bool      `json:"-"`
	ProbedAt  time.Time `json:"-"`
}

// requirements lists what each pipeline needs besides ffmpeg.
var requirements = map[string]string{
	PipelineScenes: "scenedetect",
	PipelineSpeech: "whisper",
}

// Missing names the executables and modules a pipeline needs that the
// doctor reported unavailable, sorted.
func (c *Capabilities) Missing(pipeline string) []string {
	var missing []string
	if !isAvailable(c.Executables, "ffmpeg") {
		missing = append(missing, "ffmpeg")
	}
	if dep, ok := requirements[pipeline]; ok && !isAvailable(c.Dependencies, dep) {
		missing = append(missing, dep)
	}
	sort.Strings(missing)
	return missing
}

type DepInfo struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

type SummaryInfo struct {
	Available int  `json:"available"`
	Total     int  `json:"total"`
	AllOK     bool `json:"all_ok"`
}

// RunResult describes one finished subprocess. ExitCode is -1 when the
// process could not be started.
type RunResult struct {
	ExitCode   int
	OutputPath string
	StderrTail string
	Duration   time.Duration
}

func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

// PipelineOutput carries the version stamps every output file must have.
type PipelineOutput struct {
	SchemaVersion   string `json:"schema_version"`
	PipelineVersion string `json:"pipeline_version"`
	ModelVersion    string `json:"model_version"`
}

type SceneOutputPayload struct {
	PipelineOutput
	TotalDurationMs int             `json:"total_duration_ms"`
	Scenes          []SceneBoundary `json:"scenes"`
}

// SceneBoundary is one detected scene in milliseconds.
type SceneBoundary struct {
	Index               int `json:"index"`
	StartMs             int `json:"start_ms"`
	EndMs               int `json:"end_ms"`
	KeyframeTimestampMs int `json:"keyframe_timestamp_ms"`
}

type SpeechOutputPayload struct {
	PipelineOutput
	Language string          `json:"language"`
	Segments []SpeechSegment `json:"segments"`
}

type SpeechSegment struct {
	StartMs int    `json:"start_ms"`
	EndMs   int    `json:"end_ms"`
	Text    string `json:"text"`
}
