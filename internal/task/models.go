package task

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	TypeFrame = "frame"
	TypeClip  = "clip"

	StatusQueued              = "queued"
	StatusProcessing          = "processing"
	StatusExtractionCompleted = "extraction_completed"
	StatusCompleted           = "completed"
	StatusFailed              = "failed"

	ExecutionRunning   = "RUNNING"
	ExecutionSucceeded = "SUCCEEDED"
	ExecutionFailed    = "FAILED"

	SimilarityEmbedding = "embedding"
	SimilarityFeature   = "feature"

	SampleModeEven = "even"

	AnalysisShot      = "shot"
	AnalysisFrameShot = "frame_shot"

	UsageImageUnderstanding = "image_understanding"
	UsageVideoUnderstanding = "video_understanding"
	UsageVideoEmbedding     = "video_embedding"
	UsageImageEmbedding     = "image_embedding"
)

// Request is the immutable start request stored with the task.
type Request struct {
	TaskId            string            `json:"TaskId"`
	TaskType          string            `json:"TaskType"`
	Name              string            `json:"Name,omitempty"`
	Video             Video             `json:"Video"`
	RequestBy         string            `json:"RequestBy,omitempty"`
	PreProcessSetting PreProcessSetting `json:"PreProcessSetting"`
	ExtractionSetting ExtractionSetting `json:"ExtractionSetting"`
}

// Video.Location is either an absolute local path or a blob key.
type Video struct {
	Location string `json:"Location"`
}

type PreProcessSetting struct {
	SampleMode          string   `json:"SampleMode,omitempty"`
	SampleIntervalS     float64  `json:"SampleIntervalS,omitempty"`
	SmartSample         bool     `json:"SmartSample,omitempty"`
	SimilarityMethod    string   `json:"SimilarityMethod,omitempty"`
	SimilarityThreshold *float64 `json:"SimilarityThreshold,omitempty"`
	StartSec            float64  `json:"StartSec,omitempty"`
	LengthSec           float64  `json:"LengthSec,omitempty"`
	UseFixedLengthSec   float64  `json:"UseFixedLengthSec,omitempty"`
	MinClipSec          float64  `json:"MinClipSec,omitempty"`
}

type ExtractionSetting struct {
	Vision        VisionSetting        `json:"Vision"`
	Embedding     EmbeddingSetting     `json:"Embedding"`
	Transcription TranscriptionSetting `json:"Transcription"`
}

type VisionSetting struct {
	Frame UnitSetting `json:"Frame"`
	Shot  UnitSetting `json:"Shot"`
}

// UnitSetting.SimilarityThreshold only applies to Shot on frame tasks,
// where it overrides the configured shot grouping threshold.
type UnitSetting struct {
	Enabled             bool           `json:"Enabled"`
	PromptConfigs       []PromptConfig `json:"PromptConfigs,omitempty"`
	SimilarityThreshold *float64       `json:"SimilarityThreshold,omitempty"`
}

type PromptConfig struct {
	Name        string          `json:"name"`
	ModelID     string          `json:"modelId"`
	Prompt      string          `json:"prompt"`
	InferConfig *InferConfig    `json:"inferConfig,omitempty"`
	ToolConfig  json.RawMessage `json:"toolConfig,omitempty"`
}

type InferConfig struct {
	MaxTokens   int      `json:"maxTokens"`
	TopP        *float64 `json:"topP,omitempty"`
	Temperature float64  `json:"temperature"`
}

type EmbeddingSetting struct {
	Enabled bool   `json:"Enabled"`
	ModelId string `json:"ModelId,omitempty"`
}

type TranscriptionSetting struct {
	Enabled *bool `json:"Enabled,omitempty"`
}

// On reports whether transcription was requested. Unset means yes.
func (t TranscriptionSetting) On() bool {
	return t.Enabled == nil || *t.Enabled
}

type Task struct {
	ID                   string     `json:"TaskId"`
	Type                 string     `json:"TaskType"`
	Name                 string     `json:"Name,omitempty"`
	RequestBy            string     `json:"RequestBy,omitempty"`
	Request              Request    `json:"Request"`
	Status               string     `json:"Status"`
	MetaData             MetaData   `json:"MetaData"`
	Counters             Counters   `json:"Counters"`
	Error                string     `json:"Error,omitempty"`
	RequestTs            time.Time  `json:"RequestTs"`
	ExtractionCompleteTs *time.Time `json:"ExtractionCompleteTs,omitempty"`
	CompleteTs           *time.Time `json:"CompleteTs,omitempty"`
	UpdatedAt            time.Time  `json:"UpdatedAt"`
}

// IsTerminal reports whether no further pipeline stage will run.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

type MetaData struct {
	VideoMetaData *VideoMetaData     `json:"VideoMetaData,omitempty"`
	FramePrefix   string             `json:"FramePrefix,omitempty"`
	ThumbnailKey  string             `json:"ThumbnailKey,omitempty"`
	ShotCount     int                `json:"ShotCount,omitempty"`
	Audio         AudioMetaData      `json:"Audio"`
	Transcription *TranscriptionMeta `json:"Transcription,omitempty"`
}

type VideoMetaData struct {
	Duration   float64 `json:"Duration"`
	Fps        float64 `json:"Fps"`
	Width      int     `json:"Width"`
	Height     int     `json:"Height"`
	Resolution string  `json:"Resolution"`
	Size       int64   `json:"Size"`
	Format     string  `json:"Format,omitempty"`
}

type AudioMetaData struct {
	HasAudio     bool   `json:"HasAudio"`
	LanguageCode string `json:"LanguageCode,omitempty"`
}

type TranscriptionMeta struct {
	JobName     string `json:"JobName"`
	Backend     string `json:"Backend"`
	Status      string `json:"Status"`
	OutputKey   string `json:"OutputKey"`
	SubtitleKey string `json:"SubtitleKey"`
	Error       string `json:"Error,omitempty"`
}

// Counters are kept in their own columns so each unit can bump them with a
// single UPDATE.
type Counters struct {
	FramesPlanned int `json:"TotalFramesPlanned"`
	FramesSampled int `json:"TotalFramesSampled"`
	UnitsAnalyzed int `json:"TotalUnitsAnalyzed"`
	UnitsFailed   int `json:"TotalUnitsFailed"`
}

type Counter string

const (
	CounterFramesSampled Counter = "frames_sampled"
	CounterUnitsAnalyzed Counter = "units_analyzed"
	CounterUnitsFailed   Counter = "units_failed"
)

type Execution struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

type Output struct {
	Name    string `json:"name"`
	ModelID string `json:"model_id"`
	Value   string `json:"value"`
}

type Frame struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"task_id"`
	Timestamp       float64   `json:"timestamp"`
	MediaKey        string    `json:"s3_key"`
	SimilarityScore *float64  `json:"similarity_score,omitempty"`
	PrevTimestamp   *float64  `json:"prev_timestamp,omitempty"`
	Outputs         []Output  `json:"frame_outputs,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Shot struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	Index        int       `json:"index"`
	AnalysisType string    `json:"analysis_type"`
	StartTime    float64   `json:"start_time"`
	EndTime      float64   `json:"end_time"`
	Duration     float64   `json:"duration"`
	ClipKey      string    `json:"clip_key,omitempty"`
	VectorKey    string    `json:"vector_key,omitempty"`
	Outputs      []Output  `json:"outputs,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type TranscriptSegment struct {
	ID            string  `json:"id"`
	TaskID        string  `json:"task_id"`
	StartTs       float64 `json:"start_ts"`
	EndTs         float64 `json:"end_ts"`
	Transcription string  `json:"transcription"`
}

type UsageRecord struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	Type         string    `json:"type"`
	Name         string    `json:"name,omitempty"`
	ModelID      string    `json:"model_id,omitempty"`
	Index        string    `json:"index"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	DurationS    float64   `json:"duration_s,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type UsageSummary struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	DurationS    float64 `json:"duration_s"`
}

// Summarize totals a task's usage records.
func Summarize(records []*UsageRecord) UsageSummary {
	var s UsageSummary
	for _, r := range records {
		s.InputTokens += r.InputTokens
		s.OutputTokens += r.OutputTokens
		s.TotalTokens += r.TotalTokens
		s.DurationS += r.DurationS
	}
	return s
}

func NewID() string {
	return uuid.NewString()
}

// FormatTS renders a timestamp with the shortest exact decimal form, so 10.0 is "10".
func FormatTS(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}

func FrameID(taskID string, ts float64) string {
	return fmt.Sprintf("%s_%s", taskID, FormatTS(ts))
}

func ShotID(taskID string, index int) string {
	return fmt.Sprintf("%s_shot_%d", taskID, index)
}

func TranscriptID(taskID string, start, end float64) string {
	return fmt.Sprintf("%s_%s_%s", taskID, FormatTS(start), FormatTS(end))
}
