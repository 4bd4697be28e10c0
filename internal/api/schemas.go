package api

import (
	"time"

	"github.com/heimdex/heimdex-extraction/internal/pipeline"
	"github.com/heimdex/heimdex-extraction/internal/pipelines"
	"github.com/heimdex/heimdex-extraction/internal/task"
	"github.com/heimdex/heimdex-extraction/internal/vector"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State       string                  `json:"state"`
	LastError   string                  `json:"last_error,omitempty"`
	ActiveTasks map[string]string       `json:"active_tasks"`
	Progress    []pipeline.Status       `json:"progress,omitempty"`
	Pipelines   *PipelineStatusResponse `json:"pipelines,omitempty"`
}

type PipelineStatusResponse struct {
	HasSpeech   bool   `json:"has_speech"`
	HasScenes   bool   `json:"has_scenes"`
	LastProbeAt string `json:"last_probe_at,omitempty"`
	DepsAvail   int    `json:"deps_available"`
	DepsTotal   int    `json:"deps_total"`
}

type StartTaskResponse struct {
	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

type TaskResponse struct {
	*task.Task
	Progress *pipeline.Status `json:"Progress,omitempty"`
}

type TasksResponse struct {
	Tasks []*task.Task `json:"tasks"`
}

type ExecutionsResponse struct {
	Executions []*task.Execution `json:"executions"`
}

type FramesResponse struct {
	Frames     []*task.Frame `json:"frames"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type ShotsResponse struct {
	Shots []*task.Shot `json:"shots"`
}

type TranscriptsResponse struct {
	Transcripts []*task.TranscriptSegment `json:"transcripts"`
}

type UsageResponse struct {
	Records []*task.UsageRecord `json:"records"`
	Totals  task.UsageSummary   `json:"totals"`
}

type SearchRequest struct {
	TaskID   string  `json:"task_id"`
	Text     string  `json:"text"`
	TopK     int     `json:"top_k,omitempty"`
	MinScore float64 `json:"min_score,omitempty"`
}

type SearchResponse struct {
	Matches []vector.Match `json:"matches"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func capsToResponse(caps *pipelines.Capabilities) *PipelineStatusResponse {
	resp := &PipelineStatusResponse{
		HasSpeech: caps.HasSpeech,
		HasScenes: caps.HasScenes,
		DepsAvail: caps.Summary.Available,
		DepsTotal: caps.Summary.Total,
	}
	if !caps.ProbedAt.IsZero() {
		resp.LastProbeAt = caps.ProbedAt.Format(time.RFC3339)
	}
	return resp
}
