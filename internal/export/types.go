package export

// Request selects which shots of a task go into an EDL. An empty
// ShotIndices exports every shot of AnalysisType.
type Request struct {
	ProjectName  string  `json:"project_name"`
	FrameRate    float64 `json:"frame_rate"`
	AnalysisType string  `json:"analysis_type,omitempty"`
	ShotIndices  []int   `json:"shot_indices,omitempty"`
	OutputDir    string  `json:"output_dir,omitempty"`
}

// Clip is one EDL event cut from the task's source video.
type Clip struct {
	Name      string
	MediaPath string
	StartMs   int
	EndMs     int
	ShotIndex int
}

type Response struct {
	Status       string `json:"status"`
	Format       string `json:"format"`
	Key          string `json:"key"`
	OutputPath   string `json:"output_path,omitempty"`
	ClipCount    int    `json:"clip_count"`
	MissingShots []int  `json:"missing_shots,omitempty"`
	EDL          string `json:"edl"`
}
