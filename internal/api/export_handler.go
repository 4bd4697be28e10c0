package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-extraction/internal/blob"
	"github.com/heimdex/heimdex-extraction/internal/export"
	"github.com/heimdex/heimdex-extraction/internal/task"
)

// exportEDLHandler renders a task's shots as an EDL against its source video.
// The EDL is always stored under the task's export prefix and, when
// output_dir is given, also written there.
func exportEDLHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req export.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		if req.OutputDir != "" {
			if err := export.ValidateOutputDir(req.OutputDir); err != nil {
				WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
				return
			}
		}

		t, err := cfg.Tasks.GetTask(ctx, chi.URLParam(r, "id"))
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}

		analysisType := req.AnalysisType
		if analysisType == "" {
			analysisType = task.AnalysisShot
			if t.Type == task.TypeFrame {
				analysisType = task.AnalysisFrameShot
			}
		}
		shots, err := cfg.Tasks.ListShots(ctx, t.ID, analysisType)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}

		projectName := export.SanitizeName(req.ProjectName, 120)
		if projectName == "" {
			projectName = export.SanitizeName(t.ID, 120)
		}

		frameRate := req.FrameRate
		if frameRate <= 0 && t.MetaData.VideoMetaData != nil {
			frameRate = t.MetaData.VideoMetaData.Fps
		}
		if frameRate <= 0 {
			frameRate = 30.0
		}

		clips, missing := export.FromShots(shots, t.Request.Video.Location, projectName, req.ShotIndices)
		if len(clips) == 0 {
			WriteError(w, http.StatusUnprocessableEntity, "no shots to export", "NO_SHOTS")
			return
		}

		edl := export.GenerateEDL(clips, projectName, frameRate)
		key := blob.ExportKey(t.ID, projectName+".edl")
		if err := cfg.Blobs.PutBytes(ctx, key, []byte(edl)); err != nil {
			cfg.Logger.Error("failed to store export", "task_id", t.ID, "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to store export", "INTERNAL_ERROR")
			return
		}

		resp := export.Response{
			Status:       "ok",
			Format:       "edl",
			Key:          key,
			ClipCount:    len(clips),
			MissingShots: missing,
			EDL:          edl,
		}
		if req.OutputDir != "" {
			outputPath := filepath.Join(req.OutputDir, projectName+".edl")
			if err := os.WriteFile(outputPath, []byte(edl), 0o644); err != nil {
				WriteError(w, http.StatusInternalServerError, "failed to write export file", "INTERNAL_ERROR")
				return
			}
			resp.OutputPath = outputPath
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}
