package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/heimdex/heimdex-extraction/internal/blob"
	exportpkg "github.com/heimdex/heimdex-extraction/internal/export"
	"github.com/heimdex/heimdex-extraction/internal/task"
)

// seedShots creates a clip task with shots [0,5) [5,9.6) [9.6,12).
func seedShots(t *testing.T, env *apiEnv, id string) {
	t.Helper()
	ctx := context.Background()
	env.seedTask(t, clipRequest(id))
	env.repo.UpdateTaskMetaData(ctx, id, task.MetaData{VideoMetaData: &task.VideoMetaData{Duration: 12, Fps: 25}})
	for i, b := range [][2]float64{{0, 5}, {5, 9.6}, {9.6, 12}} {
		if err := env.repo.UpsertShot(ctx, &task.Shot{
			ID: task.ShotID(id, i), TaskID: id, Index: i, AnalysisType: task.AnalysisShot,
			StartTime: b[0], EndTime: b[1], Duration: b[1] - b[0],
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func decodeExport(t *testing.T, body []byte) exportpkg.Response {
	t.Helper()
	var resp exportpkg.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestExportEDL_HappyPath(t *testing.T) {
	env := setupAPI(t)
	seedShots(t, env, "x1")
	outDir := t.TempDir()

	rr := env.do(t, http.MethodPost, "/tasks/x1/export/edl", exportpkg.Request{
		ProjectName: "Project One",
		OutputDir:   outDir,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	resp := decodeExport(t, rr.Body.Bytes())
	if resp.ClipCount != 3 || len(resp.MissingShots) != 0 {
		t.Errorf("ClipCount = %d, MissingShots = %v", resp.ClipCount, resp.MissingShots)
	}
	if resp.Key != blob.ExportKey("x1", "Project One.edl") {
		t.Errorf("Key = %q", resp.Key)
	}
	if resp.OutputPath != filepath.Join(outDir, "Project One.edl") {
		t.Errorf("OutputPath = %q", resp.OutputPath)
	}

	written, err := os.ReadFile(resp.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	stored, err := env.blobs.Get(context.Background(), resp.Key)
	if err != nil {
		t.Fatalf("stored export: %v", err)
	}
	if string(written) != resp.EDL || string(stored) != resp.EDL {
		t.Error("written, stored and returned EDL differ")
	}

	// Frame rate comes from the probed video: 9.6s at 25fps is 00:00:09:15.
	if !strings.Contains(resp.EDL, "00:00:09:15") {
		t.Errorf("EDL does not use the video frame rate:\n%s", resp.EDL)
	}
	if !strings.Contains(resp.EDL, "/media/x1.mp4") {
		t.Errorf("EDL does not reference the source video:\n%s", resp.EDL)
	}
}

func TestExportEDL_SelectedShots(t *testing.T) {
	env := setupAPI(t)
	seedShots(t, env, "x2")

	rr := env.do(t, http.MethodPost, "/tasks/x2/export/edl", exportpkg.Request{ShotIndices: []int{2, 7, 0}})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	resp := decodeExport(t, rr.Body.Bytes())
	if resp.ClipCount != 2 || len(resp.MissingShots) != 1 || resp.MissingShots[0] != 7 {
		t.Errorf("ClipCount = %d, MissingShots = %v", resp.ClipCount, resp.MissingShots)
	}
	if resp.OutputPath != "" {
		t.Errorf("OutputPath = %q, want none without output_dir", resp.OutputPath)
	}
	if resp.Key != blob.ExportKey("x2", "x2.edl") {
		t.Errorf("Key = %q, want project named after the task", resp.Key)
	}
}

func TestExportEDL_Errors(t *testing.T) {
	env := setupAPI(t)
	seedShots(t, env, "x3")
	env.seedTask(t, frameRequest("x4"))

	tests := []struct {
		name       string
		path       string
		req        exportpkg.Request
		wantStatus int
		wantCode   string
	}{
		{"unknown task", "/tasks/nope/export/edl", exportpkg.Request{}, http.StatusNotFound, "NOT_FOUND"},
		{"traversal", "/tasks/x3/export/edl", exportpkg.Request{OutputDir: "/tmp/../etc"}, http.StatusBadRequest, "BAD_REQUEST"},
		{"missing dir", "/tasks/x3/export/edl", exportpkg.Request{OutputDir: "/definitely/not/here"}, http.StatusBadRequest, "BAD_REQUEST"},
		{"no shots", "/tasks/x4/export/edl", exportpkg.Request{}, http.StatusUnprocessableEntity, "NO_SHOTS"},
		{"only unknown shots", "/tasks/x3/export/edl", exportpkg.Request{ShotIndices: []int{9}}, http.StatusUnprocessableEntity, "NO_SHOTS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, tt.path, tt.req)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if code := decodeJSONBody(t, rr)["code"]; code != tt.wantCode {
				t.Errorf("code = %v, want %s", code, tt.wantCode)
			}
		})
	}
}
