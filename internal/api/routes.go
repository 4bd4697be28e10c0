package api

import (
	"encoding/json"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-extraction/internal/logging"
	"github.com/heimdex/heimdex-extraction/internal/task"
	"github.com/heimdex/heimdex-extraction/internal/vector"
)

const (
	defaultFramePage = 100
	maxFramePage     = 1000
	maxSearchTopK    = 100
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	cfg.Logger = logging.WithComponent(logging.OrDiscard(cfg.Logger), "api")
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))

		r.Post("/tasks", startTaskHandler(cfg))
		r.Get("/tasks", listTasksHandler(cfg))
		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Get("/", getTaskHandler(cfg))
			r.Delete("/", deleteTaskHandler(cfg))
			r.Get("/frames", listFramesHandler(cfg))
			r.Get("/shots", listShotsHandler(cfg))
			r.Get("/transcripts", listTranscriptsHandler(cfg))
			r.Get("/usage", usageHandler(cfg))
			r.Post("/export/edl", exportEDLHandler(cfg))
		})

		r.Get("/executions", listExecutionsHandler(cfg))
		r.Post("/search", searchHandler(cfg))
	})

	// Media players cannot attach a bearer token, so media is gated on the
	// caller being local instead.
	r.Group(func(r chi.Router) {
		r.Use(LoopbackGuard())
		r.Get("/media", mediaHandler(cfg))
		r.Head("/media", mediaHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		resp := StatusResponse{State: "idle", ActiveTasks: map[string]string{}}

		if cfg.Runner != nil {
			resp.ActiveTasks = cfg.Runner.ActiveTasks()
			switch {
			case cfg.Runner.IsPaused():
				resp.State = "paused"
			case len(resp.ActiveTasks) > 0:
				resp.State = "processing"
			}
		}
		if cfg.Progress != nil {
			resp.Progress = cfg.Progress.Active()
		}

		if cfg.Tasks != nil {
			failed, err := cfg.Tasks.ListTasks(ctx, task.TaskFilter{Status: task.StatusFailed, Limit: 1})
			if err == nil && len(failed) > 0 {
				resp.LastError = failed[0].Error
				if resp.State == "idle" {
					resp.State = "error"
				}
			}
		}

		if cfg.Doctor != nil {
			if caps := cfg.Doctor.Peek(); caps != nil {
				resp.Pipelines = capsToResponse(caps)
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func startTaskHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := task.DecodeRequest(r.Body)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}

		t, exec, err := cfg.Tasks.Start(r.Context(), req)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		if cfg.Runner != nil {
			cfg.Runner.Wake()
		}

		WriteJSON(w, http.StatusAccepted, StartTaskResponse{
			TaskID:      t.ID,
			ExecutionID: exec.ID,
			Status:      t.Status,
		})
	}
}

func listTasksHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, err := intParam(q.Get("limit"), 50)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "limit must be an integer", "BAD_REQUEST")
			return
		}
		offset, err := intParam(q.Get("offset"), 0)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "offset must be an integer", "BAD_REQUEST")
			return
		}

		tasks, err := cfg.Tasks.ListTasks(r.Context(), task.TaskFilter{
			Type:   q.Get("type"),
			Status: q.Get("status"),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		if tasks == nil {
			tasks = []*task.Task{}
		}
		WriteJSON(w, http.StatusOK, TasksResponse{Tasks: tasks})
	}
}

func getTaskHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := cfg.Tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}

		resp := TaskResponse{Task: t}
		if cfg.Progress != nil {
			if st, err := cfg.Progress.GetStatus(t.ID); err == nil {
				resp.Progress = &st
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func deleteTaskHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := cfg.Deleter.Delete(r.Context(), id); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// listFramesHandler pages frames by timestamp. The cursor is the timestamp
// of the last frame of the previous page.
func listFramesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, err := intParam(q.Get("limit"), defaultFramePage)
		if err != nil || limit <= 0 {
			WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "BAD_REQUEST")
			return
		}
		limit = min(limit, maxFramePage)

		page := task.Page{After: -1, Limit: limit}
		if c := q.Get("cursor"); c != "" {
			after, err := strconv.ParseFloat(c, 64)
			if err != nil || after < 0 {
				WriteError(w, http.StatusBadRequest, "invalid cursor", "BAD_REQUEST")
				return
			}
			page.After = after
		}

		frames, err := cfg.Tasks.ListFrames(r.Context(), chi.URLParam(r, "id"), page)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}

		resp := FramesResponse{Frames: frames}
		if resp.Frames == nil {
			resp.Frames = []*task.Frame{}
		}
		if len(frames) == limit {
			resp.NextCursor = task.FormatTS(frames[len(frames)-1].Timestamp)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func listShotsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		shots, err := cfg.Tasks.ListShots(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("analysis_type"))
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		if shots == nil {
			shots = []*task.Shot{}
		}
		WriteJSON(w, http.StatusOK, ShotsResponse{Shots: shots})
	}
}

func listTranscriptsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		segs, err := cfg.Tasks.ListTranscripts(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		if segs == nil {
			segs = []*task.TranscriptSegment{}
		}
		WriteJSON(w, http.StatusOK, TranscriptsResponse{Transcripts: segs})
	}
}

func usageHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, totals, err := cfg.Tasks.Usage(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		if records == nil {
			records = []*task.UsageRecord{}
		}
		WriteJSON(w, http.StatusOK, UsageResponse{Records: records, Totals: totals})
	}
}

func listExecutionsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, err := intParam(q.Get("limit"), 100)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "limit must be an integer", "BAD_REQUEST")
			return
		}

		execs, err := cfg.Tasks.ListExecutions(r.Context(), task.ExecutionFilter{
			Type:   q.Get("type"),
			Status: strings.ToUpper(q.Get("status")),
			TaskID: q.Get("task_id"),
			Limit:  limit,
		})
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		if execs == nil {
			execs = []*task.Execution{}
		}
		WriteJSON(w, http.StatusOK, ExecutionsResponse{Executions: execs})
	}
}

func searchHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Embedder == nil || cfg.Vectors == nil {
			WriteError(w, http.StatusServiceUnavailable, "search is not configured", "UNAVAILABLE")
			return
		}

		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		req.Text = strings.TrimSpace(req.Text)
		if req.Text == "" {
			WriteError(w, http.StatusBadRequest, "text is required", "BAD_REQUEST")
			return
		}
		if req.TaskID == "" {
			WriteError(w, http.StatusBadRequest, "task_id is required", "BAD_REQUEST")
			return
		}
		if _, err := cfg.Tasks.GetTask(r.Context(), req.TaskID); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}

		vec, err := cfg.Embedder.EmbedText(r.Context(), req.Text)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}

		matches, err := cfg.Vectors.Query(r.Context(), vector.Query{
			Vector:   vec,
			TaskID:   req.TaskID,
			TopK:     min(req.TopK, maxSearchTopK),
			MinScore: req.MinScore,
		})
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		if matches == nil {
			matches = []vector.Match{}
		}
		WriteJSON(w, http.StatusOK, SearchResponse{Matches: matches})
	}
}

func mediaHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := path.Clean(r.URL.Query().Get("key"))
		if !strings.HasPrefix(key, "tasks/") {
			WriteError(w, http.StatusBadRequest, "key must name a task blob", "BAD_REQUEST")
			return
		}

		if err := cfg.Playback.ServeBlob(w, r, key); err != nil {
			cfg.Logger.Error("playback error", "error", err, "key", key)
		}
	}
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
