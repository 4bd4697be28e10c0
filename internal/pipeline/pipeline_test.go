package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/heimdex/heimdex-extraction/internal/blob"
	"github.com/heimdex/heimdex-extraction/internal/cloud"
	"github.com/heimdex/heimdex-extraction/internal/config"
	"github.com/heimdex/heimdex-extraction/internal/db"
	"github.com/heimdex/heimdex-extraction/internal/shots"
	"github.com/heimdex/heimdex-extraction/internal/similarity"
	"github.com/heimdex/heimdex-extraction/internal/task"
	"github.com/heimdex/heimdex-extraction/internal/transcribe"
	"github.com/heimdex/heimdex-extraction/internal/vector"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

type testEnv struct {
	repo    *task.SQLiteRepository
	svc     *task.Service
	blobs   *blob.Store
	vectors *vector.Index
	cfg     *config.Config
	ffmpeg  *fakeFFmpeg
	infer   *fakeInference
	embed   *fakeEmbedder
	backend *scriptedBackend
	trans   *fakeTranscriber
	video   string
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tmpDir := t.TempDir()
	database, err := db.New(filepath.Join(tmpDir, "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	video := filepath.Join(tmpDir, "input.mp4")
	if err := os.WriteFile(video, []byte("not really a video"), 0644); err != nil {
		t.Fatal(err)
	}

	repo := task.NewRepository(database.Conn())
	return &testEnv{
		repo:    repo,
		svc:     task.NewService(repo, nil),
		blobs:   blob.NewStore(afero.NewMemMapFs()),
		vectors: vector.NewIndex(database.Conn()),
		cfg: &config.Config{
			DataDir: filepath.Join(tmpDir, "data"),
			Pipeline: config.PipelineConfig{
				BatchSize:          2,
				ChunkSec:           600,
				MaxParallelBatches: 2,
				FramePrefix:        "frame_",
				ThumbnailProbeSec:  2,
			},
			Similarity: config.SimilarityConfig{
				EmbeddingThreshold: 0.9,
				FeatureThreshold:   0.1,
				ShotThreshold:      0.9,
			},
			Retry:         config.RetryConfig{Attempts: 1},
			Transcription: config.TranscriptionConfig{JobPrefix: "extr-", ListenerSpec: "@every 30s"},
			Scheduler:     config.SchedulerConfig{RetentionDays: 30},
		},
		ffmpeg:  &fakeFFmpeg{probe: &ProbeResult{Duration: 25, Width: 64, Height: 36, Codec: "h264", Format: "mov,mp4", FrameRate: 30}},
		infer:   &fakeInference{},
		embed:   &fakeEmbedder{},
		backend: &scriptedBackend{scores: map[string]float64{}},
		trans:   &fakeTranscriber{jobs: map[string]*transcribe.Job{}},
		video:   video,
	}
}

func (e *testEnv) orchestrator(withTranscriber bool) *Orchestrator {
	var tr transcribe.Service
	if withTranscriber {
		tr = e.trans
	}
	return NewOrchestrator(Deps{
		Repo:        e.repo,
		Blobs:       e.blobs,
		FFmpeg:      e.ffmpeg,
		Scenes:      e.ffmpeg,
		Backends:    similarity.Backends{Embedding: e.backend},
		Inference:   e.infer,
		Embedding:   e.embed,
		Vectors:     e.vectors,
		Transcriber: tr,
		Config:      e.cfg,
		Logger:      testLogger,
	})
}

func (e *testEnv) start(t *testing.T, req task.Request) *task.Task {
	t.Helper()
	tk, _, err := e.svc.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return tk
}

func (e *testEnv) reload(t *testing.T, id string) *task.Task {
	t.Helper()
	tk, err := e.repo.GetTask(context.Background(), id)
	if err != nil || tk == nil {
		t.Fatalf("GetTask(%s) = %v, %v", id, tk, err)
	}
	return tk
}

func ptr(v float64) *float64 { return &v }

func transcriptionOff() task.TranscriptionSetting {
	off := false
	return task.TranscriptionSetting{Enabled: &off}
}

// fakeFFmpeg writes a gradient PNG per frame and a short text file per clip.
type fakeFFmpeg struct {
	mu       sync.Mutex
	probe    *ProbeResult
	probeErr error
	failAt   map[float64]bool
	scenes   []shots.Boundary
	frames   int
}

func (f *fakeFFmpeg) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	p := *f.probe
	return &p, nil
}

func (f *fakeFFmpeg) ExtractFrame(ctx context.Context, path string, ts float64, out string) error {
	f.mu.Lock()
	fail := f.failAt[ts]
	f.frames++
	f.mu.Unlock()
	if fail {
		return errors.New("decode error")
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return err
	}
	return os.WriteFile(out, gradientPNG(int(ts)), 0644)
}

func (f *fakeFFmpeg) CutClip(ctx context.Context, path string, start, end float64, out string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return err
	}
	return os.WriteFile(out, []byte(fmt.Sprintf("clip %g", start)), 0644)
}

func (f *fakeFFmpeg) DetectScenes(ctx context.Context, path string) ([]shots.Boundary, error) {
	return f.scenes, nil
}

func gradientPNG(seed int) []byte {
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x*8 + y*4 + seed) % 256)})
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

// fakeInference answers every prompt with "<name> ok" and fails for clips
// whose media equals failMedia.
type fakeInference struct {
	mu        sync.Mutex
	failMedia string
	calls     int
	items     []int
}

func (f *fakeInference) Invoke(ctx context.Context, req cloud.InvokeRequest) (*cloud.InvokeResult, error) {
	f.mu.Lock()
	f.calls++
	n := len(req.ExtraMedia)
	if req.Media != "" {
		n++
	}
	f.items = append(f.items, n)
	f.mu.Unlock()
	media, _ := base64.StdEncoding.DecodeString(req.Media)
	if f.failMedia != "" && string(media) == f.failMedia {
		return nil, &cloud.ServiceError{Service: "inference", StatusCode: 400, Body: "bad media"}
	}
	return &cloud.InvokeResult{Text: req.Prompt + " ok", InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, nil
}

type fakeEmbedder struct{}

func (f *fakeEmbedder) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedVideo(ctx context.Context, data []byte) (*cloud.EmbedResult, error) {
	return &cloud.EmbedResult{Embedding: []float32{0, 1, 0}, InputTokens: 7, DurationS: 5}, nil
}

func (f *fakeEmbedder) ModelID() string { return "test-embed" }

// scriptedBackend returns a fixed score per candidate key.
type scriptedBackend struct {
	scores map[string]float64
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Similarity(ctx context.Context, prev, cur similarity.Sample) (float64, error) {
	return b.scores[cur.Key], nil
}

type fakeTranscriber struct {
	mu       sync.Mutex
	jobs     map[string]*transcribe.Job
	result   *transcribe.Result
	startErr error
	deleted  []string
}

func (f *fakeTranscriber) Name() string { return "fake" }

func (f *fakeTranscriber) Start(ctx context.Context, name, videoPath string) (*transcribe.Job, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job := &transcribe.Job{Name: name, Status: transcribe.StatusInProgress}
	f.jobs[name] = job
	return job, nil
}

func (f *fakeTranscriber) Status(ctx context.Context, name string) (*transcribe.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[name]
	if !ok {
		return nil, nil
	}
	j := *job
	return &j, nil
}

func (f *fakeTranscriber) Result(ctx context.Context, name string) (*transcribe.Result, error) {
	if f.result == nil {
		return nil, transcribe.ErrJobNotFound
	}
	return f.result, nil
}

func (f *fakeTranscriber) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	delete(f.jobs, name)
	return nil
}

func (f *fakeTranscriber) finish(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[name].Status = transcribe.StatusCompleted
}

func frameRequest(id, video string) task.Request {
	threshold := 0.9
	return task.Request{
		TaskId:   id,
		TaskType: task.TypeFrame,
		Video:    task.Video{Location: video},
		PreProcessSetting: task.PreProcessSetting{
			SampleIntervalS:     10,
			SmartSample:         true,
			SimilarityMethod:    task.SimilarityEmbedding,
			SimilarityThreshold: &threshold,
		},
		ExtractionSetting: task.ExtractionSetting{
			Vision: task.VisionSetting{
				Frame: task.UnitSetting{Enabled: true, PromptConfigs: []task.PromptConfig{
					{Name: "caption", ModelID: "model-a", Prompt: "describe"},
				}},
			},
			Transcription: transcriptionOff(),
		},
	}
}

func TestOrchestrator_FrameTask(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	o := env.orchestrator(false)

	// 0, 10, 20: frame 10 is a near duplicate of 0 and is dropped.
	env.backend.scores[blob.FrameKey("f1", "frame_", 10)] = 0.95
	env.backend.scores[blob.FrameKey("f1", "frame_", 20)] = 0.5

	tk := env.start(t, frameRequest("f1", env.video))
	if err := o.Process(ctx, tk); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	got := env.reload(t, "f1")
	if got.Status != task.StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if got.ExtractionCompleteTs == nil || got.CompleteTs == nil {
		t.Error("expected completion timestamps")
	}
	want := task.Counters{FramesPlanned: 3, FramesSampled: 2, UnitsAnalyzed: 2}
	if got.Counters != want {
		t.Errorf("Counters = %+v, want %+v", got.Counters, want)
	}
	if got.MetaData.ThumbnailKey != blob.ThumbnailKey("f1") || !env.blobs.Exists(got.MetaData.ThumbnailKey) {
		t.Errorf("ThumbnailKey = %q", got.MetaData.ThumbnailKey)
	}
	if got.MetaData.FramePrefix != blob.FramePrefix("f1") {
		t.Errorf("FramePrefix = %q", got.MetaData.FramePrefix)
	}
	if vm := got.MetaData.VideoMetaData; vm == nil || vm.Duration != 25 || vm.Resolution != "64x36" || vm.Format != "mp4" {
		t.Errorf("VideoMetaData = %+v", vm)
	}

	frames, err := env.repo.ListFrames(ctx, "f1", task.Page{After: -1})
	if err != nil {
		t.Fatalf("ListFrames() error = %v", err)
	}
	if len(frames) != 2 || frames[0].Timestamp != 0 || frames[1].Timestamp != 20 {
		t.Fatalf("frames = %+v, want timestamps 0 and 20", frames)
	}
	if frames[0].SimilarityScore != nil || frames[0].PrevTimestamp != nil {
		t.Errorf("first frame should carry no comparison, got %+v", frames[0])
	}
	if frames[1].SimilarityScore == nil || *frames[1].SimilarityScore != 0.5 {
		t.Errorf("frame 20 score = %v, want 0.5", frames[1].SimilarityScore)
	}
	if frames[1].PrevTimestamp == nil || *frames[1].PrevTimestamp != 0 {
		t.Errorf("frame 20 prev = %v, want 0", frames[1].PrevTimestamp)
	}
	if len(frames[1].Outputs) != 1 || frames[1].Outputs[0].Value != "describe ok" {
		t.Errorf("frame 20 outputs = %+v", frames[1].Outputs)
	}

	if env.blobs.Exists(blob.FrameKey("f1", "frame_", 10)) {
		t.Error("discarded frame media should be deleted")
	}
	if !env.blobs.Exists(blob.FrameKey("f1", "frame_", 20)) {
		t.Error("retained frame media missing")
	}
	if !env.blobs.Exists(blob.FrameOutputKey("f1", 20)) {
		t.Error("frame output document missing")
	}

	usage, err := env.repo.ListUsage(ctx, "f1")
	if err != nil {
		t.Fatalf("ListUsage() error = %v", err)
	}
	ids := map[string]bool{}
	for _, u := range usage {
		ids[u.ID] = true
		if u.Type != task.UsageImageUnderstanding || u.TotalTokens != 15 {
			t.Errorf("usage = %+v", u)
		}
	}
	if len(usage) != 2 || !ids["f1_0_caption_frame"] || !ids["f1_20_caption_frame"] {
		t.Errorf("usage ids = %v", ids)
	}

	if _, err := os.Stat(filepath.Join(env.cfg.WorkDir(), "f1")); !os.IsNotExist(err) {
		t.Errorf("work directory should be removed, stat err = %v", err)
	}
}

func TestOrchestrator_FrameTaskWithoutSmartSample(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	o := env.orchestrator(false)
	env.ffmpeg.failAt = map[float64]bool{10: true}

	req := frameRequest("f2", env.video)
	req.PreProcessSetting.SmartSample = false
	req.ExtractionSetting.Vision.Frame = task.UnitSetting{}
	tk := env.start(t, req)
	if err := o.Process(ctx, tk); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	frames, _ := env.repo.ListFrames(ctx, "f2", task.Page{After: -1})
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2 (frame 10 failed extraction)", len(frames))
	}
	got := env.reload(t, "f2")
	if got.Counters.FramesPlanned != 3 || got.Counters.FramesSampled != 2 || got.Counters.UnitsAnalyzed != 0 {
		t.Errorf("Counters = %+v", got.Counters)
	}
	if env.infer.calls != 0 {
		t.Errorf("inference calls = %d, want 0", env.infer.calls)
	}
}

func TestOrchestrator_FrameShots(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	o := env.orchestrator(false)
	env.backend.scores[blob.FrameKey("f3", "frame_", 10)] = 0.3
	env.backend.scores[blob.FrameKey("f3", "frame_", 20)] = 0.5

	req := frameRequest("f3", env.video)
	req.ExtractionSetting.Vision.Frame = task.UnitSetting{}
	req.ExtractionSetting.Vision.Shot = task.UnitSetting{Enabled: true}
	tk := env.start(t, req)
	if err := o.Process(ctx, tk); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	got, err := env.repo.ListShots(ctx, "f3", task.AnalysisFrameShot)
	if err != nil {
		t.Fatalf("ListShots() error = %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected frame shots")
	}
	if got[0].Index != 0 || got[0].StartTime != 0 {
		t.Errorf("first shot = %+v", got[0])
	}
	if last := got[len(got)-1]; last.EndTime != 25 {
		t.Errorf("last shot ends at %v, want 25", last.EndTime)
	}
	if tk := env.reload(t, "f3"); tk.MetaData.ShotCount != len(got) {
		t.Errorf("ShotCount = %d, want %d", tk.MetaData.ShotCount, len(got))
	}
}

func TestOrchestrator_FrameShotThreshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold *float64
		want      []float64
	}{
		// 0.3 and 0.5 both fall below the configured 0.9.
		{"configured", nil, []float64{0, 10, 20}},
		{"request override", ptr(0.4), []float64{0, 10}},
		{"override keeps one shot", ptr(0.2), []float64{0}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t)
			ctx := context.Background()
			id := fmt.Sprintf("fst%d", i)
			env.backend.scores[blob.FrameKey(id, "frame_", 10)] = 0.3
			env.backend.scores[blob.FrameKey(id, "frame_", 20)] = 0.5

			req := frameRequest(id, env.video)
			req.ExtractionSetting.Vision.Frame = task.UnitSetting{}
			req.ExtractionSetting.Vision.Shot = task.UnitSetting{Enabled: true, SimilarityThreshold: tt.threshold}
			if err := env.orchestrator(false).Process(ctx, env.start(t, req)); err != nil {
				t.Fatalf("Process() error = %v", err)
			}

			got, err := env.repo.ListShots(ctx, id, task.AnalysisFrameShot)
			if err != nil {
				t.Fatalf("ListShots() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("shots = %d, want %d", len(got), len(tt.want))
			}
			for j, s := range got {
				if s.StartTime != tt.want[j] {
					t.Errorf("shot %d starts at %v, want %v", j, s.StartTime, tt.want[j])
				}
			}
		})
	}
}

func TestOrchestrator_FrameShotSummary(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	o := env.orchestrator(false)
	env.backend.scores[blob.FrameKey("f5", "frame_", 10)] = 0.3
	env.backend.scores[blob.FrameKey("f5", "frame_", 20)] = 0.5

	// Shots [0,10) and [10,25); the second holds frames 10 and 20.
	req := frameRequest("f5", env.video)
	req.ExtractionSetting.Vision.Frame = task.UnitSetting{}
	req.ExtractionSetting.Vision.Shot = task.UnitSetting{
		Enabled:             true,
		SimilarityThreshold: ptr(0.4),
		PromptConfigs:       []task.PromptConfig{{Name: "summary", ModelID: "model-b", Prompt: "summarize"}},
	}
	if err := o.Process(ctx, env.start(t, req)); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	got, err := env.repo.ListShots(ctx, "f5", task.AnalysisFrameShot)
	if err != nil {
		t.Fatalf("ListShots() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("shots = %d, want 2", len(got))
	}
	for _, s := range got {
		if len(s.Outputs) != 1 || s.Outputs[0].Name != "summary" || s.Outputs[0].Value != "summarize ok" {
			t.Errorf("shot %d outputs = %+v", s.Index, s.Outputs)
		}
	}

	items := append([]int(nil), env.infer.items...)
	sort.Ints(items)
	if len(items) != 2 || items[0] != 1 || items[1] != 2 {
		t.Errorf("media per call = %v, want [1 2]", items)
	}

	doc, err := env.blobs.Get(ctx, blob.ShotOutputKey("f5", 1))
	if err != nil {
		t.Fatalf("shot document: %v", err)
	}
	var stored task.Shot
	if err := json.Unmarshal(doc, &stored); err != nil {
		t.Fatal(err)
	}
	if len(stored.Outputs) != 1 || stored.Outputs[0].Value != "summarize ok" {
		t.Errorf("stored shot outputs = %+v", stored.Outputs)
	}

	usage, err := env.repo.ListUsage(ctx, "f5")
	if err != nil {
		t.Fatalf("ListUsage() error = %v", err)
	}
	if len(usage) != 2 {
		t.Fatalf("usage records = %d, want 2", len(usage))
	}
	for _, u := range usage {
		if u.Type != task.UsageImageUnderstanding || u.Name != "summary" || u.TotalTokens != 15 {
			t.Errorf("usage = %+v", u)
		}
	}
	if tk := env.reload(t, "f5"); tk.Counters.UnitsAnalyzed != 2 {
		t.Errorf("units analyzed = %d, want 2", tk.Counters.UnitsAnalyzed)
	}
}

func TestOrchestrator_Rerun(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	o := env.orchestrator(false)

	tk := env.start(t, frameRequest("f4", env.video))
	if err := o.Process(ctx, tk); err != nil {
		t.Fatalf("first Process() error = %v", err)
	}
	tk = env.reload(t, "f4")
	if err := o.Process(ctx, tk); err != nil {
		t.Fatalf("second Process() error = %v", err)
	}

	frames, _ := env.repo.ListFrames(ctx, "f4", task.Page{After: -1})
	if len(frames) != 3 {
		t.Errorf("frames = %d, want 3", len(frames))
	}
	usage, _ := env.repo.ListUsage(ctx, "f4")
	if len(usage) != 3 {
		t.Errorf("usage records = %d, want 3 (insert once)", len(usage))
	}
}

func clipRequest(id, video string) task.Request {
	return task.Request{
		TaskId:   id,
		TaskType: task.TypeClip,
		Video:    task.Video{Location: video},
		PreProcessSetting: task.PreProcessSetting{
			UseFixedLengthSec: 5,
		},
		ExtractionSetting: task.ExtractionSetting{
			Vision: task.VisionSetting{
				Shot: task.UnitSetting{Enabled: true, PromptConfigs: []task.PromptConfig{
					{Name: "summary", ModelID: "model-b", Prompt: "summarize"},
				}},
			},
			Embedding:     task.EmbeddingSetting{Enabled: true},
			Transcription: transcriptionOff(),
		},
	}
}

func TestOrchestrator_ClipTask(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	o := env.orchestrator(false)
	env.ffmpeg.probe.Duration = 12.5
	env.infer.failMedia = "clip 5"

	tk := env.start(t, clipRequest("c1", env.video))
	if err := o.Process(ctx, tk); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	got := env.reload(t, "c1")
	if got.Status != task.StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if got.Counters.UnitsAnalyzed != 2 || got.Counters.UnitsFailed != 1 {
		t.Errorf("Counters = %+v, want 2 analyzed and 1 failed", got.Counters)
	}
	if got.MetaData.ShotCount != 3 {
		t.Errorf("ShotCount = %d, want 3", got.MetaData.ShotCount)
	}

	list, err := env.repo.ListShots(ctx, "c1", task.AnalysisShot)
	if err != nil {
		t.Fatalf("ListShots() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("shots = %d, want 3", len(list))
	}
	wantBounds := [][2]float64{{0, 5}, {5, 10}, {10, 12.5}}
	for i, s := range list {
		if s.Index != i || s.StartTime != wantBounds[i][0] || s.EndTime != wantBounds[i][1] {
			t.Errorf("shot %d = %+v", i, s)
		}
		if s.ClipKey == "" || !env.blobs.Exists(s.ClipKey) {
			t.Errorf("shot %d clip %q missing", i, s.ClipKey)
		}
		wantVec := fmt.Sprintf("c1_AUDIO_VIDEO_%d", i)
		if s.VectorKey != wantVec {
			t.Errorf("shot %d VectorKey = %q, want %q", i, s.VectorKey, wantVec)
		}
		rec, err := env.vectors.Get(ctx, wantVec)
		if err != nil || rec == nil {
			t.Errorf("vector %s = %v, %v", wantVec, rec, err)
		}
	}
	if len(list[0].Outputs) != 1 || list[0].Outputs[0].Value != "summarize ok" {
		t.Errorf("shot 0 outputs = %+v", list[0].Outputs)
	}
	if len(list[1].Outputs) != 0 {
		t.Errorf("shot 1 should have no outputs, got %+v", list[1].Outputs)
	}
	if !env.blobs.Exists(blob.ShotVectorKey("c1", 2)) {
		t.Error("shot vector document missing")
	}

	usage, _ := env.repo.ListUsage(ctx, "c1")
	var prompts, embeds int
	for _, u := range usage {
		switch u.Type {
		case task.UsageVideoUnderstanding:
			prompts++
		case task.UsageVideoEmbedding:
			embeds++
			if u.ModelID != "test-embed" || u.DurationS != 5 {
				t.Errorf("embedding usage = %+v", u)
			}
		}
	}
	if prompts != 2 || embeds != 3 {
		t.Errorf("usage = %d prompts, %d embeddings; want 2 and 3", prompts, embeds)
	}
}

func TestOrchestrator_ClipTaskContentBased(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	o := env.orchestrator(false)
	env.ffmpeg.probe.Duration = 20
	env.ffmpeg.scenes = []shots.Boundary{{Start: 0, End: 1}, {Start: 1, End: 8}, {Start: 8, End: 20}}

	req := clipRequest("c2", env.video)
	req.PreProcessSetting.UseFixedLengthSec = 0
	req.PreProcessSetting.MinClipSec = 2
	req.ExtractionSetting = task.ExtractionSetting{Transcription: transcriptionOff()}
	tk := env.start(t, req)
	if err := o.Process(ctx, tk); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	list, _ := env.repo.ListShots(ctx, "c2", task.AnalysisShot)
	if len(list) != 2 {
		t.Fatalf("shots = %+v, want 2 after merging the 1s scene", list)
	}
	if list[0].Index != 0 || list[0].StartTime != 0 || list[0].EndTime != 8 {
		t.Errorf("shot 0 = %+v", list[0])
	}
	if list[1].Index != 1 || list[1].StartTime != 8 || list[1].EndTime != 20 {
		t.Errorf("shot 1 = %+v", list[1])
	}
}

func TestOrchestrator_MissingVideo(t *testing.T) {
	env := setupTestEnv(t)
	o := env.orchestrator(false)

	tk := env.start(t, frameRequest("m1", filepath.Join(t.TempDir(), "missing.mp4")))
	err := o.Process(context.Background(), tk)
	if !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Process() error = %v, want ErrNotFound", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageMetadata {
		t.Errorf("error = %v, want metadata stage error", err)
	}
}

func TestOrchestrator_BlobVideo(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	o := env.orchestrator(false)
	if err := env.blobs.PutBytes(ctx, "uploads/in.mov", []byte("movie")); err != nil {
		t.Fatal(err)
	}

	req := frameRequest("b1", "uploads/in.mov")
	req.ExtractionSetting.Vision.Frame = task.UnitSetting{}
	tk := env.start(t, req)
	if err := o.Process(ctx, tk); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	got := env.reload(t, "b1")
	if got.MetaData.VideoMetaData.Format != "mov" {
		t.Errorf("Format = %q, want mov", got.MetaData.VideoMetaData.Format)
	}
	if _, err := os.Stat(filepath.Join(env.cfg.WorkDir(), "b1")); !os.IsNotExist(err) {
		t.Errorf("fetched source should be removed, stat err = %v", err)
	}
}

func TestOrchestrator_ProbeFailure(t *testing.T) {
	env := setupTestEnv(t)
	o := env.orchestrator(false)
	env.ffmpeg.probeErr = ErrFFmpegUnavailable

	tk := env.start(t, frameRequest("p1", env.video))
	err := o.Process(context.Background(), tk)
	if !errors.Is(err, ErrFFmpegUnavailable) {
		t.Fatalf("Process() error = %v", err)
	}
}

func TestOrchestrator_TranscriptionPending(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	o := env.orchestrator(true)
	env.ffmpeg.probe.HasAudio = true

	req := frameRequest("t1", env.video)
	req.ExtractionSetting.Transcription = task.TranscriptionSetting{}
	tk := env.start(t, req)
	if err := o.Process(ctx, tk); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	got := env.reload(t, "t1")
	if got.Status != task.StatusExtractionCompleted {
		t.Fatalf("Status = %s, want extraction_completed", got.Status)
	}
	meta := got.MetaData.Transcription
	if meta == nil || meta.JobName != "extr-t1" || meta.Status != transcribe.StatusInProgress {
		t.Fatalf("Transcription = %+v", meta)
	}
	if got.CompleteTs != nil {
		t.Error("CompleteTs should be unset while transcription is pending")
	}
}

func TestOrchestrator_TranscriptionStartFailure(t *testing.T) {
	env := setupTestEnv(t)
	o := env.orchestrator(true)
	env.ffmpeg.probe.HasAudio = true
	env.trans.startErr = errors.New("quota exceeded")

	req := frameRequest("t2", env.video)
	req.ExtractionSetting.Transcription = task.TranscriptionSetting{}
	tk := env.start(t, req)
	if err := o.Process(context.Background(), tk); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	got := env.reload(t, "t2")
	if got.Status != task.StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if got.MetaData.Transcription == nil || got.MetaData.Transcription.Status != transcribe.StatusFailed {
		t.Errorf("Transcription = %+v", got.MetaData.Transcription)
	}
}

func TestOrchestrator_Status(t *testing.T) {
	env := setupTestEnv(t)
	o := env.orchestrator(false)

	if _, err := o.GetStatus("nope"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("GetStatus() error = %v, want ErrNotFound", err)
	}

	o.track(&task.Task{ID: "s1", Type: task.TypeFrame})
	o.setStage("s1", StageDedup)
	o.setPlanned("s1", 4)
	o.addDone("s1")
	st, err := o.GetStatus("s1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if st.Stage != StageDedup || st.Planned != 4 || st.Done != 1 {
		t.Errorf("Status = %+v", st)
	}
	if active := o.Active(); len(active) != 1 || active[0].TaskID != "s1" {
		t.Errorf("Active() = %+v", active)
	}
	o.untrack("s1")
	if len(o.Active()) != 0 {
		t.Error("expected no active tasks")
	}
}

func TestStageError(t *testing.T) {
	if stageErr(StageDedup, nil) != nil {
		t.Error("stageErr(nil) should be nil")
	}
	err := stageErr(StageDedup, task.InvalidRequest("bad method"))
	if !errors.Is(err, task.ErrInvalidRequest) {
		t.Errorf("errors.Is(%v, ErrInvalidRequest) = false", err)
	}
	if want := "dedup: invalid request: bad method"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestFanOut(t *testing.T) {
	items := make([]int, 25)
	for i := range items {
		items[i] = i
	}
	var mu sync.Mutex
	seen := map[int]bool{}
	fanOut(context.Background(), items, 10, 3, func(ctx context.Context, n int) {
		mu.Lock()
		seen[n] = true
		mu.Unlock()
	})
	if len(seen) != 25 {
		t.Errorf("processed %d items, want 25", len(seen))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	fanOut(ctx, items, 10, 1, func(ctx context.Context, n int) { calls++ })
	if calls != 0 {
		t.Errorf("cancelled fanOut made %d calls", calls)
	}
}
