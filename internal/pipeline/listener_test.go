package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/heimdex/heimdex-extraction/internal/blob"
	"github.com/heimdex/heimdex-extraction/internal/task"
	"github.com/heimdex/heimdex-extraction/internal/transcribe"
)

// pendingTranscription runs a frame task whose transcription job stays open.
func pendingTranscription(t *testing.T, env *testEnv, id string) {
	t.Helper()
	env.ffmpeg.probe.HasAudio = true
	req := frameRequest(id, env.video)
	req.ExtractionSetting.Vision.Frame = task.UnitSetting{}
	req.ExtractionSetting.Transcription = task.TranscriptionSetting{}
	tk := env.start(t, req)
	if err := env.orchestrator(true).Process(context.Background(), tk); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
}

func TestListener_Poll(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	pendingTranscription(t, env, "l1")
	l := NewListener(env.repo, env.blobs, env.trans, env.cfg, testLogger)

	// Still running: nothing changes.
	if err := l.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if got := env.reload(t, "l1"); got.Status != task.StatusExtractionCompleted {
		t.Fatalf("Status = %s, want extraction_completed", got.Status)
	}

	env.trans.result = &transcribe.Result{
		LanguageCode: "ko-KR",
		Segments: []transcribe.Segment{
			{Start: 0, End: 2.5, Text: "hello"},
			{Start: 2.5, End: 4, Text: "world"},
		},
		VTT:        []byte("WEBVTT\n"),
		Transcript: []byte(`{"results":{}}`),
	}
	env.trans.finish("extr-l1")
	if err := l.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	got := env.reload(t, "l1")
	if got.Status != task.StatusCompleted || got.CompleteTs == nil {
		t.Errorf("Status = %s, CompleteTs = %v", got.Status, got.CompleteTs)
	}
	if got.MetaData.Audio.LanguageCode != "ko-KR" {
		t.Errorf("LanguageCode = %q", got.MetaData.Audio.LanguageCode)
	}
	if got.MetaData.Transcription.Status != transcribe.StatusCompleted {
		t.Errorf("Transcription.Status = %s", got.MetaData.Transcription.Status)
	}
	segs, err := env.repo.ListTranscripts(ctx, "l1")
	if err != nil || len(segs) != 2 || segs[1].Transcription != "world" {
		t.Errorf("transcripts = %+v, %v", segs, err)
	}
	if !env.blobs.Exists(blob.TranscribeKey("l1", "vtt")) || !env.blobs.Exists(blob.TranscribeKey("l1", "json")) {
		t.Error("transcription outputs missing")
	}
	if len(env.trans.deleted) != 1 || env.trans.deleted[0] != "extr-l1" {
		t.Errorf("deleted jobs = %v", env.trans.deleted)
	}
}

func TestListener_JobLost(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	pendingTranscription(t, env, "l2")
	l := NewListener(env.repo, env.blobs, env.trans, env.cfg, testLogger)

	env.trans.Delete(ctx, "extr-l2")
	if err := l.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	got := env.reload(t, "l2")
	if got.Status != task.StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if meta := got.MetaData.Transcription; meta.Status != transcribe.StatusFailed || meta.Error == "" {
		t.Errorf("Transcription = %+v", meta)
	}
}

func TestListener_Sweep(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	l := NewListener(env.repo, env.blobs, nil, env.cfg, testLogger)

	env.start(t, frameRequest("l3", env.video))
	execs, _ := env.repo.ListExecutions(ctx, task.ExecutionFilter{TaskID: "l3"})
	if err := env.repo.FinishExecution(ctx, execs[0].ID, task.ExecutionSucceeded, ""); err != nil {
		t.Fatal(err)
	}

	n, err := l.Sweep(ctx, time.Now())
	if err != nil || n != 0 {
		t.Errorf("Sweep(now) = %d, %v; want nothing removed", n, err)
	}
	n, err = l.Sweep(ctx, time.Now().AddDate(0, 0, 31))
	if err != nil || n != 1 {
		t.Errorf("Sweep(+31d) = %d, %v; want 1", n, err)
	}
}

func TestListener_StartRejectsBadSpec(t *testing.T) {
	env := setupTestEnv(t)
	env.cfg.Transcription.ListenerSpec = "every now and then"
	l := NewListener(env.repo, env.blobs, env.trans, env.cfg, testLogger)
	if err := l.Start(context.Background()); err == nil {
		l.Stop()
		t.Fatal("expected error for invalid cron spec")
	}

	env.cfg.Transcription.ListenerSpec = "@every 1h"
	env.cfg.Scheduler.RetentionSpec = "@daily"
	l = NewListener(env.repo, env.blobs, env.trans, env.cfg, testLogger)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	l.Stop()
}
