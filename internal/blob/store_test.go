package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
)

func TestStore_PutGetDelete(t *testing.T) {
	s := NewStore(afero.NewMemMapFs())
	ctx := context.Background()

	if err := s.PutBytes(ctx, "tasks/t1/video_frame_/frame_0.png", []byte("png")); err != nil {
		t.Fatalf("PutBytes() error = %v", err)
	}
	got, err := s.Get(ctx, "tasks/t1/video_frame_/frame_0.png")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "png" {
		t.Errorf("Get() = %q, want png", got)
	}
	if !s.Exists("tasks/t1/video_frame_/frame_0.png") {
		t.Error("Exists() = false")
	}

	if err := s.Delete(ctx, "tasks/t1/video_frame_/frame_0.png"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "tasks/t1/video_frame_/frame_0.png"); err != nil {
		t.Errorf("Delete() of missing blob error = %v", err)
	}
	if _, err := s.Get(ctx, "tasks/t1/video_frame_/frame_0.png"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestStore_ListAndDeletePrefix(t *testing.T) {
	s := NewStore(afero.NewMemMapFs())
	ctx := context.Background()

	keys := []string{
		"tasks/t1/shot_clip/shot_1_5_10.mp4",
		"tasks/t1/shot_clip/shot_0_0_5.mp4",
		"tasks/t1/thumbnail.png",
		"tasks/t2/thumbnail.png",
	}
	for _, k := range keys {
		if err := s.PutBytes(ctx, k, []byte(k)); err != nil {
			t.Fatalf("PutBytes(%s) error = %v", k, err)
		}
	}

	clips, err := s.List(ctx, ClipPrefix("t1"))
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(clips) != 2 || clips[0].Key != "tasks/t1/shot_clip/shot_0_0_5.mp4" {
		t.Fatalf("List() = %+v", clips)
	}

	missing, err := s.List(ctx, "tasks/nope/")
	if err != nil || len(missing) != 0 {
		t.Errorf("List(missing) = %v, %v", missing, err)
	}

	n, err := s.DeletePrefix(ctx, TaskPrefix("t1"))
	if err != nil {
		t.Fatalf("DeletePrefix() error = %v", err)
	}
	if n != 3 {
		t.Errorf("DeletePrefix() removed %d, want 3", n)
	}
	if !s.Exists("tasks/t2/thumbnail.png") {
		t.Error("DeletePrefix() removed another task's blob")
	}
}

func TestStore_OpenAndFetch(t *testing.T) {
	s := NewStore(afero.NewMemMapFs())
	ctx := context.Background()

	if err := s.PutBytes(ctx, "tasks/t1/source.mp4", []byte("0123456789")); err != nil {
		t.Fatalf("PutBytes() error = %v", err)
	}
	f, obj, err := s.Open("tasks/t1/source.mp4")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if obj.Size != 10 {
		t.Errorf("Size = %d, want 10", obj.Size)
	}
	if _, err := f.Seek(5, io.SeekStart); err != nil {
		t.Fatalf("Seek() error = %v", err)
	}
	rest, _ := io.ReadAll(f)
	f.Close()
	if string(rest) != "56789" {
		t.Errorf("read after seek = %q", rest)
	}

	dst := filepath.Join(t.TempDir(), "work", "source.mp4")
	if err := s.Fetch(ctx, "tasks/t1/source.mp4", dst); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "0123456789" {
		t.Errorf("fetched %q", data)
	}

	if _, _, err := s.Open("tasks/t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open(dir) error = %v, want ErrNotFound", err)
	}
}

func TestDiskStore(t *testing.T) {
	s, err := NewDiskStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("NewDiskStore() error = %v", err)
	}
	ctx := context.Background()
	if err := s.PutBytes(ctx, FrameOutputKey("t1", 2.5), []byte("{}")); err != nil {
		t.Fatalf("PutBytes() error = %v", err)
	}
	objs, err := s.List(ctx, TaskPrefix("t1"))
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(objs) != 1 || objs[0].Key != "tasks/t1/frame_outputs/output_2.5.json" {
		t.Errorf("List() = %+v", objs)
	}
}

func TestKeys(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{FrameKey("t1", "frame_", 10), "tasks/t1/video_frame_/frame_10.png"},
		{ClipKey("t1", 2, 10, 12.5), "tasks/t1/shot_clip/shot_2_10_12.5.mp4"},
		{ShotOutputKey("t1", 3), "tasks/t1/shot_outputs/output_3.json"},
		{ShotVectorKey("t1", 3), "tasks/t1/shot_vector/AUDIO_VIDEO_3.json"},
		{TranscribeKey("t1", "vtt"), "tasks/t1/transcribe/t1_transcribe.vtt"},
		{ThumbnailKey("t1"), "tasks/t1/thumbnail.png"},
		{ExportKey("t1", "cut.edl"), "tasks/t1/export/cut.edl"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %s, want %s", tt.got, tt.want)
		}
	}
}
