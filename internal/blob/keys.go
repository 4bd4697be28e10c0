package blob

import (
	"fmt"

	"github.com/heimdex/heimdex-extraction/internal/task"
)

// Task layout:
//
//	tasks/{id}/video_frame_/{prefix}{ts}.png
//	tasks/{id}/shot_clip/shot_{index}_{start}_{end}.mp4
//	tasks/{id}/frame_outputs/output_{ts}.json
//	tasks/{id}/shot_outputs/output_{index}.json
//	tasks/{id}/shot_vector/AUDIO_VIDEO_{index}.json
//	tasks/{id}/transcribe/{id}_transcribe.{json,vtt}
//	tasks/{id}/thumbnail.png
//	tasks/{id}/export/{name}

func TaskPrefix(taskID string) string {
	return "tasks/" + taskID + "/"
}

func FramePrefix(taskID string) string {
	return TaskPrefix(taskID) + "video_frame_/"
}

func FrameKey(taskID, namePrefix string, ts float64) string {
	return fmt.Sprintf("%s%s%s.png", FramePrefix(taskID), namePrefix, task.FormatTS(ts))
}

func ClipPrefix(taskID string) string {
	return TaskPrefix(taskID) + "shot_clip/"
}

func ClipKey(taskID string, index int, start, end float64) string {
	return fmt.Sprintf("%sshot_%d_%s_%s.mp4", ClipPrefix(taskID), index, task.FormatTS(start), task.FormatTS(end))
}

func FrameOutputPrefix(taskID string) string {
	return TaskPrefix(taskID) + "frame_outputs/"
}

func FrameOutputKey(taskID string, ts float64) string {
	return fmt.Sprintf("%soutput_%s.json", FrameOutputPrefix(taskID), task.FormatTS(ts))
}

func ShotOutputPrefix(taskID string) string {
	return TaskPrefix(taskID) + "shot_outputs/"
}

func ShotOutputKey(taskID string, index int) string {
	return fmt.Sprintf("%soutput_%d.json", ShotOutputPrefix(taskID), index)
}

func ShotVectorPrefix(taskID string) string {
	return TaskPrefix(taskID) + "shot_vector/"
}

func ShotVectorKey(taskID string, index int) string {
	return fmt.Sprintf("%sAUDIO_VIDEO_%d.json", ShotVectorPrefix(taskID), index)
}

func TranscribePrefix(taskID string) string {
	return TaskPrefix(taskID) + "transcribe/"
}

// TranscribeKey returns the transcription output key; ext is "json" or "vtt".
func TranscribeKey(taskID, ext string) string {
	return fmt.Sprintf("%s%s_transcribe.%s", TranscribePrefix(taskID), taskID, ext)
}

func ThumbnailKey(taskID string) string {
	return TaskPrefix(taskID) + "thumbnail.png"
}

func ExportKey(taskID, name string) string {
	return TaskPrefix(taskID) + "export/" + name
}
