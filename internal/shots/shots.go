// Package shots splits a video into shots, either at fixed intervals or at
// detected content changes, and applies windowing and short-shot merging.
package shots

import (
	"context"
	"fmt"
	"math"
)

// Segment is one shot boundary. Index is 0-based once ApplyClipParams or
// Normalize has run.
type Segment struct {
	Index    int     `json:"index"`
	Start    float64 `json:"start_time"`
	End      float64 `json:"end_time"`
	Duration float64 `json:"duration"`
}

// Boundary is a detected scene as reported by a SceneDetector.
type Boundary struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// SceneDetector finds content boundaries in a local video file.
type SceneDetector interface {
	DetectScenes(ctx context.Context, videoPath string) ([]Boundary, error)
}

// Params are the request's clip parameters. Zero means unset.
type Params struct {
	StartSec   float64
	LengthSec  float64
	MinClipSec float64
}

// Any reports whether post-processing has anything to do.
func (p Params) Any() bool {
	return p.StartSec > 0 || p.LengthSec > 0 || p.MinClipSec > 0
}

// FixedLength emits [start, min(start+length, duration)) from 0 with
// 0-based indices.
func FixedLength(duration, length float64) ([]Segment, error) {
	if length <= 0 || math.IsNaN(length) {
		return nil, fmt.Errorf("fixed shot length must be positive, got %v", length)
	}
	var segs []Segment
	for i := 0; ; i++ {
		start := round(float64(i) * length)
		if start >= duration {
			break
		}
		end := math.Min(round(start+length), duration)
		segs = append(segs, Segment{Index: i, Start: start, End: end, Duration: round(end - start)})
	}
	return segs, nil
}

// ContentBased runs scene detection and clamps the final boundary to the
// duration. Indices are 1-based until ApplyClipParams or Normalize reindexes.
func ContentBased(ctx context.Context, d SceneDetector, videoPath string, duration float64) ([]Segment, error) {
	bounds, err := d.DetectScenes(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("scene detection: %w", err)
	}
	if len(bounds) == 0 {
		if duration <= 0 {
			return nil, nil
		}
		return []Segment{{Index: 1, Start: 0, End: duration, Duration: duration}}, nil
	}

	segs := make([]Segment, 0, len(bounds))
	for i, b := range bounds {
		end := b.End
		if i == len(bounds)-1 && duration > 0 {
			end = duration
		}
		if duration > 0 && end > duration {
			end = duration
		}
		if end <= b.Start {
			continue
		}
		segs = append(segs, Segment{
			Index:    len(segs) + 1,
			Start:    round(b.Start),
			End:      round(end),
			Duration: round(end - b.Start),
		})
	}
	return segs, nil
}

// ApplyClipParams windows segments to [StartSec, StartSec+LengthSec),
// merges segments shorter than MinClipSec into their successor and
// reindexes from 0. The final segment may stay shorter than MinClipSec.
func ApplyClipParams(segs []Segment, p Params) []Segment {
	windowEnd := math.Inf(1)
	if p.LengthSec > 0 {
		windowEnd = p.StartSec + p.LengthSec
	}

	filtered := make([]Segment, 0, len(segs))
	for _, s := range segs {
		if s.End <= p.StartSec || s.Start >= windowEnd {
			continue
		}
		start := math.Max(s.Start, p.StartSec)
		end := math.Min(s.End, windowEnd)
		d := round(end - start)
		if d <= 0 {
			continue
		}
		filtered = append(filtered, Segment{Index: s.Index, Start: start, End: end, Duration: d})
	}

	if p.MinClipSec > 0 {
		filtered = merge(filtered, p.MinClipSec)
	}
	return Normalize(filtered)
}

func merge(segs []Segment, minClip float64) []Segment {
	var merged []Segment
	var buf *Segment
	for i := range segs {
		s := segs[i]
		if buf == nil {
			buf = &s
			continue
		}
		if buf.Duration < minClip {
			buf.End = s.End
			buf.Duration = round(buf.End - buf.Start)
			continue
		}
		merged = append(merged, *buf)
		buf = &s
	}
	if buf != nil {
		merged = append(merged, *buf)
	}
	return merged
}

// Normalize assigns contiguous 0-based indices in place and returns segs.
func Normalize(segs []Segment) []Segment {
	for i := range segs {
		segs[i].Index = i
	}
	return segs
}

// Batch groups items into consecutive slices of at most size elements.
func Batch[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	var out [][]T
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
