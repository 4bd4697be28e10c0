package shots

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestFixedLength(t *testing.T) {
	got, err := FixedLength(12.5, 5)
	if err != nil {
		t.Fatalf("FixedLength() error = %v", err)
	}
	want := []Segment{
		{Index: 0, Start: 0, End: 5, Duration: 5},
		{Index: 1, Start: 5, End: 10, Duration: 5},
		{Index: 2, Start: 10, End: 12.5, Duration: 2.5},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FixedLength() = %+v, want %+v", got, want)
	}

	if segs, _ := FixedLength(0, 5); len(segs) != 0 {
		t.Errorf("FixedLength(0) = %+v, want empty", segs)
	}
	if _, err := FixedLength(10, 0); err == nil {
		t.Error("FixedLength() with zero length should fail")
	}
}

type fakeDetector struct {
	bounds []Boundary
	err    error
}

func (f fakeDetector) DetectScenes(ctx context.Context, videoPath string) ([]Boundary, error) {
	return f.bounds, f.err
}

func TestContentBased(t *testing.T) {
	d := fakeDetector{bounds: []Boundary{{0, 4.2}, {4.2, 9}, {9, 12.48}}}

	got, err := ContentBased(context.Background(), d, "/v.mp4", 12.5)
	if err != nil {
		t.Fatalf("ContentBased() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ContentBased() = %+v", got)
	}
	if got[0].Index != 1 || got[2].Index != 3 {
		t.Errorf("indices = %d..%d, want 1-based", got[0].Index, got[2].Index)
	}
	if got[2].End != 12.5 {
		t.Errorf("final end = %v, want clamped to 12.5", got[2].End)
	}

	normalized := ApplyClipParams(got, Params{})
	for i, s := range normalized {
		if s.Index != i {
			t.Errorf("normalized index %d = %d", i, s.Index)
		}
	}
}

func TestContentBased_NoScenes(t *testing.T) {
	got, err := ContentBased(context.Background(), fakeDetector{}, "/v.mp4", 8)
	if err != nil {
		t.Fatalf("ContentBased() error = %v", err)
	}
	if len(got) != 1 || got[0].Start != 0 || got[0].End != 8 {
		t.Errorf("ContentBased() = %+v, want one whole-video shot", got)
	}
}

func TestContentBased_DetectorError(t *testing.T) {
	_, err := ContentBased(context.Background(), fakeDetector{err: errors.New("boom")}, "/v.mp4", 8)
	if err == nil {
		t.Error("ContentBased() should surface detector errors")
	}
}

func segmentsFromDurations(durations ...float64) []Segment {
	var segs []Segment
	start := 0.0
	for i, d := range durations {
		segs = append(segs, Segment{Index: i, Start: start, End: start + d, Duration: d})
		start += d
	}
	return segs
}

func TestApplyClipParams_Merge(t *testing.T) {
	got := ApplyClipParams(segmentsFromDurations(1, 1, 1, 5), Params{MinClipSec: 3})
	want := []Segment{
		{Index: 0, Start: 0, End: 3, Duration: 3},
		{Index: 1, Start: 3, End: 8, Duration: 5},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ApplyClipParams() = %+v, want %+v", got, want)
	}
}

func TestApplyClipParams_Window(t *testing.T) {
	segs := segmentsFromDurations(5, 5, 5, 5)

	tests := []struct {
		name string
		p    Params
		want []Segment
	}{
		{
			name: "start only",
			p:    Params{StartSec: 7},
			want: []Segment{
				{Index: 0, Start: 7, End: 10, Duration: 3},
				{Index: 1, Start: 10, End: 15, Duration: 5},
				{Index: 2, Start: 15, End: 20, Duration: 5},
			},
		},
		{
			name: "start and length",
			p:    Params{StartSec: 3, LengthSec: 9},
			want: []Segment{
				{Index: 0, Start: 3, End: 5, Duration: 2},
				{Index: 1, Start: 5, End: 10, Duration: 5},
				{Index: 2, Start: 10, End: 12, Duration: 2},
			},
		},
		{
			name: "window on a boundary drops touching segments",
			p:    Params{StartSec: 5, LengthSec: 5},
			want: []Segment{{Index: 0, Start: 5, End: 10, Duration: 5}},
		},
		{
			name: "window past the end",
			p:    Params{StartSec: 30},
			want: []Segment{},
		},
		{
			name: "window then merge",
			p:    Params{StartSec: 3, LengthSec: 9, MinClipSec: 4},
			want: []Segment{
				{Index: 0, Start: 3, End: 10, Duration: 7},
				{Index: 1, Start: 10, End: 12, Duration: 2},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyClipParams(segs, tt.p)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ApplyClipParams() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestApplyClipParams_MergeProperties(t *testing.T) {
	inputs := [][]float64{
		{0.5, 0.5, 0.5, 0.5, 0.5},
		{4, 1, 1, 4, 0.2},
		{2.5, 2.5, 2.5},
		{10},
		{1, 9, 1, 1, 1, 1, 1},
	}
	for _, durations := range inputs {
		for _, minClip := range []float64{1, 2, 3, 5} {
			got := ApplyClipParams(segmentsFromDurations(durations...), Params{MinClipSec: minClip})
			for i, s := range got {
				if s.Index != i {
					t.Errorf("%v min=%v: index %d at position %d", durations, minClip, s.Index, i)
				}
				if i < len(got)-1 && s.Duration < minClip {
					t.Errorf("%v min=%v: shot %d duration %v below minimum", durations, minClip, i, s.Duration)
				}
				if i > 0 && s.Start != got[i-1].End {
					t.Errorf("%v min=%v: gap between shot %d and %d", durations, minClip, i-1, i)
				}
			}
		}
	}
}

func TestParamsAny(t *testing.T) {
	if (Params{}).Any() {
		t.Error("empty params should be a no-op")
	}
	if !(Params{MinClipSec: 1}).Any() {
		t.Error("MinClipSec should enable post-processing")
	}
}

func TestBatch(t *testing.T) {
	items := make([]int, 23)
	batches := Batch(items, 10)
	if len(batches) != 3 || len(batches[0]) != 10 || len(batches[2]) != 3 {
		t.Errorf("Batch() sizes = %d batches", len(batches))
	}
	if Batch([]int{}, 10) != nil {
		t.Error("Batch() of nothing should be nil")
	}
}

func TestGroupFrames(t *testing.T) {
	score := func(v float64) *float64 { return &v }
	frames := []FrameScore{
		{Timestamp: 0},
		{Timestamp: 2, Score: score(0.95)},
		{Timestamp: 4, Score: score(0.5)},
		{Timestamp: 6, Score: score(0.91)},
		{Timestamp: 8, Score: score(0.2)},
	}
	got := GroupFrames(frames, 0.9, 10)
	want := []Segment{
		{Index: 0, Start: 0, End: 4, Duration: 4},
		{Index: 1, Start: 4, End: 8, Duration: 4},
		{Index: 2, Start: 8, End: 10, Duration: 2},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("GroupFrames() = %+v, want %+v", got, want)
	}
	if len(GroupFrames(nil, 0.9, 10)) != 0 {
		t.Error("GroupFrames(nil) should be empty")
	}
}
