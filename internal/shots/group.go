package shots

// FrameScore is a retained frame and its similarity to the previous
// retained frame. The first frame of a sequence has no score.
type FrameScore struct {
	Timestamp float64
	Score     *float64
}

// GroupFrames turns retained frames into shots. A frame starts a new shot
// when it has no score or its score is below threshold. Each shot runs to
// the next shot's first frame; the last one runs to duration.
func GroupFrames(frames []FrameScore, threshold, duration float64) []Segment {
	var starts []float64
	for _, f := range frames {
		if len(starts) == 0 || f.Score == nil || *f.Score < threshold {
			starts = append(starts, f.Timestamp)
		}
	}

	segs := make([]Segment, 0, len(starts))
	for i, start := range starts {
		end := duration
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if end <= start {
			continue
		}
		segs = append(segs, Segment{Start: start, End: end, Duration: round(end - start)})
	}
	return Normalize(segs)
}
