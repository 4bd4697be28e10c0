// Package sampler turns a video duration and a sampling policy into candidate
// frame timestamps and bounded work chunks.
package sampler

import (
	"fmt"
	"math"
)

// Chunk is a contiguous slice of the video. Start is inclusive; End is
// exclusive except for the final chunk, which ends at the duration.
type Chunk struct {
	TaskID string  `json:"task_id"`
	Start  float64 `json:"start_ts"`
	End    float64 `json:"end_ts"`
	Last   bool    `json:"last"`
}

// Contains reports whether ts falls inside the chunk.
func (c Chunk) Contains(ts float64) bool {
	if ts < c.Start {
		return false
	}
	if c.Last {
		return ts <= c.End
	}
	return ts < c.End
}

// Sequence is a finite, non-restartable stream of timestamps.
type Sequence struct {
	duration float64
	interval float64
	i        int
	n        int
}

// Even samples [0, duration] every interval seconds. The sequence length is
// floor(duration/interval)+1 for duration > 0 and empty for duration == 0.
func Even(duration, interval float64) (*Sequence, error) {
	if interval <= 0 || math.IsNaN(interval) || math.IsInf(interval, 0) {
		return nil, fmt.Errorf("sample interval must be positive, got %v", interval)
	}
	if duration < 0 || math.IsNaN(duration) {
		return nil, fmt.Errorf("invalid duration %v", duration)
	}
	n := 0
	if duration > 0 {
		n = int(math.Floor(duration/interval+1e-9)) + 1
	}
	return &Sequence{duration: duration, interval: interval, n: n}, nil
}

// Len is the number of timestamps the sequence yields in total.
func (s *Sequence) Len() int {
	return s.n
}

// Next returns the next timestamp, or false when exhausted.
func (s *Sequence) Next() (float64, bool) {
	if s.i >= s.n {
		return 0, false
	}
	ts := roundMillis(float64(s.i) * s.interval)
	if ts > s.duration {
		ts = s.duration
	}
	s.i++
	return ts, true
}

// All drains the remaining sequence.
func (s *Sequence) All() []float64 {
	out := make([]float64, 0, s.n-s.i)
	for {
		ts, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, ts)
	}
}

// Chunks partitions [0, duration) into chunkSec-long pieces. A zero
// duration yields no chunks.
func Chunks(taskID string, duration, chunkSec float64) []Chunk {
	if duration <= 0 || chunkSec <= 0 {
		return nil
	}
	var chunks []Chunk
	for start := 0.0; start < duration; start += chunkSec {
		end := start + chunkSec
		if end >= duration {
			chunks = append(chunks, Chunk{TaskID: taskID, Start: start, End: duration, Last: true})
			break
		}
		chunks = append(chunks, Chunk{TaskID: taskID, Start: start, End: end})
	}
	return chunks
}

// Split assigns each timestamp to its chunk, preserving order.
func Split(timestamps []float64, chunks []Chunk) [][]float64 {
	out := make([][]float64, len(chunks))
	j := 0
	for _, ts := range timestamps {
		for j < len(chunks) && !chunks[j].Contains(ts) {
			j++
		}
		if j == len(chunks) {
			break
		}
		out[j] = append(out[j], ts)
	}
	return out
}

func roundMillis(v float64) float64 {
	return math.Round(v*1000) / 1000
}
