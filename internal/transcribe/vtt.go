package transcribe

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Segment is one subtitle cue. Times are seconds rounded to 2 decimals.
type Segment struct {
	Start float64 `json:"start_ts"`
	End   float64 `json:"end_ts"`
	Text  string  `json:"transcription"`
}

var cueTiming = regexp.MustCompile(`(\d{2,}:\d{2}:\d{2}\.\d{3})\s+-->\s+(\d{2,}:\d{2}:\d{2}\.\d{3})`)

// ParseTime converts "HH:MM:SS.mmm" to seconds rounded to 2 decimals.
func ParseTime(s string) (float64, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid time format: %s", s)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid hours in %s", s)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid minutes in %s", s)
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid seconds in %s", s)
	}
	v := float64(hours)*3600 + float64(minutes)*60 + seconds
	return math.Round(v*100) / 100, nil
}

// ParseVTT extracts cues from a WebVTT document. The header, NOTE blocks
// and cues without text are skipped; multi-line cue text is joined with
// newlines.
func ParseVTT(data []byte) ([]Segment, error) {
	var segments []Segment
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		m := cueTiming.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		start, err := ParseTime(m[1])
		if err != nil {
			return nil, err
		}
		end, err := ParseTime(m[2])
		if err != nil {
			return nil, err
		}

		var lines []string
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				break
			}
			lines = append(lines, line)
		}
		if len(lines) == 0 {
			continue
		}
		segments = append(segments, Segment{Start: start, End: end, Text: strings.Join(lines, "\n")})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vtt: %w", err)
	}
	return segments, nil
}

// FormatVTT renders segments as a WebVTT document with numbered cues.
func FormatVTT(segments []Segment) []byte {
	var b bytes.Buffer
	b.WriteString("WEBVTT\n")
	for i, s := range segments {
		fmt.Fprintf(&b, "\n%d\n%s --> %s\n%s\n", i+1, formatTime(s.Start), formatTime(s.End), s.Text)
	}
	return b.Bytes()
}

func formatTime(sec float64) string {
	ms := int64(math.Round(sec * 1000))
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms%1000)
}
