package export

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/heimdex/heimdex-extraction/internal/task"
)

// FromShots turns shots into clips in timeline order. indices restricts the
// selection; requested indices with no shot are returned as missing.
func FromShots(shots []*task.Shot, mediaPath, namePrefix string, indices []int) ([]Clip, []int) {
	byIndex := make(map[int]*task.Shot, len(shots))
	for _, s := range shots {
		byIndex[s.Index] = s
	}

	selected := shots
	var missing []int
	if len(indices) > 0 {
		selected = make([]*task.Shot, 0, len(indices))
		for _, i := range indices {
			s, ok := byIndex[i]
			if !ok {
				missing = append(missing, i)
				continue
			}
			selected = append(selected, s)
		}
	}

	clips := make([]Clip, 0, len(selected))
	for _, s := range selected {
		start := int(math.Round(s.StartTime * 1000))
		end := int(math.Round(s.EndTime * 1000))
		if end <= start {
			continue
		}
		clips = append(clips, Clip{
			Name:      SanitizeName(fmt.Sprintf("%s_shot_%d", namePrefix, s.Index), 160),
			MediaPath: mediaPath,
			StartMs:   start,
			EndMs:     end,
			ShotIndex: s.Index,
		})
	}
	return clips, missing
}

// timebase converts milliseconds to frame counts and SMPTE timecode. NTSC
// rates (29.97, 59.94) use drop-frame numbering.
type timebase struct {
	rate    float64 // actual frames per second
	nominal int     // frames per timecode second
	drop    int     // frame numbers skipped per minute, 0 for non-drop
}

func newTimebase(frameRate float64) timebase {
	nominal := int(math.Round(frameRate))
	if frameRate <= 0 || nominal <= 0 {
		return timebase{rate: 30, nominal: 30}
	}
	tb := timebase{rate: float64(nominal), nominal: nominal}
	if math.Abs(frameRate-29.97) < 0.01 || math.Abs(frameRate-59.94) < 0.01 {
		tb.rate = frameRate
		tb.drop = nominal / 15
	}
	return tb
}

func (tb timebase) frames(ms int) int {
	return int(math.Round(float64(ms) * tb.rate / 1000))
}

// timecode formats a frame count; drop-frame codes use ';' before frames.
func (tb timebase) timecode(n int) string {
	sep := ":"
	if tb.drop > 0 {
		perMin := 60*tb.nominal - tb.drop
		per10Min := 10*60*tb.nominal - 9*tb.drop
		tens, rem := n/per10Min, n%per10Min
		n += 9 * tb.drop * tens
		if rem > tb.drop {
			n += tb.drop * ((rem - tb.drop) / perMin)
		}
		sep = ";"
	}

	ff := n % tb.nominal
	secs := n / tb.nominal
	return fmt.Sprintf("%02d:%02d:%02d%s%02d", secs/3600, secs/60%60, secs%60, sep, ff)
}

func msToTimecode(ms int, fps int) string {
	tb := newTimebase(float64(fps))
	return tb.timecode(tb.frames(ms))
}

// GenerateEDL renders a CMX 3600 edit list with events laid end to end on
// the record side. Record times accumulate in whole frames.
func GenerateEDL(clips []Clip, title string, frameRate float64) string {
	tb := newTimebase(frameRate)

	var b strings.Builder
	fmt.Fprintf(&b, "TITLE: %s\n", title)
	if tb.drop > 0 {
		b.WriteString("FCM: DROP FRAME\n")
	} else {
		b.WriteString("FCM: NON-DROP FRAME\n")
	}
	b.WriteString("\n")

	record := 0
	for i, clip := range clips {
		in, out := tb.frames(clip.StartMs), tb.frames(clip.EndMs)
		length := out - in

		fmt.Fprintf(&b, "%03d  %-8s %-5s C        %s %s %s %s\n", i+1, "AX", "V",
			tb.timecode(in), tb.timecode(out), tb.timecode(record), tb.timecode(record+length))
		fmt.Fprintf(&b, "* FROM CLIP NAME:  %s\n", clip.Name)
		fmt.Fprintf(&b, "* SOURCE FILE:  %s\n", filepath.Base(clip.MediaPath))
		fmt.Fprintf(&b, "* MEDIA PATH:  %s\n", clip.MediaPath)

		record += length
	}
	return b.String()
}
