package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/heimdex/heimdex-extraction/internal/logging"
	"github.com/heimdex/heimdex-extraction/internal/shots"
)

// ErrFFmpegUnavailable is returned by StubFFmpeg when ffmpeg is not installed.
var ErrFFmpegUnavailable = errors.New("ffmpeg not available")

type FFmpeg interface {
	Probe(ctx context.Context, filePath string) (*ProbeResult, error)
	ExtractFrame(ctx context.Context, filePath string, ts float64, outputPath string) error
	CutClip(ctx context.Context, filePath string, start, end float64, outputPath string) error
}

type ProbeResult struct {
	Duration   float64
	Width      int
	Height     int
	Codec      string
	Format     string
	Size       int64
	Bitrate    int64
	FrameRate  float64
	HasAudio   bool
	AudioCodec string
}

// Resolution renders WIDTHxHEIGHT, empty when unknown.
func (p *ProbeResult) Resolution() string {
	if p.Width == 0 || p.Height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// Executor shells out to ffmpeg and ffprobe.
type Executor struct {
	ffmpegPath     string
	ffprobePath    string
	sceneThreshold float64
	logger         *slog.Logger
}

func NewExecutor(sceneThreshold float64, logger *slog.Logger) (*Executor, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}
	return &Executor{
		ffmpegPath:     ffmpegPath,
		ffprobePath:    ffprobePath,
		sceneThreshold: sceneThreshold,
		logger:         logging.OrDiscard(logger),
	}, nil
}

func (e *Executor) run(ctx context.Context, args ...string) (string, error) {
	args = append([]string{"-y", "-hide_banner", "-loglevel", "info"}, args...)
	e.logger.Debug("executing ffmpeg", "args", args)

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return stderr.String(), ctx.Err()
		}
		return stderr.String(), fmt.Errorf("ffmpeg execution failed: %w: %s", err, tail(stderr.String(), 512))
	}
	return stderr.String(), nil
}

func (e *Executor) Probe(ctx context.Context, filePath string) (*ProbeResult, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path is required")
	}
	cmd := exec.CommandContext(ctx, e.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		filePath,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbe(output)
}

// probeOutput matches the ffprobe JSON output structure.
type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var probe probeOutput
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	res := &ProbeResult{Format: probe.Format.FormatName}
	res.Duration, _ = strconv.ParseFloat(probe.Format.Duration, 64)
	res.Size, _ = strconv.ParseInt(probe.Format.Size, 10, 64)
	res.Bitrate, _ = strconv.ParseInt(probe.Format.BitRate, 10, 64)

	for _, s := range probe.Streams {
		switch s.CodecType {
		case "video":
			if res.Codec != "" {
				continue
			}
			res.Width = s.Width
			res.Height = s.Height
			res.Codec = s.CodecName
			res.FrameRate = parseFrameRate(s.RFrameRate)
		case "audio":
			res.HasAudio = true
			if res.AudioCodec == "" {
				res.AudioCodec = s.CodecName
			}
		}
	}
	if res.Codec == "" {
		return nil, fmt.Errorf("no video stream found")
	}
	return res, nil
}

// parseFrameRate handles "30/1", "30000/1001" and plain decimals.
func parseFrameRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return float64(int(n/d*100+0.5)) / 100
}

func (e *Executor) ExtractFrame(ctx context.Context, filePath string, ts float64, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return err
	}
	_, err := e.run(ctx,
		"-ss", formatSeconds(ts),
		"-i", filePath,
		"-vframes", "1",
		outputPath,
	)
	if err != nil {
		return fmt.Errorf("frame extraction at %s failed: %w", formatSeconds(ts), err)
	}
	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("frame extraction at %s produced no image", formatSeconds(ts))
	}
	return nil
}

func (e *Executor) CutClip(ctx context.Context, filePath string, start, end float64, outputPath string) error {
	if end <= start {
		return fmt.Errorf("invalid clip duration: end must be after start")
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return err
	}
	_, err := e.run(ctx,
		"-ss", formatSeconds(start),
		"-i", filePath,
		"-t", formatSeconds(end-start),
		"-c:v", "libx264",
		"-c:a", "aac",
		"-movflags", "+faststart",
		outputPath,
	)
	if err != nil {
		return fmt.Errorf("clip extraction failed: %w", err)
	}
	return nil
}

// DetectScenes uses the ffmpeg scene filter. Each detected cut closes the
// previous boundary; the final one runs to the probed duration.
func (e *Executor) DetectScenes(ctx context.Context, videoPath string) ([]shots.Boundary, error) {
	e.logger.Info("detecting scene changes", "input", videoPath, "threshold", e.sceneThreshold)

	probe, err := e.Probe(ctx, videoPath)
	if err != nil {
		return nil, err
	}
	output, err := e.run(ctx,
		"-i", videoPath,
		"-vf", fmt.Sprintf("select='gt(scene,%f)',showinfo", e.sceneThreshold),
		"-f", "null",
		"-",
	)
	if err != nil {
		return nil, fmt.Errorf("scene detection failed: %w", err)
	}

	cuts := parseSceneOutput(output)
	e.logger.Info("scene detection complete", "cuts", len(cuts))
	return cutsToBoundaries(cuts, probe.Duration), nil
}

// parseSceneOutput extracts cut timestamps from showinfo lines.
func parseSceneOutput(output string) []float64 {
	var cuts []float64
	for _, line := range strings.Split(output, "\n") {
		_, rest, ok := strings.Cut(line, "pts_time:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		if v, err := strconv.ParseFloat(fields[0], 64); err == nil {
			cuts = append(cuts, v)
		}
	}
	return cuts
}

func cutsToBoundaries(cuts []float64, duration float64) []shots.Boundary {
	sort.Float64s(cuts)
	var out []shots.Boundary
	start := 0.0
	for _, c := range cuts {
		if c <= start || (duration > 0 && c >= duration) {
			continue
		}
		out = append(out, shots.Boundary{Start: start, End: c})
		start = c
	}
	if duration > start {
		out = append(out, shots.Boundary{Start: start, End: duration})
	}
	return out
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func tail(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[len(s)-maxLen:]
}

// StubFFmpeg stands in when ffmpeg is missing so the service still starts;
// every media operation fails.
type StubFFmpeg struct {
	logger *slog.Logger
}

func NewStubFFmpeg(logger *slog.Logger) *StubFFmpeg {
	return &StubFFmpeg{logger: logging.OrDiscard(logger)}
}

func (f *StubFFmpeg) Probe(ctx context.Context, filePath string) (*ProbeResult, error) {
	f.logger.Warn("ffmpeg stub: probe requested", "path", filePath)
	return nil, ErrFFmpegUnavailable
}

func (f *StubFFmpeg) ExtractFrame(ctx context.Context, filePath string, ts float64, outputPath string) error {
	return ErrFFmpegUnavailable
}

func (f *StubFFmpeg) CutClip(ctx context.Context, filePath string, start, end float64, outputPath string) error {
	return ErrFFmpegUnavailable
}

func (f *StubFFmpeg) DetectScenes(ctx context.Context, videoPath string) ([]shots.Boundary, error) {
	return nil, ErrFFmpegUnavailable
}

// FallbackScenes tries the scenes pipeline first and falls back to the
// ffmpeg scene filter when the pipeline is not installed.
type FallbackScenes struct {
	Primary   shots.SceneDetector
	Secondary shots.SceneDetector
	Logger    *slog.Logger
}

func (f FallbackScenes) DetectScenes(ctx context.Context, videoPath string) ([]shots.Boundary, error) {
	if f.Primary != nil {
		bounds, err := f.Primary.DetectScenes(ctx, videoPath)
		if err == nil {
			return bounds, nil
		}
		if f.Secondary == nil {
			return nil, err
		}
		if f.Logger != nil {
			f.Logger.Info("scene pipeline failed, using ffmpeg scene filter", "error", err)
		}
	}
	if f.Secondary == nil {
		return nil, fmt.Errorf("no scene detector configured")
	}
	return f.Secondary.DetectScenes(ctx, videoPath)
}
