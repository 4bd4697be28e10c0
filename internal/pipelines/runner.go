package pipelines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-extraction/internal/config"
	"github.com/heimdex/heimdex-extraction/internal/logging"
)

// stderrTailBytes of a subprocess's stderr are kept for error reports.
const stderrTailBytes = 8 * 1024

// Runner executes the Python media pipelines. Every command writes its
// result to an --out JSON file rather than stdout.
type Runner interface {
	// RunDoctor reports which pipelines and dependencies are installed.
	RunDoctor(ctx context.Context) (*Capabilities, error)

	RunSpeech(ctx context.Context, videoPath, outPath string) (RunResult, error)

	// RunScenes detects content cuts; threshold is the frame-difference
	// score that opens a new scene.
	RunScenes(ctx context.Context, videoPath string, threshold float64, outPath string) (RunResult, error)

	// ValidateOutput reads an output file and checks its version fields.
	ValidateOutput(path string) (*PipelineOutput, error)

	ArtifactsDir() string
}

type Config struct {
	PythonPath    string // empty searches PATH for python3, then python
	ModuleName    string
	ArtifactsBase string
	DoctorTimeout time.Duration
	SpeechTimeout time.Duration
	ScenesTimeout time.Duration
	Logger        *slog.Logger
}

func DefaultConfig(dataDir string, logger *slog.Logger) Config {
	return Config{
		ModuleName:    config.DefaultPipelinesModule,
		ArtifactsBase: filepath.Join(dataDir, "artifacts"),
		DoctorTimeout: 30 * time.Second,
		SpeechTimeout: 30 * time.Minute,
		ScenesTimeout: 10 * time.Minute,
		Logger:        logger,
	}
}

// FromConfig overlays the pipelines section of cfg on DefaultConfig.
func FromConfig(cfg *config.Config, logger *slog.Logger) Config {
	c := DefaultConfig(cfg.DataDir, logger)
	c.ArtifactsBase = cfg.ArtifactsDir()
	c.PythonPath = cfg.Pipelines.Python
	if cfg.Pipelines.Module != "" {
		c.ModuleName = cfg.Pipelines.Module
	}
	if cfg.Pipelines.TimeoutDoctor > 0 {
		c.DoctorTimeout = cfg.Pipelines.TimeoutDoctor
	}
	if cfg.Pipelines.TimeoutScenes > 0 {
		c.ScenesTimeout = cfg.Pipelines.TimeoutScenes
	}
	if cfg.Pipelines.TimeoutSpeech > 0 {
		c.SpeechTimeout = cfg.Pipelines.TimeoutSpeech
	}
	return c
}

// SubprocessRunner runs `python -m <module> <command> ...`.
type SubprocessRunner struct {
	cfg    Config
	python string
	logger *slog.Logger
}

func NewRunner(cfg Config) (*SubprocessRunner, error) {
	python, err := resolvePython(cfg.PythonPath)
	if err != nil {
		return nil, fmt.Errorf("cannot locate python: %w", err)
	}
	if err := os.MkdirAll(cfg.ArtifactsBase, 0755); err != nil {
		return nil, fmt.Errorf("cannot create artifacts dir: %w", err)
	}

	r := &SubprocessRunner{
		cfg:    cfg,
		python: python,
		logger: logging.WithComponent(logging.OrDiscard(cfg.Logger), "pipelines"),
	}
	r.logger.Info("pipeline runner ready",
		"python", python,
		"module", cfg.ModuleName,
		"artifacts_dir", logging.SanitizePath(cfg.ArtifactsBase),
	)
	return r, nil
}

func (r *SubprocessRunner) ArtifactsDir() string {
	return r.cfg.ArtifactsBase
}

func (r *SubprocessRunner) RunDoctor(ctx context.Context) (*Capabilities, error) {
	outPath := filepath.Join(r.cfg.ArtifactsBase, "doctor", uuid.NewString()+".json")
	defer os.Remove(outPath)

	res := r.run(ctx, r.cfg.DoctorTimeout, outPath, "doctor", "--json", "--out", outPath)
	if !res.IsSuccess() {
		return nil, fmt.Errorf("doctor exited %d: %s", res.ExitCode, tailString(res.StderrTail, 512))
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read doctor output: %w", err)
	}
	var caps Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("cannot parse doctor JSON: %w", err)
	}

	hasFFmpeg := isAvailable(caps.Executables, "ffmpeg")
	caps.HasSpeech = hasFFmpeg && (caps.Pipelines.Speech || isAvailable(caps.Dependencies, "whisper"))
	caps.HasScenes = hasFFmpeg && (caps.Pipelines.Scenes || isAvailable(caps.Dependencies, "scenedetect"))
	caps.ProbedAt = time.Now()

	r.logger.Info("doctor probe complete",
		"speech", caps.HasSpeech,
		"scenes", caps.HasScenes,
		"deps_available", caps.Summary.Available,
		"deps_total", caps.Summary.Total,
	)
	return &caps, nil
}

func (r *SubprocessRunner) RunSpeech(ctx context.Context, videoPath, outPath string) (RunResult, error) {
	return r.run(ctx, r.cfg.SpeechTimeout, outPath,
		"speech", "pipeline", "--video", videoPath, "--out", outPath), nil
}

func (r *SubprocessRunner) RunScenes(ctx context.Context, videoPath string, threshold float64, outPath string) (RunResult, error) {
	return r.run(ctx, r.cfg.ScenesTimeout, outPath,
		"scenes", "detect",
		"--video", videoPath,
		"--threshold", strconv.FormatFloat(threshold, 'f', -1, 64),
		"--out", outPath), nil
}

func (r *SubprocessRunner) ValidateOutput(path string) (*PipelineOutput, error) {
	return validateOutput(path)
}

func validateOutput(path string) (*PipelineOutput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read output file %s: %w", logging.SanitizePath(path), err)
	}

	var out PipelineOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cannot parse output JSON: %w", err)
	}

	var missing []string
	for _, f := range []struct{ name, value string }{
		{"schema_version", out.SchemaVersion},
		{"pipeline_version", out.PipelineVersion},
		{"model_version", out.ModelVersion},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return &out, fmt.Errorf("pipeline output missing required fields: %s", strings.Join(missing, ", "))
	}
	return &out, nil
}

// run executes one pipeline command under timeout. Start failures are
// reported as exit code -1 with the error as the stderr tail.
func (r *SubprocessRunner) run(ctx context.Context, timeout time.Duration, outPath string, args ...string) RunResult {
	start := time.Now()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return RunResult{ExitCode: -1, StderrTail: err.Error(), Duration: time.Since(start)}
	}

	argv := append([]string{"-m", r.cfg.ModuleName}, args...)
	cmd := exec.CommandContext(ctx, r.python, argv...)
	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = stderr
	cmd.Stdout = io.Discard

	logger := r.logger.With("command", args[0])
	logger.Debug("running pipeline command", "args", args, "timeout", timeout)

	res := RunResult{OutputPath: outPath}
	err := cmd.Run()
	res.Duration = time.Since(start)
	res.StderrTail = stderr.String()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		if res.StderrTail == "" {
			res.StderrTail = err.Error()
		}
	}
	if ctx.Err() == context.DeadlineExceeded {
		res.StderrTail = strings.TrimSpace(res.StderrTail + "\ntimed out after " + timeout.String())
	}

	if res.IsSuccess() {
		logger.Info("pipeline command succeeded",
			"duration_ms", res.Duration.Milliseconds(),
			"output", logging.SanitizePath(outPath))
	} else {
		logger.Warn("pipeline command failed",
			"exit_code", res.ExitCode,
			"duration_ms", res.Duration.Milliseconds(),
			"stderr_tail", tailString(res.StderrTail, 512))
	}
	return res
}

func resolvePython(preferred string) (string, error) {
	if preferred != "" {
		p, err := exec.LookPath(preferred)
		if err != nil {
			return "", fmt.Errorf("configured python %q not found", preferred)
		}
		return p, nil
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", errors.New("no python binary found on PATH (tried python3, python)")
}

func isAvailable(deps map[string]DepInfo, name string) bool {
	d, ok := deps[name]
	return ok && d.Available
}

// tailString keeps the last n bytes of s, marking the cut with "...".
func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// tailBuffer retains only the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
