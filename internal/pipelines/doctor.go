package pipelines

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/heimdex/heimdex-extraction/internal/logging"
)

const defaultCacheTTL = 5 * time.Minute

const (
	PipelineScenes = "scenes"
	PipelineSpeech = "speech"
)

// CachedDoctor caches the doctor probe for scene and speech runs. A failed
// probe keeps serving the last good result.
type CachedDoctor struct {
	runner Runner
	ttl    time.Duration
	logger *slog.Logger

	probe sync.Mutex // one doctor subprocess at a time

	mu      sync.RWMutex
	cached  *Capabilities
	lastErr error
}

func NewCachedDoctor(runner Runner, logger *slog.Logger) *CachedDoctor {
	return &CachedDoctor{
		runner: runner,
		ttl:    defaultCacheTTL,
		logger: logging.WithComponent(logging.OrDiscard(logger), "doctor"),
	}
}

func (d *CachedDoctor) fresh() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		return d.cached
	}
	return nil
}

// Get returns the cached capabilities, probing when they are stale.
// Concurrent callers share one probe.
func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	if caps := d.fresh(); caps != nil {
		return caps, nil
	}

	d.probe.Lock()
	defer d.probe.Unlock()
	if caps := d.fresh(); caps != nil {
		return caps, nil
	}
	return d.run(ctx)
}

// Peek returns the last probe result without probing; nil before the first.
func (d *CachedDoctor) Peek() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// LastError is the error of the most recent failed probe, cleared by a
// successful one.
func (d *CachedDoctor) LastError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastErr
}

// Refresh probes regardless of cache age.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	d.probe.Lock()
	defer d.probe.Unlock()
	return d.run(ctx)
}

func (d *CachedDoctor) run(ctx context.Context) (*Capabilities, error) {
	caps, err := d.runner.RunDoctor(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()

	if err != nil {
		d.lastErr = err
		if d.cached != nil {
			d.logger.Warn("doctor probe failed, keeping previous capabilities", "error", err,
				"probed_at", d.cached.ProbedAt)
			return d.cached, nil
		}
		d.logger.Warn("doctor probe failed", "error", err)
		return nil, err
	}

	if caps.ProbedAt.IsZero() {
		caps.ProbedAt = time.Now()
	}
	d.cached, d.lastErr = caps, nil
	return caps, nil
}

func (d *CachedDoctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

// Require returns an ErrUnavailable error unless the named pipeline
// (PipelineScenes or PipelineSpeech) is usable.
func (d *CachedDoctor) Require(ctx context.Context, pipeline string) error {
	caps, err := d.Get(ctx)
	if err != nil {
		return fmt.Errorf("%w: doctor: %v", ErrUnavailable, err)
	}
	var ok bool
	switch pipeline {
	case PipelineScenes:
		ok = caps.HasScenes
	case PipelineSpeech:
		ok = caps.HasSpeech
	}
	if !ok {
		if missing := caps.Missing(pipeline); len(missing) > 0 {
			return fmt.Errorf("%w: %s (missing %s)", ErrUnavailable, pipeline, strings.Join(missing, ", "))
		}
		return fmt.Errorf("%w: %s", ErrUnavailable, pipeline)
	}
	return nil
}
