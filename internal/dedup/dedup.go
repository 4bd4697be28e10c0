// Package dedup drops near-duplicate frames from a sampled sequence by
// comparing each candidate with the last frame that was kept.
package dedup

import (
	"context"
	"log/slog"

	"github.com/heimdex/heimdex-extraction/internal/similarity"
)

// Candidate is a sampled frame whose media is stored under Key.
type Candidate struct {
	Timestamp float64
	Key       string
}

// Decision is the outcome for one candidate. Score is nil when no
// comparison happened (first frame, missing media, backend failure).
type Decision struct {
	Candidate
	Kept          bool
	Score         *float64
	PrevTimestamp *float64
}

// MediaSource reads stored frame media.
type MediaSource interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Observer applies decisions as they are made. Discarded is expected to
// remove the candidate's media and provisional record.
type Observer interface {
	Retained(ctx context.Context, d Decision) error
	Discarded(ctx context.Context, d Decision) error
}

type Engine struct {
	backend   similarity.Backend
	media     MediaSource
	threshold float64
	logger    *slog.Logger
}

// NewEngine builds an engine that discards candidates scoring at or above
// threshold. A nil backend keeps every candidate.
func NewEngine(backend similarity.Backend, media MediaSource, threshold float64, logger *slog.Logger) *Engine {
	return &Engine{backend: backend, media: media, threshold: threshold, logger: logger}
}

// Run processes candidates in order, strictly sequentially. ref is the last
// frame kept before this run (nil to start fresh, in which case the first
// candidate is kept unconditionally). It returns the last kept frame so a
// following chunk can continue from it.
func (e *Engine) Run(ctx context.Context, ref *Candidate, candidates []Candidate, obs Observer) (*Candidate, []Decision, error) {
	decisions := make([]Decision, 0, len(candidates))
	var prevData []byte
	prevLoaded := false

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return ref, decisions, err
		}

		d := Decision{Candidate: c}
		if ref == nil || e.backend == nil {
			d.Kept = true
		} else {
			if !prevLoaded {
				prevData = e.fetch(ctx, ref.Key)
				prevLoaded = true
			}
			prevTS := ref.Timestamp
			d.PrevTimestamp = &prevTS

			curData := e.fetch(ctx, c.Key)
			if prevData == nil || curData == nil {
				d.Kept = true
			} else {
				score, err := e.backend.Similarity(ctx,
					similarity.Sample{Key: ref.Key, Data: prevData},
					similarity.Sample{Key: c.Key, Data: curData})
				if err != nil {
					if ctx.Err() != nil {
						return ref, decisions, ctx.Err()
					}
					if e.logger != nil {
						e.logger.Warn("similarity failed, keeping frame", "timestamp", c.Timestamp, "error", err)
					}
					d.Kept = true
				} else {
					d.Score = &score
					d.Kept = score < e.threshold
				}
			}
			if d.Kept {
				prevData, prevLoaded = curData, curData != nil
			}
		}

		if d.Kept {
			next := c
			ref = &next
			if obs != nil {
				if err := obs.Retained(ctx, d); err != nil && e.logger != nil {
					e.logger.Warn("failed to record retained frame", "timestamp", c.Timestamp, "error", err)
				}
			}
		} else if obs != nil {
			if err := obs.Discarded(ctx, d); err != nil && e.logger != nil {
				e.logger.Warn("failed to discard frame", "timestamp", c.Timestamp, "error", err)
			}
		}
		decisions = append(decisions, d)
	}
	return ref, decisions, nil
}

func (e *Engine) fetch(ctx context.Context, key string) []byte {
	if e.media == nil || key == "" {
		return nil
	}
	data, err := e.media.Get(ctx, key)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("frame media unavailable", "key", key, "error", err)
		}
		return nil
	}
	return data
}
