package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/heimdex/heimdex-extraction/internal/api"
	"github.com/heimdex/heimdex-extraction/internal/blob"
	"github.com/heimdex/heimdex-extraction/internal/cloud"
	"github.com/heimdex/heimdex-extraction/internal/config"
	"github.com/heimdex/heimdex-extraction/internal/db"
	"github.com/heimdex/heimdex-extraction/internal/logging"
	"github.com/heimdex/heimdex-extraction/internal/pipelines"
	"github.com/heimdex/heimdex-extraction/internal/task"
	"github.com/heimdex/heimdex-extraction/internal/transcribe"
	"github.com/heimdex/heimdex-extraction/internal/vector"
)

// stores are the local persistence layers every command opens.
type stores struct {
	db      *db.DB
	repo    task.Repository
	blobs   *blob.Store
	vectors *vector.Index
}

func openStores(cfg *config.Config, logger *slog.Logger) (*stores, error) {
	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	blobs, err := blob.NewDiskStore(cfg.BlobDir())
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	return &stores{
		db:      database,
		repo:    task.NewRepository(database.Conn()),
		blobs:   blobs,
		vectors: vector.NewIndex(database.Conn()),
	}, nil
}

func (s *stores) Close() error {
	return s.db.Close()
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.NewLoggerWithFile(cfg.Log.Level, cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
}

// newPipelines locates the Python pipelines. Both results are nil when
// Python is unavailable.
func newPipelines(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pipelines.Runner, *pipelines.CachedDoctor) {
	pipeCfg := pipelines.FromConfig(cfg, logger)
	pr, err := pipelines.NewRunner(pipeCfg)
	if err != nil {
		logger.Warn("pipeline runner unavailable, local scenes and speech disabled", "error", err)
		return nil, nil
	}
	doctor := pipelines.NewCachedDoctor(pr, logger)

	probeCtx, cancel := context.WithTimeout(ctx, pipeCfg.DoctorTimeout)
	defer cancel()
	if caps, err := doctor.Refresh(probeCtx); err != nil {
		logger.Warn("initial doctor probe failed", "error", err)
	} else {
		logger.Info("pipeline capabilities detected",
			"speech", caps.HasSpeech,
			"scenes", caps.HasScenes,
			"deps", fmt.Sprintf("%d/%d", caps.Summary.Available, caps.Summary.Total),
		)
	}
	return pr, doctor
}

// newTranscriber selects the backend named by transcription.backend. A nil
// result disables transcription.
func newTranscriber(cfg *config.Config, clients *cloud.Clients, runner pipelines.Runner, doctor *pipelines.CachedDoctor, logger *slog.Logger) (transcribe.Service, func()) {
	noop := func() {}
	switch cfg.Transcription.Backend {
	case config.TranscriptionLocal:
		if runner == nil {
			logger.Warn("local transcription requested but pipelines are unavailable, transcription disabled")
			return nil, noop
		}
		l := transcribe.NewLocal(runner, doctor, logger)
		return l, l.Close
	case config.TranscriptionRemote:
		retry := cloud.RetryPolicy{Attempts: cfg.Retry.Attempts, Delay: cfg.Retry.Delay}
		return transcribe.NewRemote(clients.Transcription, retry, logger), noop
	default:
		return nil, noop
	}
}

func ensureAuthToken(ctx context.Context, repo task.Repository) (string, error) {
	existing, err := repo.GetConfig(ctx, api.AuthTokenKey)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, api.AuthTokenKey, token); err != nil {
		return "", err
	}
	return token, nil
}
