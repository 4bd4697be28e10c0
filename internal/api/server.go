package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/heimdex/heimdex-extraction/internal/blob"
	"github.com/heimdex/heimdex-extraction/internal/pipeline"
	"github.com/heimdex/heimdex-extraction/internal/pipelines"
	"github.com/heimdex/heimdex-extraction/internal/playback"
	"github.com/heimdex/heimdex-extraction/internal/task"
	"github.com/heimdex/heimdex-extraction/internal/vector"
)

// TaskDeleter removes a task and everything it owns.
type TaskDeleter interface {
	Delete(ctx context.Context, taskID string) error
}

// ProgressSource reports in-process progress of running tasks.
type ProgressSource interface {
	GetStatus(taskID string) (pipeline.Status, error)
	Active() []pipeline.Status
}

// VectorSearcher answers nearest-neighbour queries over shot embeddings.
type VectorSearcher interface {
	Query(ctx context.Context, q vector.Query) ([]vector.Match, error)
}

// TextEmbedder turns a search phrase into the embedding space of the shots.
type TextEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port       int
	Tasks      task.TaskService
	Repository task.Repository
	Deleter    TaskDeleter
	Runner     *pipeline.Runner
	Progress   ProgressSource
	Doctor     *pipelines.CachedDoctor
	Blobs      *blob.Store
	Playback   playback.PlaybackService
	Vectors    VectorSearcher
	Embedder   TextEmbedder
	Logger     *slog.Logger
	StartTime  time.Time
	Version    string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
