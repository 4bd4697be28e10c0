package cloud

import (
	"context"
	"errors"
	"log/slog"

	"github.com/heimdex/heimdex-extraction/internal/config"
)

// ErrNotConfigured is returned by stubs standing in for a service with no base URL.
var ErrNotConfigured = errors.New("service not configured")

type Embedder interface {
	EmbedImage(ctx context.Context, data []byte) ([]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedVideo(ctx context.Context, data []byte) (*EmbedResult, error)
	ModelID() string
}

type Inferencer interface {
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
}

type TranscriptionJobs interface {
	StartJob(ctx context.Context, name string, media []byte, format string) (*TranscriptionJob, error)
	GetJob(ctx context.Context, name string) (*TranscriptionJob, error)
	DeleteJob(ctx context.Context, name string) error
	Subtitles(ctx context.Context, name string) ([]byte, error)
	Transcript(ctx context.Context, name string) ([]byte, error)
}

// Clients bundles the external services. A service without a base URL is
// replaced by a stub that fails every call with ErrNotConfigured.
type Clients struct {
	Embedding     Embedder
	Inference     Inferencer
	Transcription TranscriptionJobs
	Defaults      InferenceDefaults

	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *Clients {
	c := &Clients{
		Defaults: InferenceDefaults{
			MaxTokens:   cfg.Inference.MaxTokens,
			TopP:        cfg.Inference.TopP,
			Temperature: cfg.Inference.Temperature,
		},
	}

	if cfg.Embedding.BaseURL != "" {
		e := NewEmbeddingClient(cfg.Embedding.BaseURL, cfg.Embedding.Token, cfg.Embedding.ModelID, cfg.Embedding.Dimension, logger)
		c.Embedding, c.closers = e, append(c.closers, e.Close)
	} else {
		c.Embedding = NewStubEmbedder(cfg.Embedding.ModelID, logger)
	}

	if cfg.Inference.BaseURL != "" {
		i := NewInferenceClient(cfg.Inference.BaseURL, cfg.Inference.Token, logger)
		c.Inference, c.closers = i, append(c.closers, i.Close)
	} else {
		c.Inference = NewStubInferencer(logger)
	}

	if cfg.Transcription.BaseURL != "" {
		t := NewTranscriptionClient(cfg.Transcription.BaseURL, cfg.Transcription.Token, logger)
		c.Transcription, c.closers = t, append(c.closers, t.Close)
	} else {
		c.Transcription = NewStubTranscription(logger)
	}
	return c
}

func (c *Clients) Close() {
	for _, fn := range c.closers {
		fn()
	}
}

type StubEmbedder struct {
	modelID string
	logger  *slog.Logger
}

func NewStubEmbedder(modelID string, logger *slog.Logger) *StubEmbedder {
	return &StubEmbedder{modelID: modelID, logger: logger}
}

func (s *StubEmbedder) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	s.logger.Debug("embedding stub: image embedding requested", "bytes", len(data))
	return nil, &ServiceError{Service: "embedding", Err: ErrNotConfigured}
}

func (s *StubEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	s.logger.Debug("embedding stub: text embedding requested")
	return nil, &ServiceError{Service: "embedding", Err: ErrNotConfigured}
}

func (s *StubEmbedder) EmbedVideo(ctx context.Context, data []byte) (*EmbedResult, error) {
	s.logger.Debug("embedding stub: video embedding requested", "bytes", len(data))
	return nil, &ServiceError{Service: "embedding", Err: ErrNotConfigured}
}

func (s *StubEmbedder) ModelID() string { return s.modelID }

type StubInferencer struct {
	logger *slog.Logger
}

func NewStubInferencer(logger *slog.Logger) *StubInferencer {
	return &StubInferencer{logger: logger}
}

func (s *StubInferencer) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	s.logger.Debug("inference stub: invocation requested", "model_id", req.ModelID)
	return nil, &ServiceError{Service: "inference", Err: ErrNotConfigured}
}

type StubTranscription struct {
	logger *slog.Logger
}

func NewStubTranscription(logger *slog.Logger) *StubTranscription {
	return &StubTranscription{logger: logger}
}

func (s *StubTranscription) StartJob(ctx context.Context, name string, media []byte, format string) (*TranscriptionJob, error) {
	s.logger.Debug("transcription stub: job start requested", "job", name)
	return nil, &ServiceError{Service: "transcription", Err: ErrNotConfigured}
}

func (s *StubTranscription) GetJob(ctx context.Context, name string) (*TranscriptionJob, error) {
	return nil, &ServiceError{Service: "transcription", Err: ErrNotConfigured}
}

func (s *StubTranscription) DeleteJob(ctx context.Context, name string) error {
	return nil
}

func (s *StubTranscription) Subtitles(ctx context.Context, name string) ([]byte, error) {
	return nil, &ServiceError{Service: "transcription", Err: ErrNotConfigured}
}

func (s *StubTranscription) Transcript(ctx context.Context, name string) ([]byte, error) {
	return nil, &ServiceError{Service: "transcription", Err: ErrNotConfigured}
}
