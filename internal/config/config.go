// Package config provides configuration management for the extraction service.
// Configuration is loaded from defaults, an optional YAML file and HEIMDEX_*
// environment variables, then passed explicitly to every component.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// Default values
	DefaultPort     = 8788
	DefaultLogLevel = "info"
	DefaultDataDir  = ".heimdex-extraction"

	// Environment
	EnvPrefix  = "HEIMDEX"
	EnvDataDir = "HEIMDEX_DATA_DIR"
	EnvPort    = "HEIMDEX_SERVER_PORT"

	// Database filename
	DBFilename = "extraction.db"

	// Pipeline defaults
	DefaultBatchSize          = 10
	DefaultChunkSec           = 600
	DefaultMaxParallelBatches = 4
	DefaultFramePrefix        = "frame_"
	DefaultThumbnailProbeSec  = 10
	DefaultSceneThreshold     = 0.3

	// Similarity defaults. Thresholds are per backend because the two
	// scores live on different scales.
	DefaultEmbeddingThreshold  = 0.9
	DefaultFeatureThreshold    = 0.1
	DefaultShotThreshold       = 0.9
	DefaultFeatureMaxKeypoints = 500

	DefaultRetryAttempts = 3
	DefaultRetryDelay    = time.Second

	DefaultEmbeddingModelID   = "amazon.nova-2-multimodal-embeddings-v1:0"
	DefaultEmbeddingDimension = 1024

	DefaultInferenceMaxTokens   = 500
	DefaultInferenceTopP        = 0.1
	DefaultInferenceTemperature = 0.3

	TranscriptionLocal  = "local"
	TranscriptionRemote = "remote"
	TranscriptionNone   = "none"

	DefaultPipelinesModule = "heimdex_media_pipelines"
)

type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Similarity    SimilarityConfig    `mapstructure:"similarity"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	Inference     InferenceConfig     `mapstructure:"inference"`
	Transcription TranscriptionConfig `mapstructure:"transcription"`
	Pipelines     PipelinesConfig     `mapstructure:"pipelines"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Inbox         InboxConfig         `mapstructure:"inbox"`
}

type ServerConfig struct {
	Port     int  `mapstructure:"port"`
	Headless bool `mapstructure:"headless"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type PipelineConfig struct {
	BatchSize          int     `mapstructure:"batch_size"`
	ChunkSec           float64 `mapstructure:"chunk_sec"`
	MaxParallelBatches int     `mapstructure:"max_parallel_batches"`
	FramePrefix        string  `mapstructure:"frame_prefix"`
	ThumbnailProbeSec  int     `mapstructure:"thumbnail_probe_sec"`
	SceneThreshold     float64 `mapstructure:"scene_threshold"`
}

type SimilarityConfig struct {
	EmbeddingThreshold  float64       `mapstructure:"embedding_threshold"`
	FeatureThreshold    float64       `mapstructure:"feature_threshold"`
	ShotThreshold       float64       `mapstructure:"shot_threshold"`
	FeatureMaxKeypoints int           `mapstructure:"feature_max_keypoints"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
}

type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

type EmbeddingConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	Token     string `mapstructure:"token"`
	ModelID   string `mapstructure:"model_id"`
	Dimension int    `mapstructure:"dimension"`
}

type InferenceConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	Token       string  `mapstructure:"token"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	TopP        float64 `mapstructure:"top_p"`
	Temperature float64 `mapstructure:"temperature"`
}

type TranscriptionConfig struct {
	Backend      string `mapstructure:"backend"`
	BaseURL      string `mapstructure:"base_url"`
	Token        string `mapstructure:"token"`
	JobPrefix    string `mapstructure:"job_prefix"`
	ListenerSpec string `mapstructure:"listener_spec"`
}

type PipelinesConfig struct {
	Python        string        `mapstructure:"python"`
	Module        string        `mapstructure:"module"`
	TimeoutDoctor time.Duration `mapstructure:"timeout_doctor"`
	TimeoutScenes time.Duration `mapstructure:"timeout_scenes"`
	TimeoutSpeech time.Duration `mapstructure:"timeout_speech"`
}

type SchedulerConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RetentionSpec string        `mapstructure:"retention_spec"`
	RetentionDays int           `mapstructure:"retention_days"`
}

type InboxConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration. An empty path searches ./extraction.yaml and
// the data directory; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("extraction")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultDataDir())
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())

	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.headless", true)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("pipeline.batch_size", DefaultBatchSize)
	v.SetDefault("pipeline.chunk_sec", DefaultChunkSec)
	v.SetDefault("pipeline.max_parallel_batches", DefaultMaxParallelBatches)
	v.SetDefault("pipeline.frame_prefix", DefaultFramePrefix)
	v.SetDefault("pipeline.thumbnail_probe_sec", DefaultThumbnailProbeSec)
	v.SetDefault("pipeline.scene_threshold", DefaultSceneThreshold)

	v.SetDefault("similarity.embedding_threshold", DefaultEmbeddingThreshold)
	v.SetDefault("similarity.feature_threshold", DefaultFeatureThreshold)
	v.SetDefault("similarity.shot_threshold", DefaultShotThreshold)
	v.SetDefault("similarity.feature_max_keypoints", DefaultFeatureMaxKeypoints)
	v.SetDefault("similarity.cache_ttl", 10*time.Minute)

	v.SetDefault("retry.attempts", DefaultRetryAttempts)
	v.SetDefault("retry.delay", DefaultRetryDelay)

	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.token", "")
	v.SetDefault("embedding.model_id", DefaultEmbeddingModelID)
	v.SetDefault("embedding.dimension", DefaultEmbeddingDimension)

	v.SetDefault("inference.base_url", "")
	v.SetDefault("inference.token", "")
	v.SetDefault("inference.max_tokens", DefaultInferenceMaxTokens)
	v.SetDefault("inference.top_p", DefaultInferenceTopP)
	v.SetDefault("inference.temperature", DefaultInferenceTemperature)

	v.SetDefault("transcription.backend", TranscriptionLocal)
	v.SetDefault("transcription.base_url", "")
	v.SetDefault("transcription.token", "")
	v.SetDefault("transcription.job_prefix", "extr-")
	v.SetDefault("transcription.listener_spec", "@every 30s")

	v.SetDefault("pipelines.python", "")
	v.SetDefault("pipelines.module", DefaultPipelinesModule)
	v.SetDefault("pipelines.timeout_doctor", 30*time.Second)
	v.SetDefault("pipelines.timeout_scenes", 10*time.Minute)
	v.SetDefault("pipelines.timeout_speech", 30*time.Minute)

	v.SetDefault("scheduler.poll_interval", 5*time.Second)
	v.SetDefault("scheduler.retention_spec", "@daily")
	v.SetDefault("scheduler.retention_days", 30)

	v.SetDefault("inbox.enabled", false)
}

// Validate checks ranges that would otherwise surface as confusing runtime failures.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: port must be between 1 and 65535")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Pipeline.BatchSize < 1 {
		return fmt.Errorf("invalid pipeline.batch_size: must be positive")
	}
	if c.Pipeline.ChunkSec <= 0 {
		return fmt.Errorf("invalid pipeline.chunk_sec: must be positive")
	}
	if c.Pipeline.MaxParallelBatches < 1 {
		return fmt.Errorf("invalid pipeline.max_parallel_batches: must be positive")
	}
	for name, th := range map[string]float64{
		"similarity.embedding_threshold": c.Similarity.EmbeddingThreshold,
		"similarity.feature_threshold":   c.Similarity.FeatureThreshold,
		"similarity.shot_threshold":      c.Similarity.ShotThreshold,
	} {
		if th < 0 || th > 1 {
			return fmt.Errorf("invalid %s: must be within [0, 1]", name)
		}
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("invalid retry.attempts: must be at least 1")
	}
	switch c.Transcription.Backend {
	case TranscriptionLocal, TranscriptionRemote, TranscriptionNone:
	default:
		return fmt.Errorf("invalid transcription.backend %q", c.Transcription.Backend)
	}
	if c.Transcription.Backend == TranscriptionRemote && c.Transcription.BaseURL == "" {
		return fmt.Errorf("transcription.base_url is required for the remote backend")
	}
	return nil
}

// DBPath returns the full path to the SQLite database file
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, DBFilename)
}

// BlobDir is the root of the object store.
func (c *Config) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}

// WorkDir holds per-execution scratch files (downloaded video, extracted frames).
func (c *Config) WorkDir() string {
	return filepath.Join(c.DataDir, "work")
}

// InboxDir is watched for start requests when the inbox is enabled.
func (c *Config) InboxDir() string {
	return filepath.Join(c.DataDir, "inbox")
}

// ArtifactsDir is handed to the Python pipelines.
func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}

// ThresholdFor returns the default dedup threshold for a similarity method.
func (c *Config) ThresholdFor(method string) float64 {
	if method == "feature" {
		return c.Similarity.FeatureThreshold
	}
	return c.Similarity.EmbeddingThreshold
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
