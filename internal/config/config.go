package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port      string `envconfig:"PORT" default:"8080"`
	Debug     bool   `envconfig:"DEBUG" default:"false"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Optional static bearer key guarding the API. Empty disables auth.
	APIKey    string `envconfig:"API_KEY"`
	MaxBodyMB int64  `envconfig:"MAX_BODY_MB" default:"60"`

	DatabaseURL   string `envconfig:"DATABASE_URL" required:"true"`
	DBMaxConns    int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns    int32  `envconfig:"DB_MIN_CONNS" default:"1"`
	MigrationsDir string `envconfig:"MIGRATIONS_DIR" default:"migrations"`

	S3Endpoint      string `envconfig:"S3_ENDPOINT"`
	S3AccessKey     string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey     string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket        string `envconfig:"S3_BUCKET" default:"docchat-documents"`
	S3Region        string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Prefix        string `envconfig:"S3_PREFIX"`
	LocalStorageDir string `envconfig:"LOCAL_STORAGE_DIR" default:"./data/documents"`

	OpenAIAPIKey        string  `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL       string  `envconfig:"OPENAI_BASE_URL"`
	OpenAIRPS           float64 `envconfig:"OPENAI_RPS" default:"8"`
	OpenAIBurst         int     `envconfig:"OPENAI_BURST" default:"4"`
	EmbeddingModel      string  `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	EmbeddingDimensions int     `envconfig:"EMBEDDING_DIMENSIONS" default:"1536"`
	ChatModel           string  `envconfig:"CHAT_MODEL" default:"gpt-4o-mini"`
	ChatTemperature     float32 `envconfig:"CHAT_TEMPERATURE" default:"0.3"`
	ChatMaxTokens       int     `envconfig:"CHAT_MAX_TOKENS" default:"1000"`

	MaxUploadMB int64 `envconfig:"MAX_UPLOAD_MB" default:"50"`
	MaxPages    int   `envconfig:"MAX_PAGES" default:"100"`
	// Text lines set at or above this font size are treated as headings.
	HeadingFontSize float64 `envconfig:"HEADING_FONT_SIZE" default:"14"`

	ChunkTargetTokens      int `envconfig:"CHUNK_TARGET_TOKENS" default:"800"`
	ChunkOverlapTokens     int `envconfig:"CHUNK_OVERLAP_TOKENS" default:"200"`
	ChunkBoundaryTolerance int `envconfig:"CHUNK_BOUNDARY_TOLERANCE" default:"100"`

	EmbeddingBatchSize   int `envconfig:"EMBEDDING_BATCH_SIZE" default:"100"`
	EmbeddingConcurrency int `envconfig:"EMBEDDING_CONCURRENCY" default:"4"`

	RetryMaxAttempts    int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff time.Duration `envconfig:"RETRY_INITIAL_BACKOFF" default:"500ms"`
	RetryMaxBackoff     time.Duration `envconfig:"RETRY_MAX_BACKOFF" default:"10s"`

	OCRURL       string  `envconfig:"OCR_URL"`
	OCRMinChars  int     `envconfig:"OCR_MIN_CHARS" default:"100"`
	OCRPageRatio float64 `envconfig:"OCR_PAGE_RATIO" default:"0.5"`

	TopK            int `envconfig:"TOP_K" default:"5"`
	HistoryMessages int `envconfig:"HISTORY_MESSAGES" default:"6"`

	WorkerPollInterval time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"5s"`
	WorkerConcurrency  int           `envconfig:"WORKER_CONCURRENCY" default:"4"`
	WorkerBatchSize    int           `envconfig:"WORKER_BATCH_SIZE" default:"10"`
	JobLease           time.Duration `envconfig:"JOB_LEASE" default:"15m"`
	JobMaxAttempts     int           `envconfig:"JOB_MAX_ATTEMPTS" default:"3"`

	// YAML file overlaying pipeline tuning (chunking, retry, OCR).
	PipelineFile string `envconfig:"PIPELINE_FILE"`
}

// PipelineOverrides is the YAML shape of the pipeline tuning file.
// Zero values leave the environment setting in place.
type PipelineOverrides struct {
	Chunking struct {
		TargetTokens      int `yaml:"target_tokens"`
		OverlapTokens     int `yaml:"overlap_tokens"`
		BoundaryTolerance int `yaml:"boundary_tolerance"`
	} `yaml:"chunking"`
	Embedding struct {
		BatchSize   int `yaml:"batch_size"`
		Concurrency int `yaml:"concurrency"`
	} `yaml:"embedding"`
	Retry struct {
		MaxAttempts    int           `yaml:"max_attempts"`
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		MaxBackoff     time.Duration `yaml:"max_backoff"`
	} `yaml:"retry"`
	OCR struct {
		MinChars  int     `yaml:"min_chars"`
		PageRatio float64 `yaml:"page_ratio"`
	} `yaml:"ocr"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("DOCCHAT", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if cfg.PipelineFile != "" {
		if err := cfg.applyPipelineFile(cfg.PipelineFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) HasS3() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c *Config) HasOpenAI() bool {
	return c.OpenAIAPIKey != ""
}

func (c *Config) HasOCR() bool {
	return c.OCRURL != ""
}

func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB * 1024 * 1024
}

func (c *Config) applyPipelineFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("pipeline file %s does not exist", path)
		}
		return fmt.Errorf("failed to read pipeline file: %w", err)
	}

	var o PipelineOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("failed to parse pipeline file: %w", err)
	}
	c.ApplyOverrides(o)
	return nil
}

// ApplyOverrides copies every non-zero override onto the config.
func (c *Config) ApplyOverrides(o PipelineOverrides) {
	setInt(&c.ChunkTargetTokens, o.Chunking.TargetTokens)
	setInt(&c.ChunkOverlapTokens, o.Chunking.OverlapTokens)
	setInt(&c.ChunkBoundaryTolerance, o.Chunking.BoundaryTolerance)
	setInt(&c.EmbeddingBatchSize, o.Embedding.BatchSize)
	setInt(&c.EmbeddingConcurrency, o.Embedding.Concurrency)
	setInt(&c.RetryMaxAttempts, o.Retry.MaxAttempts)
	setInt(&c.OCRMinChars, o.OCR.MinChars)
	if o.Retry.InitialBackoff > 0 {
		c.RetryInitialBackoff = o.Retry.InitialBackoff
	}
	if o.Retry.MaxBackoff > 0 {
		c.RetryMaxBackoff = o.Retry.MaxBackoff
	}
	if o.OCR.PageRatio > 0 {
		c.OCRPageRatio = o.OCR.PageRatio
	}
}

func (c *Config) validate() error {
	if c.ChunkTargetTokens <= 0 {
		return fmt.Errorf("CHUNK_TARGET_TOKENS must be positive")
	}
	if c.ChunkOverlapTokens < 0 || c.ChunkOverlapTokens >= c.ChunkTargetTokens {
		return fmt.Errorf("CHUNK_OVERLAP_TOKENS must be in [0, CHUNK_TARGET_TOKENS)")
	}
	if c.EmbeddingDimensions != domain.EmbeddingDimensions {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be %d to match the chunks.embedding column, got %d",
			domain.EmbeddingDimensions, c.EmbeddingDimensions)
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.OCRPageRatio < 0 || c.OCRPageRatio > 1 {
		return fmt.Errorf("OCR_PAGE_RATIO must be between 0 and 1")
	}
	return nil
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
