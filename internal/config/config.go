package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is built once at startup and passed by value into constructors.
type Config struct {
	// Paths
	DocumentPath string `yaml:"document_path"`
	IndexPath    string `yaml:"index_path"`
	QueryLogPath string `yaml:"query_log_path"`

	// Chunking
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`

	// Model service
	Region         string        `yaml:"region"`
	ModelEndpoint  string        `yaml:"model_endpoint"`
	ModelAPIKey    string        `yaml:"-"`
	EmbedModel     string        `yaml:"embed_model"`
	LLMModel       string        `yaml:"llm_model"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`

	// Generation
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	Temperature     float64 `yaml:"temperature"`
	TopK            int     `yaml:"top_k"`

	// Ingest
	EmbedBatchSize       int  `yaml:"embed_batch_size"`
	ExtendedFormats      bool `yaml:"extended_formats"`
	PDFFallbackPdftotext bool `yaml:"pdf_fallback_pdftotext"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// HTTP API
	Port      string        `yaml:"port"`
	APIKey    string        `yaml:"-"`
	JobTTL    time.Duration `yaml:"job_ttl"`
	QueueSize int           `yaml:"queue_size"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DocumentPath: "documents",
		IndexPath:    "rag_index.db",
		QueryLogPath: "logs/queries.jsonl",

		ChunkSize:    800,
		ChunkOverlap: 200,

		Region:         "us-east-1",
		EmbedModel:     "amazon.titan-embed-text-v1",
		LLMModel:       "amazon.titan-tg1-large",
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxAttempts:    3,

		MaxOutputTokens: 500,
		Temperature:     0.1,
		TopK:            3,

		EmbedBatchSize:       16,
		PDFFallbackPdftotext: true,

		LogLevel: "info",

		Port:      "8090",
		JobTTL:    1 * time.Hour,
		QueueSize: 4,
	}
}

// Load layers defaults, the optional YAML file named by RAG_CONFIG_FILE and
// the environment, in increasing precedence. A .env file in the working
// directory is merged into the environment first.
func Load() (Config, error) {
	// godotenv never overrides variables that are already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path := os.Getenv("RAG_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.DocumentPath = envOr("DOCUMENT_PATH", cfg.DocumentPath)
	cfg.IndexPath = envOr("INDEX_PATH", cfg.IndexPath)
	cfg.QueryLogPath = envOrEmpty("QUERY_LOG_PATH", cfg.QueryLogPath)

	cfg.ChunkSize = envInt("CHUNK_SIZE", cfg.ChunkSize)
	cfg.ChunkOverlap = envInt("CHUNK_OVERLAP", cfg.ChunkOverlap)

	cfg.Region = envOr("AWS_REGION", cfg.Region)
	cfg.ModelEndpoint = envOr("MODEL_ENDPOINT", cfg.ModelEndpoint)
	cfg.ModelAPIKey = envOr("MODEL_API_KEY", os.Getenv("AWS_BEARER_TOKEN_BEDROCK"))
	cfg.EmbedModel = envOr("BEDROCK_TITAN_EMBED_MODEL", cfg.EmbedModel)
	cfg.LLMModel = envOr("BEDROCK_TITAN_LLM_MODEL", cfg.LLMModel)
	cfg.ConnectTimeout = envSeconds("CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.ReadTimeout = envSeconds("READ_TIMEOUT", cfg.ReadTimeout)
	cfg.MaxAttempts = envInt("MAX_RETRIES", cfg.MaxAttempts)

	cfg.MaxOutputTokens = envInt("MAX_OUTPUT_TOKENS", cfg.MaxOutputTokens)
	cfg.Temperature = envFloat("TEMPERATURE", cfg.Temperature)
	cfg.TopK = envInt("TOP_K", cfg.TopK)

	cfg.EmbedBatchSize = envInt("EMBED_BATCH_SIZE", cfg.EmbedBatchSize)
	cfg.ExtendedFormats = envBool("RAG_EXTENDED_FORMATS", cfg.ExtendedFormats)
	cfg.PDFFallbackPdftotext = envBool("PDF_FALLBACK_PDFTOTEXT", cfg.PDFFallbackPdftotext)

	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)

	cfg.Port = envOr("PORT", cfg.Port)
	cfg.APIKey = os.Getenv("DOCRAG_API_KEY")
	cfg.JobTTL = envDuration("JOB_TTL", cfg.JobTTL)
	cfg.QueueSize = envInt("INGEST_QUEUE_SIZE", cfg.QueueSize)

	cfg.applyClamps()
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyClamps resets out-of-range values to their defaults and derives the
// endpoint from the region when none is set.
func (c *Config) applyClamps() {
	d := Defaults()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ChunkOverlap < 0 {
		c.ChunkOverlap = d.ChunkOverlap
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = d.MaxOutputTokens
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = d.EmbedBatchSize
	}
	if c.JobTTL <= 0 {
		c.JobTTL = d.JobTTL
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.ModelEndpoint == "" && c.Region != "" {
		c.ModelEndpoint = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", c.Region)
	}
	c.ModelEndpoint = strings.TrimRight(c.ModelEndpoint, "/")
}

func (c Config) Validate() error {
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("TOP_K must be positive")
	}
	if c.ModelEndpoint == "" {
		return fmt.Errorf("MODEL_ENDPOINT or AWS_REGION is required")
	}
	if c.ConnectTimeout <= 0 || c.ReadTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT and READ_TIMEOUT must be positive")
	}
	if c.IndexPath == "" {
		return fmt.Errorf("INDEX_PATH is required")
	}
	return nil
}

// retryBackoffCeiling matches the transport's default maximum retry delay.
const retryBackoffCeiling = 5 * time.Second

// QueryTimeout bounds one answered question: an embed call and a generate
// call, each allowed every attempt at the full connect and read timeouts
// plus backoff.
func (c Config) QueryTimeout() time.Duration {
	perCall := time.Duration(max(c.MaxAttempts, 1)) * (c.ConnectTimeout + c.ReadTimeout + retryBackoffCeiling)
	return 2 * perCall
}

// SlogLevel maps LogLevel onto slog, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envOrEmpty is envOr, except that a variable set to "" wins. It lets a
// setting be switched off.
func envOrEmpty(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envSeconds accepts a bare integer number of seconds or a Go duration.
func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
