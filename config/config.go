package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

type Config struct {
	PostgresDSN string `yaml:"postgres_dsn" validate:"required"`
	Neo4jURI    string `yaml:"neo4j_uri"`
	Neo4jUser   string `yaml:"neo4j_username"`
	Neo4jPass   string `yaml:"neo4j_password"`

	DataDir   string `yaml:"data_dir"`
	HTTPAddr  string `yaml:"http_addr" validate:"required"`
	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`

	OllamaHost    string `yaml:"ollama_host"`
	OpenAIAPIKey  string `yaml:"-"`
	OpenAIBaseURL string `yaml:"openai_base_url"`

	Embeddings EmbeddingConfig `yaml:"embeddings"`
	LLM        LLMConfig       `yaml:"llm"`
	Pipeline   PipelineConfig  `yaml:"pipeline"`
	Chunking   ChunkingConfig  `yaml:"chunking"`
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider" validate:"oneof=ollama openai"`
	Model     string `yaml:"model" validate:"required"`
	Dimension int    `yaml:"dimension" validate:"gt=0"`
	// MaxQueryTokens bounds the query text accepted by the query embedder.
	MaxQueryTokens int `yaml:"max_query_tokens" validate:"gt=0"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider" validate:"oneof=ollama openai"`
	Model       string  `yaml:"model" validate:"required"`
	Temperature float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `yaml:"max_tokens" validate:"gte=0"`
}

// PipelineConfig carries the retrieval and orchestration thresholds.
type PipelineConfig struct {
	DefaultTopK         int           `yaml:"top_k" validate:"gt=0"`
	MaxTopK             int           `yaml:"max_top_k" validate:"gt=0,gtefield=DefaultTopK"`
	SimilarityThreshold float64       `yaml:"similarity_threshold" validate:"gte=-1,lte=1"`
	DedupWindow         int           `yaml:"dedup_window" validate:"gte=0"`
	StageTimeout        time.Duration `yaml:"stage_timeout" validate:"gt=0"`
	ExcerptLength       int           `yaml:"excerpt_length" validate:"gte=0"`
	Retry               RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=1,lte=10"`
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
	Multiplier     float64       `yaml:"multiplier" validate:"gte=1"`
}

type ChunkingConfig struct {
	Size    int `yaml:"size" validate:"gt=0"`
	Overlap int `yaml:"overlap" validate:"gte=0,ltfield=Size"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		PostgresDSN: "postgres://localhost:5432/rag-assistant?sslmode=disable",
		Neo4jURI:    "",
		Neo4jUser:   "neo4j",
		Neo4jPass:   "password",
		DataDir:     "./data",
		HTTPAddr:    ":8080",
		LogLevel:    "info",
		LogFormat:   "console",
		OllamaHost:  "http://localhost:11434",
		Embeddings: EmbeddingConfig{
			Provider:       ProviderOllama,
			Model:          "bge-m3",
			Dimension:      1024,
			MaxQueryTokens: 512,
		},
		LLM: LLMConfig{
			Provider:    ProviderOllama,
			Model:       "llama3.1:8b",
			Temperature: 0.2,
			MaxTokens:   2000,
		},
		Pipeline: PipelineConfig{
			DefaultTopK:         5,
			MaxTopK:             20,
			SimilarityThreshold: 0.3,
			DedupWindow:         1,
			StageTimeout:        30 * time.Second,
			ExcerptLength:       200,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 200 * time.Millisecond,
				MaxBackoff:     2 * time.Second,
				Multiplier:     2,
			},
		},
		Chunking: ChunkingConfig{
			Size:    1000,
			Overlap: 200,
		},
	}
}

// Load reads .env (when present), the YAML file named by RAG_CONFIG_FILE
// (when set) and finally the process environment, in increasing priority.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("RAG_CONFIG_FILE")); path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.PostgresDSN, "POSTGRES_DSN")
	setString(&cfg.Neo4jURI, "NEO4J_URI")
	setString(&cfg.Neo4jUser, "NEO4J_USERNAME")
	setString(&cfg.Neo4jPass, "NEO4J_PASSWORD")
	setString(&cfg.DataDir, "DATA_DIR")
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.OllamaHost, "OLLAMA_HOST")
	setString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAIBaseURL, "OPENAI_BASE_URL")

	setString(&cfg.Embeddings.Provider, "EMBEDDING_PROVIDER")
	setString(&cfg.Embeddings.Model, "EMBEDDING_MODEL")
	setString(&cfg.LLM.Provider, "LLM_PROVIDER")
	setString(&cfg.LLM.Model, "LLM_MODEL")

	ints := map[string]*int{
		"EMBEDDING_DIMENSION":  &cfg.Embeddings.Dimension,
		"EMBEDDING_MAX_TOKENS": &cfg.Embeddings.MaxQueryTokens,
		"LLM_MAX_TOKENS":       &cfg.LLM.MaxTokens,
		"RAG_TOP_K":            &cfg.Pipeline.DefaultTopK,
		"RAG_MAX_TOP_K":        &cfg.Pipeline.MaxTopK,
		"RAG_DEDUP_WINDOW":     &cfg.Pipeline.DedupWindow,
		"RAG_EXCERPT_LENGTH":   &cfg.Pipeline.ExcerptLength,
		"RAG_RETRY_ATTEMPTS":   &cfg.Pipeline.Retry.MaxAttempts,
		"CHUNK_SIZE":           &cfg.Chunking.Size,
		"CHUNK_OVERLAP":        &cfg.Chunking.Overlap,
	}
	for key, dst := range ints {
		if err := setInt(dst, key); err != nil {
			return err
		}
	}

	durations := map[string]*time.Duration{
		"RAG_STAGE_TIMEOUT":         &cfg.Pipeline.StageTimeout,
		"RAG_RETRY_INITIAL_BACKOFF": &cfg.Pipeline.Retry.InitialBackoff,
		"RAG_RETRY_MAX_BACKOFF":     &cfg.Pipeline.Retry.MaxBackoff,
	}
	for key, dst := range durations {
		if err := setDuration(dst, key); err != nil {
			return err
		}
	}

	if err := setFloat(&cfg.Pipeline.SimilarityThreshold, "RAG_SIMILARITY_THRESHOLD"); err != nil {
		return err
	}
	if value, ok := lookup("LLM_TEMPERATURE"); ok {
		parsed, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return fmt.Errorf("parse LLM_TEMPERATURE: %w", err)
		}
		cfg.LLM.Temperature = float32(parsed)
	}

	return nil
}

func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func setString(dst *string, key string) {
	if value, ok := lookup(key); ok {
		*dst = value
	}
}

func setInt(dst *int, key string) error {
	value, ok := lookup(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func setFloat(dst *float64, key string) error {
	value, ok := lookup(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	value, ok := lookup(key)
	if !ok {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = parsed
	return nil
}
