// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (SAGE_* prefix, runtime override)
//  2. Config file (~/.sage/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Embedding: embedder model, batch size, cache capacity, retry policy
//   - Chunking: default chunk size and overlap
//   - Search: similarity threshold, result limit, context window
//   - Conversation: history cap per conversation
//   - Storage: PostgreSQL connection (see storage.go)
//
// Sensitive data (passwords) are never logged. Validation uses sentinel
// errors so callers can check failure categories with errors.Is().
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidChunkSize indicates the chunk size is out of range.
	ErrInvalidChunkSize = errors.New("invalid chunk size")

	// ErrInvalidChunkOverlap indicates the chunk overlap is negative or
	// not smaller than the chunk size.
	ErrInvalidChunkOverlap = errors.New("invalid chunk overlap")

	// ErrInvalidBatchSize indicates the embedding batch size is out of range.
	ErrInvalidBatchSize = errors.New("invalid embedding batch size")

	// ErrInvalidThreshold indicates the similarity threshold is outside [0, 1).
	ErrInvalidThreshold = errors.New("invalid similarity threshold")

	// ErrInvalidHistoryLimit indicates the conversation history cap is out of range.
	ErrInvalidHistoryLimit = errors.New("invalid conversation history limit")

	// ErrInvalidEmbedderModel indicates the embedder model name is empty.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")
)

// Default values applied when neither the environment nor the config file
// provides a setting. Chunking and search defaults are tuned for the default
// embedder's 768-dimensional vectors.
const (
	DefaultEmbedderModel      = "text-embedding-004"
	DefaultModelName          = "googleai/gemini-2.0-flash"
	DefaultEmbeddingBatchSize = 20
	DefaultEmbeddingCacheMB   = 64
	DefaultChunkSize          = 1000
	DefaultChunkOverlap       = 200
	DefaultSearchThreshold    = 0.75
	DefaultSearchLimit        = 5
	DefaultContextWindow      = 1
	DefaultMaxConversationLen = 10

	MaxEmbeddingBatchSize = 250
	MaxChunkSize          = 1 << 20
	MaxHistoryLimit       = 1000
)

// Config holds the complete application configuration.
type Config struct {
	// Language model used for chat completion (consumed by the CLI layer).
	ModelName string `mapstructure:"model_name"`

	// Embedding pipeline
	EmbedderModel      string `mapstructure:"embedder_model"`
	EmbeddingBatchSize int    `mapstructure:"embedding_batch_size"`
	EmbeddingCacheMB   int64  `mapstructure:"embedding_cache_mb"`

	// Chunking defaults
	ChunkSize    int `mapstructure:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap"`

	// Search
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	SearchLimit         int     `mapstructure:"search_limit"`
	ContextWindow       int     `mapstructure:"context_window"`

	// Conversation
	MaxConversationLength int `mapstructure:"max_conversation_length"`

	// PostgreSQL (see storage.go for DSN builders)
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDBName   string `mapstructure:"postgres_dbname"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`
}

// Load reads configuration from defaults, the optional config file and the
// environment, in ascending priority, then validates the result.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if dir, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, ".sage"))
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Missing config file is fine, defaults and env apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model_name", DefaultModelName)
	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("embedding_batch_size", DefaultEmbeddingBatchSize)
	v.SetDefault("embedding_cache_mb", DefaultEmbeddingCacheMB)
	v.SetDefault("chunk_size", DefaultChunkSize)
	v.SetDefault("chunk_overlap", DefaultChunkOverlap)
	v.SetDefault("similarity_threshold", DefaultSearchThreshold)
	v.SetDefault("search_limit", DefaultSearchLimit)
	v.SetDefault("context_window", DefaultContextWindow)
	v.SetDefault("max_conversation_length", DefaultMaxConversationLen)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "sage")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_dbname", "sage")
	v.SetDefault("postgres_sslmode", "disable")
}

// Validate checks every field against its allowed range.
func (c *Config) Validate() error {
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder model must not be empty", ErrInvalidEmbedderModel)
	}
	if c.EmbeddingBatchSize < 1 || c.EmbeddingBatchSize > MaxEmbeddingBatchSize {
		return fmt.Errorf("%w: %d (must be 1..%d)", ErrInvalidBatchSize, c.EmbeddingBatchSize, MaxEmbeddingBatchSize)
	}
	if c.ChunkSize < 1 || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: %d (must be 1..%d)", ErrInvalidChunkSize, c.ChunkSize, MaxChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: %d (must be 0..chunk_size-1)", ErrInvalidChunkOverlap, c.ChunkOverlap)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold >= 1 {
		return fmt.Errorf("%w: %g (must be in [0, 1))", ErrInvalidThreshold, c.SimilarityThreshold)
	}
	if c.MaxConversationLength < 1 || c.MaxConversationLength > MaxHistoryLimit {
		return fmt.Errorf("%w: %d (must be 1..%d)", ErrInvalidHistoryLimit, c.MaxConversationLength, MaxHistoryLimit)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	return nil
}
