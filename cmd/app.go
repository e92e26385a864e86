package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sagedesk/sage/internal/archive"
	"github.com/sagedesk/sage/internal/chunker"
	"github.com/sagedesk/sage/internal/config"
	"github.com/sagedesk/sage/internal/conversation"
	"github.com/sagedesk/sage/internal/docstore"
	"github.com/sagedesk/sage/internal/embedding"
	"github.com/sagedesk/sage/internal/log"
	"github.com/sagedesk/sage/internal/search"
)

// app holds the fully wired component graph for one command invocation.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	genkit   *genkit.Genkit
	pool     *pgxpool.Pool
	pipeline *embedding.Pipeline
	store    *docstore.Store
	engine   *search.Engine
	manager  *conversation.Manager
}

// newApp loads configuration and wires every component. Callers must Close.
func newApp(ctx context.Context) (*app, error) {
	level := slog.LevelInfo
	if debugFlag || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level})

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	if os.Getenv("GEMINI_API_KEY") == "" {
		return nil, errors.New("GEMINI_API_KEY is not set (export GEMINI_API_KEY=your-api-key)")
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit with googleai plugin")
	}
	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)

	pool, err := pgxpool.New(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to PostgreSQL: %w", err)
	}

	pipeline, err := embedding.New(embedder, embedding.Config{
		Model:         cfg.EmbedderModel,
		BatchSize:     cfg.EmbeddingBatchSize,
		CacheMaxBytes: cfg.EmbeddingCacheMB << 20,
	}, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	store, err := docstore.New(pool, logger)
	if err != nil {
		pipeline.Close()
		pool.Close()
		return nil, err
	}

	engine, err := search.New(store, pipeline, logger)
	if err != nil {
		pipeline.Close()
		pool.Close()
		return nil, err
	}

	archiver, err := archive.NewWriter(pipeline, store, chunkConfig(cfg, "", ""), logger)
	if err != nil {
		pipeline.Close()
		pool.Close()
		return nil, err
	}

	manager, err := conversation.NewManager(engine, archiver, conversation.Config{
		MaxLength:     cfg.MaxConversationLength,
		Limit:         cfg.SearchLimit,
		Threshold:     cfg.SimilarityThreshold,
		ContextWindow: cfg.ContextWindow,
	}, logger)
	if err != nil {
		pipeline.Close()
		pool.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		genkit:   g,
		pool:     pool,
		pipeline: pipeline,
		store:    store,
		engine:   engine,
		manager:  manager,
	}, nil
}

// Close releases the pipeline cache and the connection pool.
func (a *app) Close() {
	a.pipeline.Close()
	a.pool.Close()
}

// chunkConfig builds a chunker config from the app defaults plus per-call
// strategy and content type.
func chunkConfig(cfg *config.Config, strategy, contentType string) chunker.Config {
	return chunker.Config{
		Strategy:     chunker.Strategy(strategy),
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		ContentType:  contentType,
	}
}
