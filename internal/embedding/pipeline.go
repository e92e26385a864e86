// Package embedding turns chunk text into vectors through the external
// embedding service, with batching, content-addressed caching and bounded
// retries.
//
// The cache is keyed by a hash of (model id, chunk text): re-processing
// identical content never re-invokes the service. The cache is an explicitly
// constructed object owned by the Pipeline, not a package-level singleton, so
// tests can instantiate isolated instances.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/firebase/genkit/go/ai"
	"golang.org/x/time/rate"

	"github.com/sagedesk/sage/internal/chunker"
)

// DefaultBatchSize is the default number of texts sent to the embedding
// service per request, tuned to the service's accepted payload size.
const DefaultBatchSize = 20

// defaultCacheBytes bounds the embedding cache when the caller does not
// configure a size. A 768-dimensional float32 vector costs ~3KB.
const defaultCacheBytes = 64 << 20

// Config controls pipeline behavior.
type Config struct {
	// Model is the embedding model identifier. It participates in the
	// cache key, so switching models never serves stale vectors.
	Model string

	// BatchSize caps the number of texts per service request.
	// Zero defaults to DefaultBatchSize.
	BatchSize int

	// CacheMaxBytes bounds the vector cache. Zero applies a default.
	// Negative disables caching.
	CacheMaxBytes int64

	// RequestsPerSecond rate-limits service calls. Zero disables limiting.
	RequestsPerSecond float64

	// Retry configures the backoff loop. Zero value applies defaults.
	Retry RetryConfig
}

// CacheStats reports embedding cache effectiveness.
type CacheStats struct {
	Hits   uint64
	Misses uint64
}

// Pipeline batches, caches and retries embedding generation.
// It is safe for concurrent use: cache lookups are lock-free reads and a
// write on miss never blocks reads of unrelated keys.
type Pipeline struct {
	embedder  ai.Embedder
	model     string
	batchSize int
	cache     *ristretto.Cache[string, []float32]
	limiter   *rate.Limiter
	retry     RetryConfig
	logger    *slog.Logger
}

// New creates a Pipeline around the given embedder.
func New(embedder ai.Embedder, cfg Config, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.InitialInterval == 0 {
		retry = DefaultRetryConfig()
	}

	var cache *ristretto.Cache[string, []float32]
	if cfg.CacheMaxBytes >= 0 {
		maxBytes := cfg.CacheMaxBytes
		if maxBytes == 0 {
			maxBytes = defaultCacheBytes
		}
		var err error
		cache, err = ristretto.NewCache(&ristretto.Config[string, []float32]{
			NumCounters: 1 << 16,
			MaxCost:     maxBytes,
			BufferItems: 64,
			Metrics:     true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedding cache: %w", err)
		}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Pipeline{
		embedder:  embedder,
		model:     cfg.Model,
		batchSize: batchSize,
		cache:     cache,
		limiter:   limiter,
		retry:     retry,
		logger:    logger,
	}, nil
}

// Close releases the cache. The Pipeline must not be used afterwards.
func (p *Pipeline) Close() {
	if p.cache != nil {
		p.cache.Close()
	}
}

// Embed returns one vector per chunk, positionally aligned with the input
// regardless of batching and cache hits.
func (p *Pipeline) Embed(ctx context.Context, chunks []chunker.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	return p.EmbedTexts(ctx, texts)
}

// EmbedText composes the Chunker with the pipeline: chunk the text, embed
// every chunk, return both.
func (p *Pipeline) EmbedText(ctx context.Context, text string, cfg chunker.Config) ([]chunker.Chunk, [][]float32, error) {
	c, err := chunker.New(cfg)
	if err != nil {
		return nil, nil, err
	}

	chunks := c.Split(text)
	if len(chunks) == 0 {
		p.logger.Debug("no chunks generated from text", "content_type", cfg.ContentType)
		return nil, nil, nil
	}

	vectors, err := p.Embed(ctx, chunks)
	if err != nil {
		return nil, nil, err
	}
	return chunks, vectors, nil
}

// EmbedQuery embeds a single query string.
func (p *Pipeline) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := p.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedTexts is the core of the pipeline. Cached texts are served without a
// service call; the rest are batched, each batch retried with exponential
// backoff. Batch boundaries never split a single text.
func (p *Pipeline) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	var missing []int

	for i, text := range texts {
		if v, ok := p.cacheGet(text); ok {
			vectors[i] = v
			continue
		}
		missing = append(missing, i)
	}

	for start := 0; start < len(missing); start += p.batchSize {
		end := min(start+p.batchSize, len(missing))
		batch := missing[start:end]

		batchTexts := make([]string, len(batch))
		for j, idx := range batch {
			batchTexts[j] = texts[idx]
		}

		embedded, err := p.embedBatch(ctx, batchTexts)
		if err != nil {
			// Only exhausted transient failures mean the service is
			// unavailable; caller errors and cancellation pass through.
			if errors.Is(err, errRetriesExhausted) {
				return nil, &ServiceUnavailableError{Model: p.model, ChunkIndexes: batch, Err: err}
			}
			return nil, err
		}

		for j, idx := range batch {
			vectors[idx] = embedded[j]
			p.cacheSet(texts[idx], embedded[j])
		}
	}

	if p.cache != nil {
		// Make buffered cache writes visible before returning so an
		// immediate re-embed of the same content hits the cache.
		p.cache.Wait()
	}

	p.logger.Debug("embedded texts",
		"total", len(texts),
		"cache_hits", len(texts)-len(missing),
		"service_calls", (len(missing)+p.batchSize-1)/p.batchSize,
	)
	return vectors, nil
}

// embedBatch sends one batch to the service with bounded backoff retries.
// The per-conversation or per-request deadline travels in ctx; cancellation
// aborts both in-flight calls and backoff sleeps.
func (p *Pipeline) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	input := make([]*ai.Document, len(texts))
	for i, t := range texts {
		input[i] = ai.DocumentFromText(t, nil)
	}

	var lastErr error
	delay := p.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		resp, err := p.embedder.Embed(ctx, &ai.EmbedRequest{Input: input})
		if err == nil {
			if len(resp.Embeddings) != len(texts) {
				return nil, fmt.Errorf("embedding service returned %d vectors for %d texts",
					len(resp.Embeddings), len(texts))
			}
			vectors := make([][]float32, len(texts))
			for i, emb := range resp.Embeddings {
				if len(emb.Embedding) == 0 {
					return nil, fmt.Errorf("empty embedding returned at position %d", i)
				}
				vectors[i] = emb.Embedding
			}
			p.logger.Debug("embedded batch",
				"size", len(texts),
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return vectors, nil
		}

		lastErr = err
		if !retryableError(err) {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		if attempt == p.retry.MaxRetries {
			break
		}

		p.logger.Debug("retrying embedding batch",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, p.retry.MaxInterval)
		}
	}

	return nil, fmt.Errorf("embed batch after %d retries (elapsed: %v): %w: %w",
		p.retry.MaxRetries, time.Since(start), errRetriesExhausted, lastErr)
}

// CacheStats returns hit/miss counters for the vector cache.
func (p *Pipeline) CacheStats() CacheStats {
	if p.cache == nil {
		return CacheStats{}
	}
	return CacheStats{
		Hits:   p.cache.Metrics.Hits(),
		Misses: p.cache.Metrics.Misses(),
	}
}

func (p *Pipeline) cacheGet(text string) ([]float32, bool) {
	if p.cache == nil {
		return nil, false
	}
	return p.cache.Get(p.cacheKey(text))
}

func (p *Pipeline) cacheSet(text string, vector []float32) {
	if p.cache == nil {
		return
	}
	p.cache.Set(p.cacheKey(text), vector, int64(len(vector))*4)
}

// cacheKey is content-addressed: identical text embedded with the same model
// always maps to the same entry.
func (p *Pipeline) cacheKey(text string) string {
	h := sha256.New()
	h.Write([]byte(p.model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
