// Package search ranks stored chunks against a natural-language query by
// embedding similarity, with threshold filtering, metadata pre-filtering and
// adjacent-chunk context expansion.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/sagedesk/sage/internal/docstore"
)

// DefaultThreshold is the minimum similarity for a chunk to count as a
// primary result. The comparison is strict: a chunk scoring exactly the
// threshold is excluded.
const DefaultThreshold = 0.75

// DefaultLimit is the default cap on primary results.
const DefaultLimit = 5

// DefaultContextWindow is the number of adjacent chunks pulled in on each
// side of a primary result.
const DefaultContextWindow = 1

// Backend is the vector store the engine queries. *docstore.Store satisfies
// it.
type Backend interface {
	NearestChunks(ctx context.Context, vector []float32, limit int32, threshold float64, filter docstore.Metadata) ([]docstore.ScoredChunk, error)
	ChunkRange(ctx context.Context, docID uuid.UUID, lo, hi int32) ([]docstore.Chunk, error)
}

// Embedder turns the query string into a vector. *embedding.Pipeline
// satisfies it.
type Embedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// Options tune a single search call. The zero value applies the defaults
// above. Negative values select the non-default edge the zero value cannot
// express: a negative ContextWindow disables expansion, a negative Threshold
// requests the permissive zero threshold (any positive similarity matches).
type Options struct {
	Limit         int
	Threshold     float64
	ContextWindow int
	Filter        docstore.Metadata
}

// Result is one entry of a search response. Primary results carry their
// similarity score; context entries (IsContext true) were pulled in by
// adjacency only and have no score of their own.
type Result struct {
	Chunk      docstore.Chunk
	Similarity float64
	IsContext  bool
}

// Engine executes similarity searches against a Backend.
//
// Engine is safe for concurrent use by multiple goroutines.
type Engine struct {
	backend  Backend
	embedder Embedder
	logger   *slog.Logger
}

// New creates a search Engine.
func New(backend Backend, embedder Embedder, logger *slog.Logger) (*Engine, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{backend: backend, embedder: embedder, logger: logger}, nil
}

// Search embeds the query and returns primary matches ordered by similarity
// descending, followed by their deduplicated context neighbors. The limit
// bounds primary results only; context entries come on top of it and are
// never re-ranked into the primary ordering.
//
// A blank query returns no results without touching the embedding service.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	threshold := opts.Threshold
	switch {
	case threshold == 0:
		threshold = DefaultThreshold
	case threshold < 0:
		threshold = 0
	}
	window := opts.ContextWindow
	if window == 0 {
		window = DefaultContextWindow
	}

	vector, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	scored, err := e.backend.NearestChunks(ctx, vector, int32(limit), threshold, opts.Filter)
	if err != nil {
		return nil, &BackendError{Op: "nearest chunks", Err: err}
	}
	if len(scored) == 0 {
		e.logger.Debug("no chunks above threshold", "threshold", threshold)
		return nil, nil
	}

	// Deterministic ordering: the backend only guarantees the distance
	// sort, so break similarity ties by ordinal then document ID.
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Chunk.Ordinal != b.Chunk.Ordinal {
			return a.Chunk.Ordinal < b.Chunk.Ordinal
		}
		return a.Chunk.DocumentID.String() < b.Chunk.DocumentID.String()
	})

	results := make([]Result, 0, len(scored))
	seen := make(map[uuid.UUID]struct{}, len(scored))
	for _, sc := range scored {
		results = append(results, Result{Chunk: sc.Chunk, Similarity: sc.Similarity})
		seen[sc.Chunk.ID] = struct{}{}
	}

	if window > 0 {
		neighbors, err := e.expandContext(ctx, scored, window, seen)
		if err != nil {
			return nil, err
		}
		results = append(results, neighbors...)
	}

	e.logger.Debug("search complete",
		"primary", len(scored),
		"context", len(results)-len(scored),
		"threshold", threshold,
	)
	return results, nil
}

// expandContext fetches the ±window ordinal neighbors of each primary chunk.
// Neighbors already present (as a primary or via an overlapping window) are
// skipped; document edges narrow the window silently.
func (e *Engine) expandContext(ctx context.Context, primaries []docstore.ScoredChunk, window int, seen map[uuid.UUID]struct{}) ([]Result, error) {
	var results []Result
	for _, sc := range primaries {
		lo := sc.Chunk.Ordinal - int32(window)
		hi := sc.Chunk.Ordinal + int32(window)

		neighbors, err := e.backend.ChunkRange(ctx, sc.Chunk.DocumentID, lo, hi)
		if err != nil {
			return nil, &BackendError{Op: "context expansion", Err: err}
		}
		for _, n := range neighbors {
			if _, ok := seen[n.ID]; ok {
				continue
			}
			seen[n.ID] = struct{}{}
			results = append(results, Result{Chunk: n, IsContext: true})
		}
	}
	return results, nil
}
