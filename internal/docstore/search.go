package docstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// NearestChunks returns up to limit chunks nearest to the query vector by
// cosine distance, restricted to similarity strictly above threshold and,
// when filter is non-empty, to chunks whose metadata contains every
// filter key/value pair exactly.
//
// Ordering beyond the distance sort is the caller's concern; ties at equal
// similarity come back in index order, which is not guaranteed stable.
func (s *Store) NearestChunks(ctx context.Context, vector []float32, limit int32, threshold float64, filter Metadata) ([]ScoredChunk, error) {
	if limit <= 0 {
		return nil, nil
	}

	var filterArg any
	if len(filter) > 0 {
		filterArg = filter
	}

	// The float8 cast matters: pgx sends Go float64 untyped, and a zero
	// threshold would otherwise be inferred as integer. See
	// github.com/jackc/pgx/issues/2125.
	rows, err := s.db.Query(ctx,
		`SELECT `+chunkCols+`, 1 - (embedding <=> $1) AS similarity
		 FROM document_chunks
		 WHERE ($2::jsonb IS NULL OR metadata @> $2::jsonb)
		   AND 1 - (embedding <=> $1) > $3::float8
		 ORDER BY embedding <=> $1
		 LIMIT $4`,
		pgvector.NewVector(vector), filterArg, threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying nearest chunks: %w", err)
	}
	defer rows.Close()

	return scanScoredChunks(rows)
}

// ChunkRange returns the chunks of a document whose ordinals fall in
// [lo, hi], ordered by ordinal. Out-of-range bounds simply narrow the
// result; a document edge never produces an error.
func (s *Store) ChunkRange(ctx context.Context, docID uuid.UUID, lo, hi int32) ([]Chunk, error) {
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		return nil, nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+chunkCols+`
		 FROM document_chunks
		 WHERE document_id = $1 AND chunk_index BETWEEN $2 AND $3
		 ORDER BY chunk_index`,
		docID, lo, hi,
	)
	if err != nil {
		return nil, fmt.Errorf("querying chunk range for %s: %w", docID, err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// scanScoredChunks reads chunks plus a trailing similarity column.
func scanScoredChunks(rows pgx.Rows) ([]ScoredChunk, error) {
	var scored []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		if err := rows.Scan(
			&sc.Chunk.ID, &sc.Chunk.DocumentID, &sc.Chunk.Ordinal,
			&sc.Chunk.Content, &sc.Chunk.Metadata, &sc.Chunk.CreatedAt,
			&sc.Similarity,
		); err != nil {
			return nil, fmt.Errorf("scanning scored chunk: %w", err)
		}
		scored = append(scored, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scored chunks: %w", err)
	}
	return scored, nil
}
