// Package docstore persists documents and their embedded chunks in
// PostgreSQL + pgvector. Every document write that touches chunks runs in a
// single transaction: either the document and all its chunks land, or nothing
// does.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/sagedesk/sage/internal/chunker"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is the database handle the Store needs. *pgxpool.Pool satisfies it;
// tests substitute a fake whose Begin returns a scripted transaction.
type DB interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// chunkCols is the standard SELECT column list for scanChunks.
// Embeddings are excluded: read paths never need the raw vectors.
const chunkCols = `id, document_id, chunk_index, content, metadata, created_at`

const insertChunkSQL = `INSERT INTO document_chunks (id, document_id, chunk_index, content, embedding, metadata, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Store manages document persistence backed by PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     DB
	logger *slog.Logger
}

// New creates a document Store.
func New(db DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// PairChunks zips chunker output with its embedding vectors into store
// inputs. Returns ErrChunkVectorMismatch when the counts differ.
func PairChunks(chunks []chunker.Chunk, vectors [][]float32) ([]ChunkData, error) {
	if len(chunks) != len(vectors) {
		return nil, fmt.Errorf("%w: %d chunks, %d vectors", ErrChunkVectorMismatch, len(chunks), len(vectors))
	}
	data := make([]ChunkData, len(chunks))
	for i, c := range chunks {
		var meta Metadata
		if len(c.Metadata) > 0 {
			meta = Metadata{}
			for k, v := range c.Metadata {
				meta[k] = v
			}
		}
		data[i] = ChunkData{Content: c.Content, Embedding: vectors[i], Metadata: meta}
	}
	return data, nil
}

// StoreWithChunks persists a new document and all its chunks atomically.
// Chunk ordinals are assigned 0..n-1 in input order. On any failure the
// transaction is rolled back and a *WriteError is returned; no partial
// document is ever visible.
func (s *Store) StoreWithChunks(ctx context.Context, title, content string, chunks []ChunkData, metadata Metadata) (*Document, []Chunk, error) {
	now := time.Now().UTC()
	doc := &Document{
		ID:        uuid.New(),
		Title:     title,
		Content:   content,
		Metadata:  metadata,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, &WriteError{Op: "store", DocumentID: doc.ID, Err: fmt.Errorf("beginning transaction: %w", err)}
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx,
		`INSERT INTO documents (id, title, content, metadata, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		doc.ID, doc.Title, doc.Content, metadataArg(doc.Metadata), doc.Version, doc.CreatedAt, doc.UpdatedAt,
	); err != nil {
		return nil, nil, &WriteError{Op: "store", DocumentID: doc.ID, Err: fmt.Errorf("inserting document: %w", err)}
	}

	stored, err := s.insertChunks(ctx, tx, doc, chunks, 0, now)
	if err != nil {
		return nil, nil, &WriteError{Op: "store", DocumentID: doc.ID, Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, &WriteError{Op: "store", DocumentID: doc.ID, Err: fmt.Errorf("committing: %w", err)}
	}

	s.logger.Debug("stored document", "id", doc.ID, "title", doc.Title, "chunks", len(stored))
	return doc, stored, nil
}

// UpdateWithChunks updates an existing document's chunk set atomically.
//
// With replace true, content becomes the new document body, the version
// counter increments, and the previous chunks are replaced by the given set
// starting at ordinal 0. With replace false, chunks are appended after the
// highest existing ordinal; content is ignored and the version is untouched.
//
// Returns ErrNotFound when the document does not exist, *WriteError when the
// transaction fails.
func (s *Store) UpdateWithChunks(ctx context.Context, docID uuid.UUID, content string, chunks []ChunkData, replace bool) (*Document, []Chunk, error) {
	now := time.Now().UTC()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, &WriteError{Op: "update", DocumentID: docID, Err: fmt.Errorf("beginning transaction: %w", err)}
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	doc := &Document{ID: docID, UpdatedAt: now}
	startOrdinal := int32(0)

	if replace {
		err = tx.QueryRow(ctx,
			`UPDATE documents
			 SET content = $2, version = version + 1, updated_at = $3
			 WHERE id = $1
			 RETURNING title, metadata, version, created_at`,
			docID, content, now,
		).Scan(&doc.Title, &doc.Metadata, &doc.Version, &doc.CreatedAt)
		doc.Content = content

		if err == nil {
			_, err = tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, docID)
			if err != nil {
				err = fmt.Errorf("deleting previous chunks: %w", err)
			}
		}
	} else {
		err = tx.QueryRow(ctx,
			`UPDATE documents
			 SET updated_at = $2
			 WHERE id = $1
			 RETURNING title, content, metadata, version, created_at`,
			docID, now,
		).Scan(&doc.Title, &doc.Content, &doc.Metadata, &doc.Version, &doc.CreatedAt)

		if err == nil {
			err = tx.QueryRow(ctx,
				`SELECT COALESCE(MAX(chunk_index) + 1, 0) FROM document_chunks WHERE document_id = $1`,
				docID,
			).Scan(&startOrdinal)
		}
	}

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil, ErrNotFound
	case err != nil:
		return nil, nil, &WriteError{Op: "update", DocumentID: docID, Err: err}
	}

	stored, err := s.insertChunks(ctx, tx, doc, chunks, startOrdinal, now)
	if err != nil {
		return nil, nil, &WriteError{Op: "update", DocumentID: docID, Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, &WriteError{Op: "update", DocumentID: docID, Err: fmt.Errorf("committing: %w", err)}
	}

	s.logger.Debug("updated document",
		"id", docID, "version", doc.Version, "replace", replace, "chunks", len(stored))
	return doc, stored, nil
}

// insertChunks writes the chunk rows for doc inside the caller's transaction.
// Each chunk's metadata is the document metadata overlaid with the chunk's
// own, plus the document title, so search-time filters can match either.
func (*Store) insertChunks(ctx context.Context, q querier, doc *Document, chunks []ChunkData, startOrdinal int32, now time.Time) ([]Chunk, error) {
	stored := make([]Chunk, 0, len(chunks))
	for i, cd := range chunks {
		if len(cd.Embedding) == 0 {
			return nil, fmt.Errorf("chunk %d has no embedding", i)
		}

		meta := Metadata{}
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		for k, v := range cd.Metadata {
			meta[k] = v
		}
		meta["title"] = doc.Title

		chunk := Chunk{
			ID:         uuid.New(),
			DocumentID: doc.ID,
			Ordinal:    startOrdinal + int32(i),
			Content:    cd.Content,
			Embedding:  cd.Embedding,
			Metadata:   meta,
			CreatedAt:  now,
		}

		if _, err := q.Exec(ctx, insertChunkSQL,
			chunk.ID, chunk.DocumentID, chunk.Ordinal, chunk.Content,
			pgvector.NewVector(chunk.Embedding), metadataArg(chunk.Metadata), chunk.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("inserting chunk %d: %w", chunk.Ordinal, err)
		}
		stored = append(stored, chunk)
	}
	return stored, nil
}

// StoreBulk persists several documents, each in its own transaction.
// Atomicity is per document: a failed document is reported in its BulkResult
// and never rolls back siblings that already committed. Processing stops
// early only on context cancellation.
func (s *Store) StoreBulk(ctx context.Context, docs []BulkDocument) []BulkResult {
	results := make([]BulkResult, len(docs))
	for i, in := range docs {
		if err := ctx.Err(); err != nil {
			results[i] = BulkResult{Err: err}
			continue
		}
		doc, chunks, err := s.StoreWithChunks(ctx, in.Title, in.Content, in.Chunks, in.Metadata)
		results[i] = BulkResult{Document: doc, Chunks: chunks, Err: err}
	}
	return results
}

// GetDocument retrieves a document by ID. Returns ErrNotFound if it does
// not exist.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	doc := &Document{ID: id}
	err := s.db.QueryRow(ctx,
		`SELECT title, content, metadata, version, created_at, updated_at
		 FROM documents WHERE id = $1`,
		id,
	).Scan(&doc.Title, &doc.Content, &doc.Metadata, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("getting document %s: %w", id, err)
	}
	return doc, nil
}

// GetChunks returns all chunks of a document ordered by ordinal.
// Embeddings are not loaded.
func (s *Store) GetChunks(ctx context.Context, docID uuid.UUID) ([]Chunk, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+chunkCols+`
		 FROM document_chunks
		 WHERE document_id = $1
		 ORDER BY chunk_index`,
		docID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing chunks for %s: %w", docID, err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// Delete removes a document; its chunks go with it via the FK cascade.
// Returns ErrNotFound if the document does not exist.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted document", "id", id)
	return nil
}

// metadataArg converts a metadata map to a jsonb parameter. Empty maps are
// stored as NULL rather than '{}' so filters distinguish "no metadata".
func metadataArg(m Metadata) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

// scanChunks reads Chunk structs from pgx.Rows (standard column set).
func scanChunks(rows pgx.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(
			&c.ID, &c.DocumentID, &c.Ordinal, &c.Content, &c.Metadata, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}
	return chunks, nil
}
