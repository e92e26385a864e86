package docstore

import (
	"time"

	"github.com/google/uuid"
)

// Metadata is a free-form key/value bag attached to documents and chunks.
// The store passes it through unexamined; it exists only for generic
// exact-match filtering at search time.
type Metadata = map[string]any

// Document is the unit of ingestion. The store owns its persistence; the
// Version counter increments on every content replace.
type Document struct {
	ID        uuid.UUID
	Title     string
	Content   string
	Metadata  Metadata
	Version   int32
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Chunk is a stored slice of a document with its embedding vector.
// Ordinal is the 0-based index within the document; ordinals are contiguous
// and unique per document and define adjacency for context expansion.
// Chunk lifetime is bound to the owning document: deleting the document
// cascades to its chunks.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Ordinal    int32
	Content    string
	Embedding  []float32
	Metadata   Metadata
	CreatedAt  time.Time
}

// ScoredChunk is a chunk returned by a nearest-neighbor query together with
// its cosine similarity (1 − cosine distance) to the query vector.
type ScoredChunk struct {
	Chunk      Chunk
	Similarity float64
}

// BulkDocument is one input of a bulk store call.
type BulkDocument struct {
	Title    string
	Content  string
	Chunks   []ChunkData
	Metadata Metadata
}

// ChunkData pairs a chunk's text and metadata with its embedding vector.
type ChunkData struct {
	Content   string
	Embedding []float32
	Metadata  Metadata
}

// BulkResult reports the per-document outcome of a bulk store call.
// A failed document never rolls back siblings already committed.
type BulkResult struct {
	Document *Document
	Chunks   []Chunk
	Err      error
}
