// Package archive persists ended conversations back into the document
// store, so past support transcripts become searchable corpus like any other
// document.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sagedesk/sage/internal/chunker"
	"github.com/sagedesk/sage/internal/conversation"
	"github.com/sagedesk/sage/internal/docstore"
	"github.com/sagedesk/sage/internal/embedding"
)

// DocumentType is the metadata type tag on archived transcripts, so searches
// can include or exclude them by filter.
const DocumentType = "conversation_transcript"

// Writer archives conversations as documents: transcript rendered to text,
// chunked, embedded and stored atomically.
type Writer struct {
	pipeline *embedding.Pipeline
	store    *docstore.Store
	chunkCfg chunker.Config
	logger   *slog.Logger
}

// NewWriter creates a Writer. chunkCfg configures how transcripts are split;
// its zero value applies the chunker defaults.
func NewWriter(pipeline *embedding.Pipeline, store *docstore.Store, chunkCfg chunker.Config, logger *slog.Logger) (*Writer, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{pipeline: pipeline, store: store, chunkCfg: chunkCfg, logger: logger}, nil
}

// Archive stores the conversation transcript as a document. A conversation
// with no messages is skipped silently.
func (w *Writer) Archive(ctx context.Context, conv conversation.Conversation) error {
	if len(conv.Messages) == 0 {
		w.logger.Debug("skipping empty conversation archive", "id", conv.ID)
		return nil
	}

	transcript := Transcript(conv)

	chunks, vectors, err := w.pipeline.EmbedText(ctx, transcript, w.chunkCfg)
	if err != nil {
		return fmt.Errorf("embedding transcript: %w", err)
	}

	data, err := docstore.PairChunks(chunks, vectors)
	if err != nil {
		return err
	}

	// Conversation metadata first, then the reserved keys on top so callers
	// cannot shadow them.
	metadata := docstore.Metadata{}
	for k, v := range conv.Metadata {
		metadata[k] = v
	}
	metadata["type"] = DocumentType
	metadata["conversation_id"] = conv.ID.String()
	if conv.CustomerName != "" {
		metadata["customer_name"] = conv.CustomerName
	}
	if conv.ProductID != "" {
		metadata["product_id"] = conv.ProductID
	}
	if !conv.EndedAt.IsZero() {
		metadata["ended_at"] = conv.EndedAt.Format("2006-01-02T15:04:05Z07:00")
	}

	title := fmt.Sprintf("Conversation %s", conv.ID)
	if conv.CustomerName != "" {
		title = fmt.Sprintf("Conversation with %s (%s)", conv.CustomerName, conv.ID)
	}
	doc, stored, err := w.store.StoreWithChunks(ctx, title, transcript, data, metadata)
	if err != nil {
		return fmt.Errorf("storing transcript: %w", err)
	}

	w.logger.Debug("archived conversation",
		"conversation", conv.ID, "document", doc.ID, "chunks", len(stored))
	return nil
}

// Transcript renders the conversation as plain text, one "ROLE: content"
// paragraph per message.
func Transcript(conv conversation.Conversation) string {
	lines := make([]string, len(conv.Messages))
	for i, msg := range conv.Messages {
		lines[i] = strings.ToUpper(string(msg.Role)) + ": " + msg.Content
	}
	return strings.Join(lines, "\n\n")
}
