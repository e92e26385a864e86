package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sagedesk/sage/internal/docstore"
)

var (
	ingestTitle       string
	ingestStrategy    string
	ingestContentType string
	ingestProduct     string
	ingestReplace     string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Chunk, embed and store documents",
	Long: `Ingest reads each file (or stdin when no file is given), splits it into
chunks, embeds them and stores document plus chunks in one transaction.

With --replace <document-id> the content of an existing document is replaced
and its version incremented; this mode accepts exactly one input.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "document title (defaults to the file name)")
	ingestCmd.Flags().StringVar(&ingestStrategy, "strategy", "", "chunking strategy: simple, sentence, paragraph, markdown")
	ingestCmd.Flags().StringVar(&ingestContentType, "content-type", "", "content type hint: text, markdown, html")
	ingestCmd.Flags().StringVar(&ingestProduct, "product", "", "product ID recorded in document metadata")
	ingestCmd.Flags().StringVar(&ingestReplace, "replace", "", "replace the content of an existing document ID")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	inputs, err := readIngestInputs(args)
	if err != nil {
		return err
	}

	if ingestReplace != "" {
		if len(inputs) != 1 {
			return fmt.Errorf("--replace accepts exactly one input, got %d", len(inputs))
		}
		return replaceDocument(ctx, a, ingestReplace, inputs[0].content)
	}

	bulk := make([]docstore.BulkDocument, 0, len(inputs))
	for _, in := range inputs {
		contentType := ingestContentType
		if contentType == "" {
			contentType = contentTypeFromName(in.name)
		}

		chunks, vectors, err := a.pipeline.EmbedText(ctx, in.content, chunkConfig(a.cfg, ingestStrategy, contentType))
		if err != nil {
			return fmt.Errorf("embedding %s: %w", in.name, err)
		}
		data, err := docstore.PairChunks(chunks, vectors)
		if err != nil {
			return err
		}

		title := ingestTitle
		if title == "" {
			title = in.name
		}
		metadata := docstore.Metadata{"source": in.name}
		if ingestProduct != "" {
			metadata["product_id"] = ingestProduct
		}

		bulk = append(bulk, docstore.BulkDocument{
			Title:    title,
			Content:  in.content,
			Chunks:   data,
			Metadata: metadata,
		})
	}

	var failed int
	for i, res := range a.store.StoreBulk(ctx, bulk) {
		if res.Err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "FAILED %s: %v\n", inputs[i].name, res.Err)
			continue
		}
		fmt.Printf("Stored %q as %s (%d chunks)\n", res.Document.Title, res.Document.ID, len(res.Chunks))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(bulk))
	}
	return nil
}

func replaceDocument(ctx context.Context, a *app, idStr, content string) error {
	docID, err := uuid.Parse(idStr)
	if err != nil {
		return fmt.Errorf("invalid document ID %q: %w", idStr, err)
	}

	chunks, vectors, err := a.pipeline.EmbedText(ctx, content, chunkConfig(a.cfg, ingestStrategy, ingestContentType))
	if err != nil {
		return fmt.Errorf("embedding replacement content: %w", err)
	}
	data, err := docstore.PairChunks(chunks, vectors)
	if err != nil {
		return err
	}

	doc, stored, err := a.store.UpdateWithChunks(ctx, docID, content, data, true)
	if err != nil {
		return err
	}
	fmt.Printf("Replaced %q, now version %d (%d chunks)\n", doc.Title, doc.Version, len(stored))
	return nil
}

type ingestInput struct {
	name    string
	content string
}

// readIngestInputs loads the named files, or stdin when none are given.
func readIngestInputs(args []string) ([]ingestInput, error) {
	if len(args) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		if strings.TrimSpace(string(data)) == "" {
			return nil, fmt.Errorf("no input: pass file paths or pipe content to stdin")
		}
		return []ingestInput{{name: "stdin", content: string(data)}}, nil
	}

	inputs := make([]ingestInput, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		inputs = append(inputs, ingestInput{name: filepath.Base(path), content: string(data)})
	}
	return inputs, nil
}

// contentTypeFromName guesses a content type from the file extension.
func contentTypeFromName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return "markdown"
	case ".html", ".htm":
		return "html"
	default:
		return "text"
	}
}
