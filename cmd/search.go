package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sagedesk/sage/internal/docstore"
	"github.com/sagedesk/sage/internal/search"
)

var (
	searchLimit     int
	searchThreshold float64
	searchWindow    int
	searchProduct   string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search stored documents by semantic similarity",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := search.Options{
			Limit:         searchLimit,
			Threshold:     searchThreshold,
			ContextWindow: searchWindow,
		}
		if opts.Limit == 0 {
			opts.Limit = a.cfg.SearchLimit
		}
		if opts.Threshold == 0 {
			opts.Threshold = a.cfg.SimilarityThreshold
		}
		if opts.ContextWindow == 0 {
			opts.ContextWindow = a.cfg.ContextWindow
		}
		if searchProduct != "" {
			opts.Filter = docstore.Metadata{"product_id": searchProduct}
		}

		results, err := a.engine.Search(ctx, strings.Join(args, " "), opts)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No results above the similarity threshold.")
			return nil
		}

		for _, r := range results {
			if r.IsContext {
				fmt.Printf("  [context] doc %s chunk %d\n", r.Chunk.DocumentID, r.Chunk.Ordinal)
			} else {
				fmt.Printf("[%.3f] doc %s chunk %d\n", r.Similarity, r.Chunk.DocumentID, r.Chunk.Ordinal)
			}
			fmt.Printf("    %s\n", snippet(r.Chunk.Content, 200))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "maximum primary results (default from config)")
	searchCmd.Flags().Float64Var(&searchThreshold, "threshold", 0, "similarity threshold in [0,1) (default from config)")
	searchCmd.Flags().IntVar(&searchWindow, "window", 0, "adjacent chunks included per result, -1 disables")
	searchCmd.Flags().StringVar(&searchProduct, "product", "", "restrict to documents with this product ID")
	rootCmd.AddCommand(searchCmd)
}

// snippet flattens whitespace and truncates s for single-line display.
func snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
