package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Inspect and manage stored documents",
}

var docsShowCmd = &cobra.Command{
	Use:   "show <document-id>",
	Short: "Show a stored document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		docID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid document ID %q: %w", args[0], err)
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		doc, err := a.store.GetDocument(ctx, docID)
		if err != nil {
			return err
		}

		fmt.Printf("Title:    %s\n", doc.Title)
		fmt.Printf("Version:  %d\n", doc.Version)
		fmt.Printf("Created:  %s\n", doc.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Updated:  %s\n", doc.UpdatedAt.Format("2006-01-02 15:04:05"))
		if len(doc.Metadata) > 0 {
			fmt.Println("Metadata:")
			for k, v := range doc.Metadata {
				fmt.Printf("  %s: %v\n", k, v)
			}
		}
		fmt.Printf("\n%s\n", doc.Content)
		return nil
	},
}

var docsChunksCmd = &cobra.Command{
	Use:   "chunks <document-id>",
	Short: "List a document's chunks in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		docID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid document ID %q: %w", args[0], err)
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		chunks, err := a.store.GetChunks(ctx, docID)
		if err != nil {
			return err
		}
		if len(chunks) == 0 {
			fmt.Println("No chunks stored for this document.")
			return nil
		}

		for _, c := range chunks {
			fmt.Printf("[%d] %s\n", c.Ordinal, snippet(c.Content, 160))
		}
		return nil
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Delete a document and all its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		docID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid document ID %q: %w", args[0], err)
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.Delete(ctx, docID); err != nil {
			return err
		}
		fmt.Printf("Deleted document %s\n", docID)
		return nil
	},
}

func init() {
	docsCmd.AddCommand(docsShowCmd, docsChunksCmd, docsDeleteCmd)
	rootCmd.AddCommand(docsCmd)
}
