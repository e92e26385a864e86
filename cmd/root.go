// Package cmd implements the sage command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var debugFlag bool

var rootCmd = &cobra.Command{
	Use:   "sage",
	Short: "Sage - retrieval-augmented customer support assistant",
	Long: `Sage ingests documentation into a pgvector-backed store, retrieves
the chunks relevant to a question, and drives support conversations whose
prompts are grounded in that retrieved context.

Run "sage ingest" to add documents, "sage search" to query them directly,
and "sage chat" for an interactive support conversation.`,
	SilenceUsage: true,
}

// Execute runs the root command. Called from main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
}
