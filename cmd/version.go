package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sagedesk/sage/internal/config"
)

// Version information (injected at build time via ldflags).
var (
	AppVersion = "development"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and configuration information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Sage %s\n", AppVersion)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		fmt.Println()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Model: %s\n", cfg.ModelName)
		fmt.Printf("  Embedder: %s\n", cfg.EmbedderModel)
		fmt.Printf("  Chunk size/overlap: %d/%d\n", cfg.ChunkSize, cfg.ChunkOverlap)
		fmt.Printf("  Similarity threshold: %g\n", cfg.SimilarityThreshold)
		fmt.Printf("  Database: %s:%d/%s\n", cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDBName)

		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			fmt.Println("  GEMINI_API_KEY: configured")
		} else {
			fmt.Println("  GEMINI_API_KEY: not set")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
