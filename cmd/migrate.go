package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sagedesk/sage/db"
	"github.com/sagedesk/sage/internal/config"
	"github.com/sagedesk/sage/internal/log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if debugFlag || os.Getenv("DEBUG") != "" {
			level = slog.LevelDebug
		}
		logger := log.New(log.Config{Level: level})

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
			return err
		}

		fmt.Println("Database schema is up to date.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
