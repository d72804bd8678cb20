package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"worktrack-backend/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger := setupLogger(cfg.Logging)

		// opening the store applies any pending migrations
		store, err := openStore(cfg.Database, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", cfg.Database.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
