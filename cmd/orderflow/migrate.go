package main

import (
	"fmt"

	"orderflow/internal/config"
	"orderflow/internal/infra/db"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			gormDB, err := connectDB(cfg)
			if err != nil {
				return err
			}
			if err := db.Migrate(gormDB); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated (%s)\n", cfg.DBDriver)
			return nil
		},
	}
}
