package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/tideline/internal/db"
	"github.com/livinlefevreloca/tideline/tools/migrator"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			database, err := db.OpenWithConfig(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer database.Close()

			version, err := database.Migrate(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			applied, err := migrator.GetAppliedMigrations(cmd.Context(), database.DB)
			if err != nil {
				return err
			}
			logger.Info("database schema ready", "version", version, "applied", len(applied))
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
}
