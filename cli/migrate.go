package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crmkit/knowledge/engine/infra/postgres"
	"github.com/crmkit/knowledge/engine/infra/server"
	"github.com/crmkit/knowledge/pkg/config"
	"github.com/crmkit/knowledge/pkg/logger"
)

// MigrateCmd manages the postgres schema.
func MigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the knowledge database schema",
	}
	cmd.AddCommand(
		migrateDirectionCmd(postgres.MigrateUp, "Apply all pending migrations"),
		migrateDirectionCmd(postgres.MigrateDown, "Roll back the most recent migration"),
		migrateDirectionCmd(postgres.MigrateStatus, "Show applied and pending migrations"),
	)
	return cmd
}

func migrateDirectionCmd(direction postgres.MigrationDirection, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(direction),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := config.FromContext(ctx)
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrations require the postgres driver, got %q", cfg.Database.Driver)
			}
			if err := postgres.RunMigrations(ctx, server.PostgresConfig(cfg).DSN(), direction); err != nil {
				return err
			}
			logger.FromContext(ctx).Info("Migration finished", "direction", direction)
			return nil
		},
	}
}
