package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the PostgreSQL and ClickHouse schemas and seed default pricing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			return a.migrate(cmd.Context())
		},
	}
}

func (a *app) migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating postgres: %w", err)
	}
	if err := a.db.SeedPricing(ctx); err != nil {
		a.logger.Warn("failed to seed pricing data", "error", err.Error())
	}
	a.logger.Info("postgres migrations applied")

	if a.ch != nil {
		if err := a.ch.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating clickhouse: %w", err)
		}
		a.logger.Info("clickhouse migrations applied")
	}
	return nil
}
