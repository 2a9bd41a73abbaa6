package main

import (
	"context"
	"fmt"

	"github.com/geolake/geolake/pkg/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db and seed the roles and the artifact storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, release, err := setup("migrate", true)
		if err != nil {
			return err
		}
		defer release()

		return migrate(cmd.Context(), c)
	},
}

func migrate(ctx context.Context, c *components) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, s := c.cfg, c.store

	if cfg.Database.Type == "pgsql" {
		if err := migrations.MigrateStore(c.db, cfg.Service.MigrationFolder); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	} else if err := s.InitialMigration(ctx); err != nil {
		return fmt.Errorf("running initial migration: %w", err)
	}

	_, storage, err := artifactStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing artifact store: %w", err)
	}
	if err := s.Seed(ctx, storage); err != nil {
		return fmt.Errorf("seeding: %w", err)
	}

	zap.S().Named("migrate").Infow("db migrated", "storage", storage.Name)
	return nil
}
