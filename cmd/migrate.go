package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/internal/config"
	"github.com/xkilldash9x/osint-tracer/internal/observability"
	"github.com/xkilldash9x/osint-tracer/internal/service"
)

// migrator is the part of the entity store the migrate command needs.
type migrator interface {
	Migrate(ctx context.Context) error
}

// openMigrator is replaced in tests.
var openMigrator = func(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (migrator, func(), error) {
	st, pool, err := service.InitializeStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { closePool(pool) }, nil
}

func closePool(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the entity store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			if err := runMigrate(ctx, configFrom(ctx).Database(), logger); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
			return err
		},
	}
}

func runMigrate(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) error {
	m, closeFn, err := openMigrator(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open entity store: %w", err)
	}
	defer closeFn()

	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Entity store schema migrated.")
	return nil
}
