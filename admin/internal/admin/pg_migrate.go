package admin

import (
	"context"
	"log/slog"

	"github.com/malbeclabs/kpivest/api/config"
	kvpostgres "github.com/malbeclabs/kpivest/ledger/pkg/kv/postgres"
)

// PgMigrateUp runs all pending PostgreSQL migrations
func PgMigrateUp(ctx context.Context, log *slog.Logger, cfg config.PgConfig) error {
	log.Info("running PostgreSQL migrations (up)", "host", cfg.Host, "database", cfg.Database)
	return kvpostgres.Migrate(ctx, log, cfg.ConnString())
}

// PgMigrateDown rolls back the last PostgreSQL migration
func PgMigrateDown(ctx context.Context, log *slog.Logger, cfg config.PgConfig) error {
	log.Info("rolling back PostgreSQL migration (down)", "host", cfg.Host, "database", cfg.Database)
	return kvpostgres.MigrateDown(ctx, log, cfg.ConnString())
}

// PgMigrateStatus shows the status of all PostgreSQL migrations
func PgMigrateStatus(ctx context.Context, log *slog.Logger, cfg config.PgConfig) error {
	log.Info("PostgreSQL migration status", "host", cfg.Host, "database", cfg.Database)
	return kvpostgres.MigrationStatus(ctx, cfg.ConnString())
}
