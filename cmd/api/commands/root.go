package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nexusdash/api/internal/config"
	"nexusdash/api/internal/logging"
	"nexusdash/api/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "nexusdash",
	Short: "Nexus Dash API server",
	Long: `Nexus Dash serves the project dashboard API: accounts, projects,
kanban tasks, rich-text cards, attachments, search and calendar.

Running without a subcommand starts the HTTP server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Errors are returned to main for printing.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.ExecuteContext(context.Background())
}

// bootstrap loads configuration and builds the process logger.
func bootstrap() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, nil
}

// openStore connects, migrates and returns the store with the migration
// versions applied on this run.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (*store.PostgresStore, []string, func(), error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, store.Pool{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger.Named("migrate"))
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	logger.Info("database ready",
		zap.String("migrations_dir", cfg.MigrationsDir),
		zap.Strings("applied", applied),
		zap.Int("max_open_conns", cfg.Database.MaxOpenConns),
	)
	return store.NewPostgresStore(db), applied, func() { _ = db.Close() }, nil
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, uploadsCmd, searchCmd)
}
