package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"logbook/api/internal/config"
	"logbook/api/internal/logging"
	"logbook/api/internal/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env holds what every subcommand needs. The caller must call close.
type env struct {
	cfg    config.Config
	db     *sql.DB
	logger zerolog.Logger
}

func (e *env) close() {
	if e.db != nil {
		_ = e.db.Close()
	}
}

// openEnv loads configuration and connects to Postgres. Maintenance commands
// have no meaning against the in-memory backend.
func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.StoreBackend != "postgres" {
		return nil, fmt.Errorf("logbookctl needs STORE_BACKEND=postgres, got %q", cfg.StoreBackend)
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, db: db, logger: logging.New(cfg.Env, cfg.LogLevel)}, nil
}

var rootCmd = &cobra.Command{
	Use:           "logbookctl",
	Short:         "Operate a logbook API deployment",
	SilenceUsage:  true,
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	schemaCmd.AddCommand(schemaDumpCmd)
	schemaDumpCmd.Flags().StringSliceVar(&schemaPages, "page", nil, "page types to include (default all)")
	reindexCmd.Flags().StringSliceVar(&reindexLogbooks, "logbook", nil, "logbook IDs whose sections are reindexed")
	reindexCmd.Flags().BoolVar(&reindexMedia, "media", true, "also reindex gallery media")
	rootCmd.AddCommand(migrateCmd, pruneCmd, schemaCmd, reindexCmd)
}
