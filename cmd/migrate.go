package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spenser-ai/spenser/db"
	"github.com/spenser-ai/spenser/internal/config"
)

// runMigrate applies pending database migrations and exits. The serve path
// also migrates on startup; this command exists for deploy pipelines that
// migrate before rolling the service.
func runMigrate() error {
	logger := initLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	logger.Info("migrations applied")
	return nil
}
