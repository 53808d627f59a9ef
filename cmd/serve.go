package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spenser-ai/spenser/internal/config"
	"github.com/spenser-ai/spenser/internal/database"
	"github.com/spenser-ai/spenser/internal/llm"
	"github.com/spenser-ai/spenser/internal/store"
	"github.com/spenser-ai/spenser/internal/web"
)

// runServe initializes dependencies and starts the HTTP API server.
// Blocks until SIGINT or SIGTERM, then shuts down gracefully.
func runServe() error {
	logger := initLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	addr, err := parseServeAddr(cfg.Addr)
	if err != nil {
		return fmt.Errorf("parsing address: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting spenser", "version", Version, "config", cfg)

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	conversations := store.New(store.NewQueries(pool), pool, logger)

	completer, err := llm.New(llm.Config{
		APIKey:      cfg.LLMAPIKey,
		BaseURL:     cfg.LLMBaseURL,
		Model:       cfg.ModelName,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating completion client: %w", err)
	}

	server, err := web.NewServer(web.ServerConfig{
		Logger:             logger,
		Store:              conversations,
		Completer:          completer,
		Pool:               pool,
		MaxHistoryMessages: int64(cfg.MaxHistoryMessages),
		MaxUploadBytes:     cfg.MaxUploadBytes,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	logger.Info("HTTP server ready",
		"addr", addr,
		"api", "/api/*",
		"health", "/health, /ready",
	)

	return server.Run(ctx, addr)
}
