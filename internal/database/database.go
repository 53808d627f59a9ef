// Package database wires up the PostgreSQL connection pool for the
// application. Connect runs embedded migrations, builds a pgxpool with
// production defaults, and verifies connectivity with a ping. Startup
// failures are retried with exponential backoff so the server survives a
// database that is still booting (the common case under docker-compose).
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spenser-ai/spenser/db"
	"github.com/spenser-ai/spenser/internal/config"
	"github.com/spenser-ai/spenser/internal/log"
	"github.com/spenser-ai/spenser/internal/store"
)

// Connect runs migrations and returns a verified connection pool.
// The whole sequence (migrate, pool, ping) is retried up to
// cfg.ConnectAttempts times with exponential backoff starting at
// cfg.ConnectDelaySecs seconds. Exhausting the retry budget reports
// store.ErrStorageUnavailable. The caller owns the returned pool and must
// Close it.
func Connect(ctx context.Context, cfg *config.Config, logger log.Logger) (*pgxpool.Pool, error) {
	attempts := cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(cfg.ConnectDelaySecs) * time.Second
	if delay <= 0 {
		delay = time.Second
	}

	var pool *pgxpool.Pool
	err := withRetry(ctx, logger, attempts, delay, func(ctx context.Context) error {
		var err error
		pool, err = connectOnce(ctx, cfg, logger)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to database after %d attempts: %w",
			store.ErrStorageUnavailable, attempts, err)
	}

	return pool, nil
}

func connectOnce(ctx context.Context, cfg *config.Config, logger log.Logger) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// withRetry runs op up to attempts times, sleeping initialDelay, 2x, 4x...
// between failures. The context cancels both the operation and the sleep.
func withRetry(ctx context.Context, logger log.Logger, attempts int, initialDelay time.Duration, op func(context.Context) error) error {
	var lastErr error
	delay := initialDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == attempts {
			break
		}

		logger.Warn("database connection attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"retry_in", delay,
			"error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return lastErr
}
