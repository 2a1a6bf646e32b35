package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultLockTimeout bounds how long a statement waits on a row lock before
// Postgres reports lock_not_available, which TxManager retries.
const DefaultLockTimeout = 2 * time.Second

// NewPool connects to Postgres and checks the connection. Sessions default to
// DefaultLockTimeout unless the URL sets lock_timeout itself.
func NewPool(ctx context.Context, url string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("database url: %w", err)
	}
	cfg.MaxConns, cfg.MinConns = maxConns, minConns
	cfg.HealthCheckPeriod = 30 * time.Second

	params := cfg.ConnConfig.RuntimeParams
	if params["application_name"] == "" {
		params["application_name"] = "clinic-queue"
	}
	if params["lock_timeout"] == "" {
		params["lock_timeout"] = fmt.Sprintf("%dms", DefaultLockTimeout.Milliseconds())
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("reach database: %w", err)
	}
	return pool, nil
}
