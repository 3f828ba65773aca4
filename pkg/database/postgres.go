// Package database provides database connection utilities.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PoolConfig holds pool sizing. Zero values keep pgx defaults.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPostgresPool creates a new PostgreSQL connection pool and verifies
// connectivity with a ping. pgvector types are registered on every connection
// so repositories can scan vector columns directly.
func NewPostgresPool(ctx context.Context, databaseURL string, cfg *PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	if cfg != nil {
		if cfg.MaxConns > 0 {
			poolConfig.MaxConns = cfg.MaxConns
		}

		if cfg.MinConns > 0 {
			poolConfig.MinConns = cfg.MinConns
		}

		if cfg.MaxConnLifetime > 0 {
			poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
		}
	}

	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvec.RegisterTypes(ctx, conn); err != nil {
			return fmt.Errorf("register pgvector types: %w", err)
		}

		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Successfully connected to PostgreSQL")

	return pool, nil
}
