package pgstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezkam/chainq/internal/env"
)

// Config holds PostgreSQL connection settings, loadable from the
// environment.
type Config struct {
	DatabaseURL     string        `env:"CHAINQ_DATABASE_URL"`
	MaxConns        int           `env:"CHAINQ_DB_MAX_CONNS"`         // default 25
	MinConns        int           `env:"CHAINQ_DB_MIN_CONNS"`         // default 5
	ConnMaxLifetime time.Duration `env:"CHAINQ_DB_CONN_MAX_LIFETIME"` // default 5m
	ConnMaxIdleTime time.Duration `env:"CHAINQ_DB_CONN_MAX_IDLE_TIME"` // default 1m
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("CHAINQ_DATABASE_URL is required")
	}
	return nil
}

// LoadConfig reads connection settings from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Load(&cfg); err != nil {
		return Config{}, fmt.Errorf("load pgstate config: %w", err)
	}
	return cfg, nil
}

// Open builds a connection pool from the configuration, verifies the
// connection and returns a migrated Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	maxConns := int32(cfg.MaxConns)
	if maxConns <= 0 {
		maxConns = 25
	}
	minConns := int32(cfg.MinConns)
	if minConns <= 0 {
		minConns = 5
	}
	connMaxLifetime := cfg.ConnMaxLifetime
	if connMaxLifetime <= 0 {
		connMaxLifetime = 5 * time.Minute
	}
	connMaxIdleTime := cfg.ConnMaxIdleTime
	if connMaxIdleTime <= 0 {
		connMaxIdleTime = 1 * time.Minute
	}

	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = minConns
	poolConfig.MaxConnLifetime = connMaxLifetime
	poolConfig.MaxConnIdleTime = connMaxIdleTime

	// All timestamps are stored and compared in UTC.
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET TIMEZONE='UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := NewStore(pool)
	if err := store.MigrateToLatest(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}
