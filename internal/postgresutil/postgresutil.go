package postgresutil

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	DSN      string `env:"DSN"`
	MaxConns int32  `env:"MAX_CONNS"`
}

func NewPool(ctx context.Context, connectionString string) (*pgxpool.Pool, error) {
	return NewPoolWithConfig(ctx, &Config{DSN: connectionString})
}

func NewPoolWithConfig(ctx context.Context, conf *Config) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(conf.DSN)
	if err != nil {
		return nil, err
	}
	if conf.MaxConns > 0 {
		cfg.MaxConns = conf.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return pool, nil
}
