// Package db manages the optional PostgreSQL connection used for persisted
// service logs.
package db

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otherjamesbrown/penf-transcripts/pkg/retry"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"-"`
	MaxConnIdleTime time.Duration `yaml:"-"`
	ConnectTimeout  time.Duration `yaml:"-"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "penf_transcripts",
		User:            "penf",
		SSLMode:         "disable",
		MaxConns:        4,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// ConnectionString builds a PostgreSQL connection URL from the config.
func (c *Config) ConnectionString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	q.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	u.RawQuery = q.Encode()
	return u.String()
}

// Validate checks that the config can be used to connect.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Port)
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.MaxConns < c.MinConns {
		return fmt.Errorf("max connections (%d) must be >= min connections (%d)", c.MaxConns, c.MinConns)
	}
	return nil
}

// Connect creates a connection pool and verifies it with a ping.
// The caller must Close the pool.
func Connect(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// ConnectWithRetry retries Connect according to policy.
func ConnectWithRetry(ctx context.Context, cfg *Config, policy retry.Policy) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	var lastErr error

	attempts, err := retry.Poll(ctx, policy, retry.Sleep, func(ctx context.Context, _ int) (bool, error) {
		p, err := Connect(ctx, cfg)
		if err != nil {
			lastErr = err
			return false, nil
		}
		pool = p
		return true, nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return nil, fmt.Errorf("failed to connect after %d attempts: %w", attempts, lastErr)
	}
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// Close closes pool if it is not nil.
func Close(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}
