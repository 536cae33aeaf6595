// Package postgres keeps the durable miner history in PostgreSQL: a journal
// of every share outcome and the list of active pool changes.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DefaultConfig returns a configuration for dsn with a small pool; the miner
// writes from a single reporter goroutine.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:          dsn,
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		MaxLifetime:  30 * time.Minute,
	}
}

// NewClient opens the database, checks the connection and creates the
// schema when missing.
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := &Client{db: db}
	if err := c.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Migrate creates the tables and indexes.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS shares (
		id           BIGSERIAL PRIMARY KEY,
		pool         TEXT             NOT NULL,
		pool_uid     BIGINT           NOT NULL,
		algorithm    TEXT             NOT NULL,
		job_id       TEXT             NOT NULL,
		difficulty   DOUBLE PRECISION NOT NULL,
		status       TEXT             NOT NULL,
		reason       TEXT             NOT NULL DEFAULT '',
		latency_ms   DOUBLE PRECISION NOT NULL,
		submitted_at TIMESTAMPTZ      NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS shares_pool_time_idx ON shares (pool, submitted_at DESC)`,
	`CREATE TABLE IF NOT EXISTS pool_switches (
		id          BIGSERIAL PRIMARY KEY,
		algorithm   TEXT        NOT NULL,
		from_index  INTEGER     NOT NULL,
		to_index    INTEGER     NOT NULL,
		from_pool   TEXT        NOT NULL,
		to_pool     TEXT        NOT NULL,
		switched_at TIMESTAMPTZ NOT NULL
	)`,
}
