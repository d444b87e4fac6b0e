// Package postgres provides the PostgreSQL client and repositories for tokenforge.
// It is the system of record for shares and token completion.
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

// Config holds PostgreSQL connection configuration. URL, when set, takes
// precedence over the individual fields.
type Config struct {
	URL          string
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DSN returns the connection string for lib/pq
func (cfg *Config) DSN() string {
	if cfg.URL != "" {
		return cfg.URL
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode)
}

// NewClient creates a new PostgreSQL client
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
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

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	symbol        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'mining',
	mined_shares  BIGINT NOT NULL DEFAULT 0,
	target_shares BIGINT NOT NULL DEFAULT 1000,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS mining_shares (
	id              UUID PRIMARY KEY,
	token_id        TEXT NOT NULL REFERENCES tokens (id),
	user_id         TEXT NOT NULL,
	seed            TEXT NOT NULL,
	nonce           NUMERIC(20, 0) NOT NULL,
	hash            CHAR(64) NOT NULL UNIQUE,
	difficulty      INTEGER NOT NULL,
	hashes_computed NUMERIC(20, 0) NOT NULL,
	elapsed_ms      BIGINT NOT NULL,
	algo            TEXT NOT NULL,
	is_valid        BOOLEAN NOT NULL DEFAULT true,
	found_at        TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS mining_shares_token_idx ON mining_shares (token_id, found_at DESC);
`

// Migrate creates the tables if they do not exist
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
