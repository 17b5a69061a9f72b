// Package postgres implements the relational stores: periods, assignments,
// processed-assignment history, the read-model projection, definitions and
// orchestration checkpoints.
package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lumotrack/audience-engine/internal/config"
)

// Client wraps a pgx connection pool and a dollar-placeholder statement
// builder shared by every repository in this package.
type Client struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// builder is the shared squirrel statement builder.
var builder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// NewClient creates a new Postgres client with the given configuration
func NewClient(ctx context.Context, cfg *config.Postgres, log *zap.Logger) (*Client, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info("Postgres connection established successfully")
	return &Client{pool: pool, log: log}, nil
}

// Pool returns the underlying connection pool
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Ping checks if the connection is alive
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close closes the connection pool
func (c *Client) Close() {
	c.log.Info("Closing Postgres connection pool")
	c.pool.Close()
}

// InitSchema creates the engine's relational tables if they do not exist
func (c *Client) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS computed_property_period (
			workspace_id TEXT NOT NULL,
			step TEXT NOT NULL,
			type TEXT NOT NULL,
			computed_property_id TEXT NOT NULL,
			version TEXT NOT NULL,
			from_ts TIMESTAMPTZ,
			to_ts TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS computed_property_period_lookup
			ON computed_property_period (workspace_id, step, computed_property_id, version, to_ts DESC)`,
		`CREATE TABLE IF NOT EXISTS computed_property_assignment (
			workspace_id TEXT NOT NULL,
			type TEXT NOT NULL,
			computed_property_id TEXT NOT NULL,
			version TEXT NOT NULL,
			user_id TEXT NOT NULL,
			segment_value BOOLEAN NOT NULL DEFAULT FALSE,
			property_value TEXT NOT NULL DEFAULT '',
			max_event_time TIMESTAMPTZ,
			assigned_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (workspace_id, computed_property_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS processed_computed_property (
			workspace_id TEXT NOT NULL,
			type TEXT NOT NULL,
			computed_property_id TEXT NOT NULL,
			version TEXT NOT NULL,
			user_id TEXT NOT NULL,
			consumer_type TEXT NOT NULL,
			consumer_id TEXT NOT NULL,
			value TEXT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (workspace_id, computed_property_id, user_id, consumer_type, consumer_id)
		)`,
		`CREATE TABLE IF NOT EXISTS computed_property_projection (
			workspace_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			computed_property_id TEXT NOT NULL,
			type TEXT NOT NULL,
			segment_value BOOLEAN NOT NULL DEFAULT FALSE,
			property_value TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (workspace_id, user_id, computed_property_id)
		)`,
		`CREATE TABLE IF NOT EXISTS orchestration_checkpoint (
			key TEXT PRIMARY KEY,
			payload BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS signal_outbox (
			workflow_id TEXT NOT NULL,
			dedup_key TEXT NOT NULL,
			signal_name TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			dispatched_at TIMESTAMPTZ,
			attempts INT NOT NULL DEFAULT 0,
			PRIMARY KEY (workflow_id, dedup_key)
		)`,
	}

	for _, stmt := range statements {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to init postgres schema: %w", err)
		}
	}

	c.log.Info("Postgres schema initialized")
	return nil
}
