// Package postgres provides Postgres-backed persistence for job snapshots and
// the per-page ingestion ledger.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the shared connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	JobsTable       string        `mapstructure:"jobs_table"`
	PagesTable      string        `mapstructure:"pages_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Pool is the subset of *pgxpool.Pool the stores use.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Connect opens a pool using cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the jobs and pages tables when they are missing.
func EnsureSchema(ctx context.Context, pool Pool, jobsTable, pagesTable string) error {
	jobsTable, err := tableName(jobsTable, defaultJobsTable)
	if err != nil {
		return err
	}
	pagesTable, err = tableName(pagesTable, defaultPagesTable)
	if err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          text PRIMARY KEY,
	job_type    text NOT NULL,
	status      text NOT NULL,
	phase       text NOT NULL DEFAULT '',
	message     text NOT NULL DEFAULT '',
	percentage  double precision NOT NULL DEFAULT 0,
	params      jsonb,
	result      jsonb,
	error_text  text NOT NULL DEFAULT '',
	created_at  timestamptz NOT NULL,
	updated_at  timestamptz NOT NULL
)`, jobsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	job_id       text NOT NULL,
	url          text NOT NULL,
	site         text NOT NULL,
	outcome      text NOT NULL,
	content_hash text NOT NULL DEFAULT '',
	chunks       integer NOT NULL DEFAULT 0,
	bytes        bigint NOT NULL DEFAULT 0,
	error_text   text NOT NULL DEFAULT '',
	recorded_at  timestamptz NOT NULL
)`, pagesTable),
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func tableName(name, fallback string) (string, error) {
	if name == "" {
		name = fallback
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}
