package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema holds the bundled forward-only SQL files of the consolidated store.
//
//go:embed schema/*.sql
var Schema embed.FS

// MigrationPool is the minimal interface required to open a transaction.
// *pgxpool.Pool satisfies this interface.
type MigrationPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PoolOption adjusts a pool configuration before the pool is created.
type PoolOption func(*pgxpool.Config)

// WithMinMaxConns raises the pool's MaxConns to at least n.
func WithMinMaxConns(n int32) PoolOption {
	return func(cfg *pgxpool.Config) {
		if cfg.MaxConns < n {
			cfg.MaxConns = n
		}
	}
}

// ParsePoolConfig parses databaseURL, tags sessions with appName and applies opts.
func ParsePoolConfig(databaseURL, appName string, opts ...PoolOption) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if appName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = appName
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg, nil
}

// Connect opens a pgxpool connection tagged with appName and verifies it with a ping.
func Connect(ctx context.Context, databaseURL, appName string, opts ...PoolOption) (*pgxpool.Pool, error) {
	cfg, err := ParsePoolConfig(databaseURL, appName, opts...)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pgxpool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify("pinging database", err)
	}

	return pool, nil
}

// RunMigrations reads all .sql files from dir within fsys in lexicographic
// order and executes them against the pool. Each file runs in its own transaction.
func RunMigrations(ctx context.Context, pool MigrationPool, fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("reading migrations dir %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, path.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, f := range files {
		sql, err := fs.ReadFile(fsys, f)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", f, err)
		}

		if err := runInTx(ctx, pool, string(sql)); err != nil {
			return fmt.Errorf("executing migration %s: %w", f, err)
		}
	}

	return nil
}

// ApplySchema runs the bundled schema files.
func ApplySchema(ctx context.Context, pool MigrationPool) error {
	return RunMigrations(ctx, pool, Schema, "schema")
}

// runInTx runs the given SQL in a transaction, rolling back on failure.
func runInTx(ctx context.Context, pool MigrationPool, sql string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if _, err := tx.Exec(ctx, sql); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("executing SQL: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}
