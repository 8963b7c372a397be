package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Migrations embeds the goose schema files applied by Migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// NewMigrator returns a goose provider over the embedded migrations, running
// on a database/sql handle borrowed from pool. Closing the provider leaves the
// pool open.
func NewMigrator(pool *pgxpool.Pool) (*goose.Provider, error) {
	fsys, err := fs.Sub(Migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("platform/db: migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, stdlib.OpenDBFromPool(pool), fsys)
	if err != nil {
		return nil, fmt.Errorf("platform/db: migrator: %w", err)
	}
	return provider, nil
}

// Migrate applies every pending migration and returns the applied file names.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	provider, err := NewMigrator(pool)
	if err != nil {
		return nil, err
	}
	defer func() { _ = provider.Close() }()

	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("platform/db: migrate: %w", err)
	}
	applied := make([]string, 0, len(results))
	for _, res := range results {
		applied = append(applied, path.Base(res.Source.Path))
	}
	return applied, nil
}
