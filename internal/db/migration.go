package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

//go:embed tenant_migrations/*.sql
var embedTenantMigrations embed.FS

// RunMigrations applies the shared public-schema migrations.
func RunMigrations(dbURL string) error {
	slog.Info("Running database migrations...")

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}

	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return err
	}

	slog.Info("Database migrations completed successfully")
	return nil
}

// MigrateTenant creates the tenant schema if needed and applies the tenant
// migrations inside it. Each schema keeps its own goose version table.
func MigrateTenant(ctx context.Context, dbURL string, schema string) error {
	connConfig, err := pgx.ParseConfig(dbURL)
	if err != nil {
		return fmt.Errorf("unable to parse database config: %w", err)
	}
	connConfig.RuntimeParams["search_path"] = schema

	db := stdlib.OpenDB(*connConfig)
	defer db.Close()

	if err := ensureSchemaExists(ctx, db, schema); err != nil {
		return err
	}

	fsys, err := fs.Sub(embedTenantMigrations, "tenant_migrations")
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to migrate schema %s: %w", schema, err)
	}

	slog.Info("Tenant migrations applied", "schema", schema, "applied", len(results))
	return nil
}

func ensureSchemaExists(ctx context.Context, db *sql.DB, schema string) error {
	query := "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{schema}.Sanitize()
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", schema, err)
	}
	slog.Info("Schema is ready", "schema", schema)
	return nil
}
