package tenancy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/EternisAI/silo-overlay/internal/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tenantColumns = `id, name, slug, schema_name, is_active, is_suspended, subscription_status,
	namespace_ready, created_at, updated_at, deleted_at`

// Store is the tenant registry in the public schema.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Create(ctx context.Context, name, slug, schemaName string) (*Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO public.tenants (name, slug, schema_name)
		VALUES ($1, $2, $3)
		RETURNING `+tenantColumns, name, slug, schemaName)
	t, err := scanTenant(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	return t, nil
}

// Get returns the tenant, including soft-deleted rows so callers can tell
// "gone" from "never existed".
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM public.tenants WHERE id = $1`, id)
	t, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

func (s *Store) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM public.tenants
		WHERE slug = $1 AND deleted_at IS NULL`, slug)
	t, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

func (s *Store) List(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tenantColumns+` FROM public.tenants
		WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *Store) MarkNamespaceReady(ctx context.Context, id uuid.UUID) error {
	return s.update(ctx, `UPDATE public.tenants SET namespace_ready = TRUE, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id)
}

func (s *Store) SetSuspended(ctx context.Context, id uuid.UUID, suspended bool) error {
	return s.update(ctx, `UPDATE public.tenants SET is_suspended = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id, suspended)
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// Terminate soft-deletes the tenant, frees its network reservation and drops
// its schema in one transaction.
func (s *Store) Terminate(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var schema string
	err = tx.QueryRow(ctx, `
		UPDATE public.tenants
		SET deleted_at = NOW(), is_active = FALSE, namespace_ready = FALSE, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING schema_name`, id).Scan(&schema)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTenantNotFound
		}
		return fmt.Errorf("failed to soft-delete tenant: %w", err)
	}
	if err := ValidateSchemaName(schema); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM public.tenant_networks WHERE tenant_id = $1`, id); err != nil {
		return fmt.Errorf("failed to release tenant network: %w", err)
	}
	if _, err := tx.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE"); err != nil {
		return fmt.Errorf("failed to drop schema %s: %w", schema, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tenant termination: %w", err)
	}

	slog.Info("Tenant terminated", "tenant_id", id, "schema", schema)
	return nil
}

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(
		&t.ID, &t.Name, &t.Slug, &t.SchemaName, &t.IsActive, &t.IsSuspended, &t.SubscriptionStatus,
		&t.NamespaceReady, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// PgUnitOfWork scopes transactions with a transaction-local search_path, so
// the pooled connection is back on public after commit or rollback.
type PgUnitOfWork struct {
	pool *pgxpool.Pool
}

func NewPgUnitOfWork(pool *pgxpool.Pool) *PgUnitOfWork {
	return &PgUnitOfWork{pool: pool}
}

func (u *PgUnitOfWork) InNamespace(ctx context.Context, schema string, fn func(tx db.DBTX) error) (err error) {
	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		// Rollback must run even when ctx is already cancelled.
		rollbackCtx := context.WithoutCancel(ctx)
		if p := recover(); p != nil {
			_ = tx.Rollback(rollbackCtx)
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(rollbackCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				slog.Warn("Failed to roll back tenant transaction", "schema", schema, "error", rbErr)
			}
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT set_config('search_path', $1, true)`, pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("failed to switch namespace: %w", err)
	}

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tenant transaction: %w", err)
	}
	return nil
}
