package tenancy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/EternisAI/silo-overlay/internal/db"
	"github.com/google/uuid"
)

type migrateFunc func(ctx context.Context, dbURL, schema string) error

// Manager owns the tenant namespace lifecycle.
type Manager struct {
	store   *Store
	dbURL   string
	migrate migrateFunc
}

func NewManager(store *Store, dbURL string) *Manager {
	return &Manager{
		store:   store,
		dbURL:   dbURL,
		migrate: db.MigrateTenant,
	}
}

// CreateTenant registers the tenant and provisions its namespace. The schema
// name is fixed at creation and never changes.
func (m *Manager) CreateTenant(ctx context.Context, name, slug string) (*Tenant, error) {
	schema, err := SchemaName(slug)
	if err != nil {
		return nil, err
	}

	tenant, err := m.store.Create(ctx, name, slug, schema)
	if err != nil {
		return nil, err
	}

	if err := m.migrate(ctx, m.dbURL, schema); err != nil {
		return nil, fmt.Errorf("failed to create namespace: %w", err)
	}

	if err := m.store.MarkNamespaceReady(ctx, tenant.ID); err != nil {
		return nil, err
	}
	tenant.NamespaceReady = true

	slog.Info("Tenant created", "tenant_id", tenant.ID, "slug", slug, "schema", schema)
	return tenant, nil
}

func (m *Manager) Suspend(ctx context.Context, id uuid.UUID) error {
	if err := m.store.SetSuspended(ctx, id, true); err != nil {
		return err
	}
	slog.Info("Tenant suspended", "tenant_id", id)
	return nil
}

func (m *Manager) Resume(ctx context.Context, id uuid.UUID) error {
	if err := m.store.SetSuspended(ctx, id, false); err != nil {
		return err
	}
	slog.Info("Tenant resumed", "tenant_id", id)
	return nil
}

func (m *Manager) Terminate(ctx context.Context, id uuid.UUID) error {
	return m.store.Terminate(ctx, id)
}

// MigrateAll brings every live tenant namespace up to the latest migration.
func (m *Manager) MigrateAll(ctx context.Context) error {
	tenants, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	for _, t := range tenants {
		if err := m.migrate(ctx, m.dbURL, t.SchemaName); err != nil {
			return fmt.Errorf("tenant %s: %w", t.Slug, err)
		}
	}
	return nil
}
