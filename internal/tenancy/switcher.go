package tenancy

import (
	"context"
	"errors"
	"fmt"

	"github.com/EternisAI/silo-overlay/internal/db"
	"github.com/google/uuid"
)

type Directory interface {
	Get(ctx context.Context, id uuid.UUID) (*Tenant, error)
}

// UnitOfWork runs fn in one transaction whose search_path is the given schema.
// The prior search_path must be back in place once InNamespace returns.
type UnitOfWork interface {
	InNamespace(ctx context.Context, schema string, fn func(tx db.DBTX) error) error
}

type Switcher struct {
	directory Directory
	uow       UnitOfWork
}

func NewSwitcher(directory Directory, uow UnitOfWork) *Switcher {
	return &Switcher{
		directory: directory,
		uow:       uow,
	}
}

// WithTenant runs fn confined to the tenant's namespace. A nested call for the
// same tenant reuses the open scope; a nested call for another tenant fails.
func (s *Switcher) WithTenant(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context) error) error {
	if current, ok := db.ScopeFrom(ctx); ok {
		if current.TenantID == tenantID {
			return fn(ctx)
		}
		return fmt.Errorf("%w: scoped to %s, requested %s", ErrCrossTenantScope, current.TenantID, tenantID)
	}

	tenant, err := s.directory.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			return fmt.Errorf("%w: %v", ErrTenantUnavailable, err)
		}
		return fmt.Errorf("failed to resolve tenant: %w", err)
	}
	if err := tenant.Available(); err != nil {
		return err
	}
	if err := ValidateSchemaName(tenant.SchemaName); err != nil {
		return fmt.Errorf("%w: %v", ErrTenantUnavailable, err)
	}

	return s.uow.InNamespace(ctx, tenant.SchemaName, func(tx db.DBTX) error {
		return fn(db.WithScope(ctx, db.Scope{
			TenantID: tenant.ID,
			Schema:   tenant.SchemaName,
			Tx:       tx,
		}))
	})
}
