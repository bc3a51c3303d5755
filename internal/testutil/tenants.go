package testutil

import (
	"context"
	"sync"

	"github.com/EternisAI/silo-overlay/internal/db"
	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/google/uuid"
)

// Tenants is an in-memory tenancy.Directory.
type Tenants struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]*tenancy.Tenant
}

func NewTenants() *Tenants {
	return &Tenants{tenants: make(map[uuid.UUID]*tenancy.Tenant)}
}

// AddTenant registers a ready tenant with the given slug.
func (d *Tenants) AddTenant(slug string) *tenancy.Tenant {
	t := &tenancy.Tenant{
		ID:                 uuid.New(),
		Name:               slug,
		Slug:               slug,
		SchemaName:         "tenant_" + slug,
		IsActive:           true,
		SubscriptionStatus: "active",
		NamespaceReady:     true,
	}
	d.mu.Lock()
	d.tenants[t.ID] = t
	d.mu.Unlock()
	return t
}

func (d *Tenants) Suspend(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tenants[id]; ok {
		t.IsSuspended = true
	}
}

func (d *Tenants) Get(_ context.Context, id uuid.UUID) (*tenancy.Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[id]
	if !ok {
		return nil, tenancy.ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (d *Tenants) List(_ context.Context) ([]*tenancy.Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result := make([]*tenancy.Tenant, 0, len(d.tenants))
	for _, t := range d.tenants {
		cp := *t
		result = append(result, &cp)
	}
	return result, nil
}

// UnitOfWork runs fn directly; the fakes read the tenant from the scope.
type UnitOfWork struct {
	mu    sync.Mutex
	Units int
}

func (u *UnitOfWork) InNamespace(_ context.Context, _ string, fn func(tx db.DBTX) error) error {
	u.mu.Lock()
	u.Units++
	u.mu.Unlock()
	return fn(nil)
}

// NewSwitcher wires a real switcher over the in-memory directory.
func NewSwitcher(tenants *Tenants) *tenancy.Switcher {
	return tenancy.NewSwitcher(tenants, &UnitOfWork{})
}
