package tenancy

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Tenant struct {
	ID                 uuid.UUID
	Name               string
	Slug               string
	SchemaName         string
	IsActive           bool
	IsSuspended        bool
	SubscriptionStatus string
	NamespaceReady     bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// Available reports why a tenant cannot be scoped, or nil when it can.
func (t *Tenant) Available() error {
	switch {
	case t.DeletedAt != nil:
		return fmt.Errorf("%w: tenant %s is deleted", ErrTenantUnavailable, t.ID)
	case !t.IsActive:
		return fmt.Errorf("%w: tenant %s is inactive", ErrTenantUnavailable, t.ID)
	case t.IsSuspended:
		return fmt.Errorf("%w: tenant %s is suspended", ErrTenantUnavailable, t.ID)
	case !t.NamespaceReady || t.SchemaName == "":
		return fmt.Errorf("%w: tenant %s has no namespace", ErrTenantUnavailable, t.ID)
	}
	return nil
}

func (t *Tenant) Owner() Owner {
	return Owner{Kind: OwnerTenant, ID: t.ID, TenantID: t.ID}
}
