package tenancy

import (
	"fmt"

	"github.com/google/uuid"
)

// OwnerKind names the collaborator that directly owns an entity.
type OwnerKind string

const (
	OwnerTenant OwnerKind = "tenant"
	OwnerTunnel OwnerKind = "tunnel"
	OwnerDevice OwnerKind = "device"
)

// Owner is the resolved ownership of an entity: its direct owner plus the
// tenant at the root of the chain.
type Owner struct {
	Kind     OwnerKind
	ID       uuid.UUID
	TenantID uuid.UUID
}

type Owned interface {
	Owner() Owner
}

// Authorize fails with ErrNotOwner unless the entity belongs to tenantID.
func Authorize(o Owned, tenantID uuid.UUID) error {
	owner := o.Owner()
	if owner.TenantID == uuid.Nil || owner.TenantID != tenantID {
		return fmt.Errorf("%w: %s %s", ErrNotOwner, owner.Kind, owner.ID)
	}
	return nil
}
