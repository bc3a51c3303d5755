package tenancy

import "errors"

var (
	ErrTenantUnavailable = errors.New("tenant unavailable")
	ErrCrossTenantScope  = errors.New("already scoped to a different tenant")
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrInvalidSchemaName = errors.New("invalid schema name")
	ErrNotOwner          = errors.New("resource belongs to another tenant")
)
