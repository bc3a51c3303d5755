package devices

import (
	"context"
	"testing"

	"github.com/EternisAI/silo-overlay/internal/db"
	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"pending", "provisioning", "online", "offline", "error"} {
		got, err := ParseStatus(s)
		require.NoError(t, err)
		assert.Equal(t, Status(s), got)
	}

	_, err := ParseStatus("active")
	assert.Error(t, err)
}

func TestDevice_Ownership(t *testing.T) {
	tenantID := uuid.New()
	d := &Device{ID: uuid.New(), TenantID: tenantID}

	assert.NoError(t, tenancy.Authorize(d, tenantID))
	assert.ErrorIs(t, tenancy.Authorize(d, uuid.New()), tenancy.ErrNotOwner)
}

func TestService_RequiresScope(t *testing.T) {
	svc := NewService()
	ctx := context.Background()

	_, err := svc.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, db.ErrNoScope)

	err = svc.Create(ctx, &Device{TenantID: uuid.New(), Name: "edge-1"})
	assert.ErrorIs(t, err, db.ErrNoScope)

	err = svc.SetStage(ctx, uuid.New(), "identity")
	assert.ErrorIs(t, err, db.ErrNoScope)
}
