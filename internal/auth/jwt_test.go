package auth

import (
	"context"
	"testing"

	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	cfg := Config{JWTSecret: "test-secret", TokenExpiryHours: 1}
	tenantID := uuid.New()

	token, err := GenerateToken(cfg, "ops@acme", RoleOperator, tenantID)
	require.NoError(t, err)

	claims, err := ValidateToken(cfg.JWTSecret, token)
	require.NoError(t, err)
	assert.Equal(t, tenantID, claims.TenantID)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, "ops@acme", claims.Operator)

	_, err = ValidateToken("other-secret", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_RequiresTenant(t *testing.T) {
	cfg := Config{JWTSecret: "test-secret"}
	token, err := GenerateToken(cfg, "ops", RoleOperator, uuid.Nil)
	require.NoError(t, err)

	_, err = ValidateToken(cfg.JWTSecret, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_RejectsOtherAlgorithms(t *testing.T) {
	claims := &Claims{TenantID: uuid.New()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = ValidateToken("test-secret", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGenerateToken_RequiresSecret(t *testing.T) {
	_, err := GenerateToken(Config{}, "ops", RoleOperator, uuid.New())
	assert.Error(t, err)
}

type staticDirectory map[uuid.UUID]*tenancy.Tenant

func (d staticDirectory) Get(_ context.Context, id uuid.UUID) (*tenancy.Tenant, error) {
	t, ok := d[id]
	if !ok {
		return nil, tenancy.ErrTenantNotFound
	}
	return t, nil
}

func TestService_IssueToken(t *testing.T) {
	active := &tenancy.Tenant{ID: uuid.New(), IsActive: true, NamespaceReady: true, SchemaName: "tenant_acme", SubscriptionStatus: "active"}
	suspended := &tenancy.Tenant{ID: uuid.New(), IsActive: true, IsSuspended: true, NamespaceReady: true, SchemaName: "tenant_globex", SubscriptionStatus: "active"}
	svc := NewService(staticDirectory{active.ID: active, suspended.ID: suspended}, Config{JWTSecret: "s"})

	token, err := svc.IssueToken(context.Background(), active.ID, "ops", RoleOperator)
	require.NoError(t, err)
	claims, err := ValidateToken("s", token)
	require.NoError(t, err)
	assert.Equal(t, active.ID, claims.TenantID)

	_, err = svc.IssueToken(context.Background(), suspended.ID, "ops", RoleOperator)
	assert.ErrorIs(t, err, tenancy.ErrTenantUnavailable)

	_, err = svc.IssueToken(context.Background(), uuid.New(), "ops", RoleOperator)
	assert.ErrorIs(t, err, tenancy.ErrTenantNotFound)
}
