package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-overlay/internal/api/http/dto"
	"github.com/EternisAI/silo-overlay/internal/auth"
	"github.com/EternisAI/silo-overlay/internal/ipam"
	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/EternisAI/silo-overlay/internal/tunnel"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type TenantLifecycle interface {
	Suspend(ctx context.Context, id uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID) error
	Terminate(ctx context.Context, id uuid.UUID) error
}

type RunCanceller interface {
	CancelTenant(tenantID uuid.UUID) int
	ForgetTenant(tenantID uuid.UUID) error
}

type PoolReporter interface {
	PoolUsage(ctx context.Context, tenantID uuid.UUID) (*ipam.Pool, error)
}

type TokenIssuer interface {
	IssueToken(ctx context.Context, tenantID uuid.UUID, subject, role string) (string, error)
}

type AdminHandler struct {
	tenants  TenantLifecycle
	runs     RunCanceller
	pools    PoolReporter
	tokens   TokenIssuer
	headroom float64
}

func NewAdminHandler(tenants TenantLifecycle, runs RunCanceller, pools PoolReporter, tokens TokenIssuer) *AdminHandler {
	return &AdminHandler{
		tenants:  tenants,
		runs:     runs,
		pools:    pools,
		tokens:   tokens,
		headroom: 20,
	}
}

// SuspendTenant flips the tenant to suspended before cancelling its runs, so
// nothing new can be scoped to it while the cancellation is in flight.
func (h *AdminHandler) SuspendTenant(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	if err := h.tenants.Suspend(ctx.Request.Context(), tenantID); err != nil {
		writeTenantError(ctx, err, "Failed to suspend tenant")
		return
	}
	cancelled := h.runs.CancelTenant(tenantID)

	slog.Info("Cancelled runs of suspended tenant", "tenant_id", tenantID, "cancelled_runs", cancelled)
	ctx.JSON(http.StatusOK, dto.SuspendTenantResponse{
		TenantID:      tenantID.String(),
		CancelledRuns: cancelled,
	})
}

func (h *AdminHandler) ResumeTenant(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	if err := h.tenants.Resume(ctx.Request.Context(), tenantID); err != nil {
		writeTenantError(ctx, err, "Failed to resume tenant")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"message": "Tenant resumed"})
}

// TerminateTenant drops the tenant namespace and its network reservation.
func (h *AdminHandler) TerminateTenant(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	if err := h.tenants.Suspend(ctx.Request.Context(), tenantID); err != nil {
		writeTenantError(ctx, err, "Failed to terminate tenant")
		return
	}
	if err := h.runs.ForgetTenant(tenantID); err != nil {
		slog.Warn("Failed to forget tenant runs", "tenant_id", tenantID, "error", err)
	}
	if err := h.tenants.Terminate(ctx.Request.Context(), tenantID); err != nil {
		writeTenantError(ctx, err, "Failed to terminate tenant")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"message": "Tenant terminated"})
}

func (h *AdminHandler) PoolUsage(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	pool, err := h.pools.PoolUsage(ctx.Request.Context(), tenantID)
	if errors.Is(err, tunnel.ErrTunnelNotFound) || errors.Is(err, ipam.ErrPoolNotFound) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Tenant has no address pool yet"})
		return
	}
	if err != nil {
		writeTenantError(ctx, err, "Failed to load pool usage")
		return
	}

	ctx.JSON(http.StatusOK, dto.PoolUsageResponse{
		TenantID:       tenantID.String(),
		CIDR:           pool.CIDR.String(),
		Gateway:        pool.Gateway.String(),
		Total:          pool.Total,
		Allocated:      pool.Allocated,
		Available:      pool.Available,
		UsagePercent:   pool.UsagePercentage(),
		Status:         string(pool.Status),
		NeedsExpansion: pool.NeedsExpansion(h.headroom),
	})
}

func (h *AdminHandler) IssueToken(ctx *gin.Context) {
	tenantID, ok := tenantParam(ctx)
	if !ok {
		return
	}

	var req dto.IssueTokenRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role := req.Role
	if role == "" {
		role = auth.RoleOperator
	}
	if role != auth.RoleOperator && role != auth.RoleAdmin {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "role must be operator or admin"})
		return
	}

	token, err := h.tokens.IssueToken(ctx.Request.Context(), tenantID, req.Operator, role)
	if err != nil {
		writeTenantError(ctx, err, "Failed to issue token")
		return
	}

	ctx.JSON(http.StatusCreated, dto.IssueTokenResponse{
		Token:    token,
		TenantID: tenantID.String(),
		Operator: req.Operator,
		Role:     role,
	})
}

func tenantParam(ctx *gin.Context) (uuid.UUID, bool) {
	tenantID, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant id"})
		return uuid.Nil, false
	}
	return tenantID, true
}

func writeTenantError(ctx *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, tenancy.ErrTenantNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Tenant not found"})
	case errors.Is(err, tenancy.ErrTenantUnavailable):
		ctx.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		slog.Error(fallback, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
