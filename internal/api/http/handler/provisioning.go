package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-overlay/internal/api/http/dto"
	"github.com/EternisAI/silo-overlay/internal/api/http/middleware"
	"github.com/EternisAI/silo-overlay/internal/provisioning"
	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Provisioner is the operator-facing part of provisioning.Orchestrator.
type Provisioner interface {
	InitiateProvisioning(ctx context.Context, tenantID uuid.UUID, deviceName string) (*provisioning.InitiateResult, error)
	RetryProvisioning(ctx context.Context, tenantID, deviceID uuid.UUID) (*provisioning.Status, error)
	GetProvisioningStatus(ctx context.Context, tenantID, deviceID uuid.UUID) (*provisioning.Status, error)
	ListProvisioning(ctx context.Context, tenantID uuid.UUID) ([]provisioning.Status, error)
	CancelProvisioning(ctx context.Context, tenantID, deviceID uuid.UUID) error
}

type ProvisioningHandler struct {
	provisioner Provisioner
}

func NewProvisioningHandler(provisioner Provisioner) *ProvisioningHandler {
	return &ProvisioningHandler{provisioner: provisioner}
}

func (h *ProvisioningHandler) Provision(ctx *gin.Context) {
	tenantID, ok := requireTenant(ctx)
	if !ok {
		return
	}

	var req dto.ProvisionDeviceRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.provisioner.InitiateProvisioning(ctx.Request.Context(), tenantID, req.Name)
	if err != nil {
		writeProvisioningError(ctx, err, "Failed to start provisioning")
		return
	}

	ctx.JSON(http.StatusAccepted, dto.ProvisionDeviceResponse{
		DeviceID:       res.DeviceID.String(),
		RunID:          res.RunID.String(),
		Stage:          string(res.Stage),
		BootstrapToken: res.BootstrapToken,
		ExpiresAt:      res.ExpiresAt,
		ConfigURL:      fmt.Sprintf("/api/v1/bootstrap/%s/config", res.DeviceID),
	})
}

func (h *ProvisioningHandler) Status(ctx *gin.Context) {
	tenantID, deviceID, ok := deviceParams(ctx)
	if !ok {
		return
	}

	status, err := h.provisioner.GetProvisioningStatus(ctx.Request.Context(), tenantID, deviceID)
	if err != nil {
		writeProvisioningError(ctx, err, "Failed to load provisioning status")
		return
	}

	ctx.JSON(http.StatusOK, dto.ToProvisioningStatus(status))
}

func (h *ProvisioningHandler) List(ctx *gin.Context) {
	tenantID, ok := requireTenant(ctx)
	if !ok {
		return
	}

	runs, err := h.provisioner.ListProvisioning(ctx.Request.Context(), tenantID)
	if err != nil {
		writeProvisioningError(ctx, err, "Failed to list provisioning runs")
		return
	}

	resp := dto.ListProvisioningResponse{Runs: make([]dto.ProvisioningStatusResponse, len(runs))}
	for i := range runs {
		resp.Runs[i] = dto.ToProvisioningStatus(&runs[i])
	}
	resp.Count = len(resp.Runs)
	ctx.JSON(http.StatusOK, resp)
}

func (h *ProvisioningHandler) Cancel(ctx *gin.Context) {
	tenantID, deviceID, ok := deviceParams(ctx)
	if !ok {
		return
	}

	if err := h.provisioner.CancelProvisioning(ctx.Request.Context(), tenantID, deviceID); err != nil {
		writeProvisioningError(ctx, err, "Failed to cancel provisioning")
		return
	}

	slog.Info("Provisioning cancelled by operator",
		"tenant_id", tenantID,
		"device_id", deviceID,
		"operator", ctx.GetString(middleware.OperatorKey))
	ctx.JSON(http.StatusOK, gin.H{"message": "Provisioning cancelled"})
}

func (h *ProvisioningHandler) Retry(ctx *gin.Context) {
	tenantID, deviceID, ok := deviceParams(ctx)
	if !ok {
		return
	}

	status, err := h.provisioner.RetryProvisioning(ctx.Request.Context(), tenantID, deviceID)
	if err != nil {
		writeProvisioningError(ctx, err, "Failed to retry provisioning")
		return
	}

	ctx.JSON(http.StatusAccepted, dto.ToProvisioningStatus(status))
}

func requireTenant(ctx *gin.Context) (uuid.UUID, bool) {
	tenantID, ok := middleware.TenantID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "missing tenant"})
		return uuid.Nil, false
	}
	return tenantID, true
}

func deviceParams(ctx *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	tenantID, ok := requireTenant(ctx)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	deviceID, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, deviceID, true
}

// writeProvisioningError maps domain errors onto HTTP statuses. Ownership
// failures look like missing resources so ids cannot be probed across tenants.
func writeProvisioningError(ctx *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, provisioning.ErrRunNotFound), errors.Is(err, tenancy.ErrNotOwner):
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Provisioning run not found"})
	case errors.Is(err, provisioning.ErrDeviceNameRequired):
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, provisioning.ErrRunInProgress), errors.Is(err, provisioning.ErrNotRetryable):
		ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, tenancy.ErrTenantUnavailable), errors.Is(err, tenancy.ErrTenantNotFound):
		ctx.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, provisioning.ErrQueueFull), errors.Is(err, provisioning.ErrStopped):
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		slog.Error(fallback, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
