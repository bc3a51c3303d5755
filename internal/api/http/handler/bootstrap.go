package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-overlay/internal/provisioning"
	"github.com/EternisAI/silo-overlay/internal/tunnel"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const BootstrapTokenHeader = "X-Bootstrap-Token"

const (
	FormatWGQuick  = "wg-quick"
	FormatRouterOS = "routeros"
	FormatJSON     = "json"
)

type Bootstrapper interface {
	BootstrapConfig(ctx context.Context, deviceID uuid.UUID, token string) (*tunnel.Artifact, error)
}

type BootstrapHandler struct {
	bootstrapper Bootstrapper
}

func NewBootstrapHandler(bootstrapper Bootstrapper) *BootstrapHandler {
	return &BootstrapHandler{bootstrapper: bootstrapper}
}

func (h *BootstrapHandler) Config(ctx *gin.Context) {
	deviceID, err := uuid.Parse(ctx.Param("device_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
		return
	}

	token := ctx.GetHeader(BootstrapTokenHeader)
	if token == "" {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "Missing bootstrap token"})
		return
	}

	format := ctx.DefaultQuery("format", FormatWGQuick)
	switch format {
	case FormatWGQuick, FormatRouterOS, FormatJSON:
	default:
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "format must be one of wg-quick, routeros, json"})
		return
	}

	artifact, err := h.bootstrapper.BootstrapConfig(ctx.Request.Context(), deviceID, token)
	switch {
	case errors.Is(err, provisioning.ErrInvalidBootstrapToken):
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid bootstrap token"})
		return
	case errors.Is(err, provisioning.ErrArtifactNotReady):
		ctx.Header("Retry-After", "5")
		ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		slog.Error("Failed to serve bootstrap config", "device_id", deviceID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load bootstrap config"})
		return
	}

	switch format {
	case FormatJSON:
		ctx.JSON(http.StatusOK, artifact)
	case FormatRouterOS:
		ctx.String(http.StatusOK, artifact.RouterOS())
	default:
		ctx.String(http.StatusOK, artifact.WGQuick())
	}
}
