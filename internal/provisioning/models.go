package provisioning

import (
	"errors"
	"time"

	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/google/uuid"
)

var (
	ErrRunNotFound           = errors.New("provisioning run not found")
	ErrRunInProgress         = errors.New("provisioning run already in progress")
	ErrNotRetryable          = errors.New("provisioning run cannot be retried")
	ErrInvalidBootstrapToken = errors.New("invalid or expired bootstrap token")
	ErrArtifactNotReady      = errors.New("tunnel configuration not allocated yet")
	ErrQueueFull             = errors.New("provisioning queue is full")
	ErrStopped               = errors.New("provisioning workers stopped")
	ErrDeviceNameRequired    = errors.New("device name is required")
)

type Stage string

const (
	StageIdentity                Stage = "identity"
	StageAwaitingTunnel          Stage = "awaiting_tunnel"
	StageVerifyingConnectivity   Stage = "verifying_connectivity"
	StageDiscoveringCapabilities Stage = "discovering_capabilities"
	StageCompleted               Stage = "completed"
	StageFailed                  Stage = "failed"
)

func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

type StageRecord struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
}

// Status is the observable state of one provisioning run.
type Status struct {
	RunID       uuid.UUID     `json:"run_id"`
	TenantID    uuid.UUID     `json:"tenant_id"`
	DeviceID    uuid.UUID     `json:"device_id"`
	DeviceName  string        `json:"device_name"`
	Stage       Stage         `json:"stage"`
	FailedStage Stage         `json:"failed_stage,omitempty"`
	Outcome     Outcome       `json:"outcome"`
	Attempt     int           `json:"attempt,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	ClientIP    string        `json:"client_ip,omitempty"`
	LatencyMs   float64       `json:"latency_ms,omitempty"`
	Error       string        `json:"error,omitempty"`
	History     []StageRecord `json:"history"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

func (s *Status) Owner() tenancy.Owner {
	return tenancy.Owner{Kind: tenancy.OwnerDevice, ID: s.DeviceID, TenantID: s.TenantID}
}

type InitiateResult struct {
	DeviceID       uuid.UUID `json:"device_id"`
	RunID          uuid.UUID `json:"run_id"`
	Stage          Stage     `json:"stage"`
	BootstrapToken string    `json:"bootstrap_token"`
	ExpiresAt      time.Time `json:"bootstrap_expires_at"`
}

// StageEvent is the payload of a router.provisioning.stage notification.
type StageEvent struct {
	DeviceID uuid.UUID `json:"device_id"`
	RunID    uuid.UUID `json:"run_id"`
	Stage    Stage     `json:"stage"`
}

type CompletedEvent struct {
	DeviceID          uuid.UUID `json:"device_id"`
	RunID             uuid.UUID `json:"run_id"`
	Stage             Stage     `json:"stage"`
	ManagementAddress string    `json:"management_address"`
	Interface         string    `json:"interface"`
	Endpoint          string    `json:"endpoint"`
	Model             string    `json:"model,omitempty"`
	FirmwareVersion   string    `json:"firmware_version,omitempty"`
}

type FailedEvent struct {
	DeviceID    uuid.UUID `json:"device_id"`
	RunID       uuid.UUID `json:"run_id"`
	Stage       Stage     `json:"stage"`
	FailedStage Stage     `json:"failed_stage"`
	Reason      string    `json:"reason"`
}
