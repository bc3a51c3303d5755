package dto

import (
	"time"

	"github.com/EternisAI/silo-overlay/internal/provisioning"
)

type ProvisionDeviceRequest struct {
	Name string `json:"name" binding:"required"`
}

type ProvisionDeviceResponse struct {
	DeviceID       string    `json:"device_id"`
	RunID          string    `json:"run_id"`
	Stage          string    `json:"stage"`
	BootstrapToken string    `json:"bootstrap_token"`
	ExpiresAt      time.Time `json:"bootstrap_expires_at"`
	ConfigURL      string    `json:"config_url"`
}

type StageRecord struct {
	Stage     string    `json:"stage"`
	EnteredAt time.Time `json:"entered_at"`
}

type ProvisioningStatusResponse struct {
	RunID       string        `json:"run_id"`
	DeviceID    string        `json:"device_id"`
	DeviceName  string        `json:"device_name,omitempty"`
	Stage       string        `json:"stage"`
	FailedStage string        `json:"failed_stage,omitempty"`
	Outcome     string        `json:"outcome"`
	Attempt     int           `json:"attempt,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	ClientIP    string        `json:"client_ip,omitempty"`
	LatencyMs   float64       `json:"latency_ms,omitempty"`
	Error       string        `json:"error,omitempty"`
	History     []StageRecord `json:"history"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

type ListProvisioningResponse struct {
	Runs  []ProvisioningStatusResponse `json:"runs"`
	Count int                          `json:"count"`
}

func ToProvisioningStatus(s *provisioning.Status) ProvisioningStatusResponse {
	history := make([]StageRecord, len(s.History))
	for i, h := range s.History {
		history[i] = StageRecord{Stage: string(h.Stage), EnteredAt: h.At}
	}
	return ProvisioningStatusResponse{
		RunID:       s.RunID.String(),
		DeviceID:    s.DeviceID.String(),
		DeviceName:  s.DeviceName,
		Stage:       string(s.Stage),
		FailedStage: string(s.FailedStage),
		Outcome:     string(s.Outcome),
		Attempt:     s.Attempt,
		MaxAttempts: s.MaxAttempts,
		ClientIP:    s.ClientIP,
		LatencyMs:   s.LatencyMs,
		Error:       s.Error,
		History:     history,
		StartedAt:   s.StartedAt,
		FinishedAt:  s.FinishedAt,
	}
}
