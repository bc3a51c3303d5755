package devices

import (
	"fmt"
	"time"

	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/google/uuid"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusOnline       Status = "online"
	StatusOffline      Status = "offline"
	StatusError        Status = "error"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusProvisioning, StatusOnline, StatusOffline, StatusError:
		return Status(s), nil
	default:
		return "", fmt.Errorf("invalid status: %s", s)
	}
}

type Device struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	Name               string
	NetworkAddress     string
	Credentials        map[string]any
	Status             Status
	Stage              string
	LastError          string
	BootstrapTokenHash string
	BootstrapExpiresAt *time.Time
	Model              string
	FirmwareVersion    string
	LastSeenAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (d *Device) Owner() tenancy.Owner {
	return tenancy.Owner{Kind: tenancy.OwnerTenant, ID: d.TenantID, TenantID: d.TenantID}
}

// Interface is a network interface reported by the device during discovery.
type Interface struct {
	Name       string
	Type       string
	MacAddress string
	Running    bool
	Disabled   bool
	Comment    string
}
