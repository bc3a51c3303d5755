package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Subject string

const (
	SubjectVPN     Subject = "vpn"
	SubjectRouters Subject = "routers"
)

// Kind is the event name a subscriber sees.
type Kind string

const (
	ConnectivityChecking Kind = "vpn.connectivity.checking"
	ConnectivityVerified Kind = "vpn.connectivity.verified"
	ConnectivityFailed   Kind = "vpn.connectivity.failed"

	ProvisioningStage     Kind = "router.provisioning.stage"
	ProvisioningCompleted Kind = "router.provisioning.completed"
	ProvisioningFailed    Kind = "router.provisioning.failed"
)

func (k Kind) Subject() Subject {
	switch k {
	case ConnectivityChecking, ConnectivityVerified, ConnectivityFailed:
		return SubjectVPN
	default:
		return SubjectRouters
	}
}

type Notification struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"event"`
	Topic    string    `json:"topic"`
	TenantID uuid.UUID `json:"tenant_id"`
	Payload  any       `json:"payload"`
	At       time.Time `json:"at"`
}

// New builds a notification addressed to the tenant topic of the kind's subject.
func New(kind Kind, tenantID uuid.UUID, payload any) Notification {
	return Notification{
		ID:       uuid.NewString(),
		Kind:     kind,
		Topic:    Topic(tenantID, kind.Subject()),
		TenantID: tenantID,
		Payload:  payload,
		At:       time.Now().UTC(),
	}
}

func Topic(tenantID uuid.UUID, subject Subject) string {
	return fmt.Sprintf("tenant.%s.%s", tenantID, subject)
}

// TenantTopics lists every topic a tenant's operator may subscribe to.
func TenantTopics(tenantID uuid.UUID) []string {
	return []string{
		Topic(tenantID, SubjectVPN),
		Topic(tenantID, SubjectRouters),
	}
}

type Publisher interface {
	Publish(n Notification)
}
