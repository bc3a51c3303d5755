package provisioning

import (
	"context"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-overlay/internal/connectivity"
	"github.com/EternisAI/silo-overlay/internal/devices"
	"github.com/google/uuid"
)

type PeerActivator interface {
	MarkPeerActive(ctx context.Context, tenantID, peerID uuid.UUID, handshakeAt *time.Time) error
}

// Recorder persists verifier outcomes: the peer becomes active on success and
// the device goes to error with the reason on failure.
type Recorder struct {
	scoper      Scoper
	deviceStore DeviceStore
	peers       PeerActivator
}

var _ connectivity.Recorder = (*Recorder)(nil)

func NewRecorder(scoper Scoper, deviceStore DeviceStore, peers PeerActivator) *Recorder {
	return &Recorder{
		scoper:      scoper,
		deviceStore: deviceStore,
		peers:       peers,
	}
}

func (r *Recorder) MarkVerified(ctx context.Context, target connectivity.Target, latency time.Duration, handshakeAt *time.Time) error {
	if err := r.peers.MarkPeerActive(ctx, target.TenantID, target.PeerID, handshakeAt); err != nil {
		return err
	}
	slog.Debug("Peer marked active",
		"tenant_id", target.TenantID,
		"device_id", target.DeviceID,
		"latency_ms", durationMs(latency))
	return nil
}

func (r *Recorder) MarkFailed(ctx context.Context, target connectivity.Target, reason string) error {
	return r.scoper.WithTenant(ctx, target.TenantID, func(ctx context.Context) error {
		return r.deviceStore.UpdateStatus(ctx, target.DeviceID, devices.StatusError, reason)
	})
}
