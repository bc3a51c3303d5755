// Package provisioning drives a device from creation to a verified,
// discovered member of its tenant overlay.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/EternisAI/silo-overlay/internal/connectivity"
	"github.com/EternisAI/silo-overlay/internal/devicerpc"
	"github.com/EternisAI/silo-overlay/internal/devices"
	"github.com/EternisAI/silo-overlay/internal/events"
	"github.com/EternisAI/silo-overlay/internal/ipam"
	"github.com/EternisAI/silo-overlay/internal/metrics"
	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/EternisAI/silo-overlay/internal/tunnel"
	"github.com/google/uuid"
)

const abortSaveTimeout = 5 * time.Second

type Config struct {
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	BootstrapTTL     time.Duration `mapstructure:"bootstrap_ttl"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
}

type Scoper interface {
	WithTenant(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context) error) error
}

// DeviceStore is the scoped device persistence; devices.Service implements it.
type DeviceStore interface {
	Create(ctx context.Context, d *devices.Device) error
	Get(ctx context.Context, id uuid.UUID) (*devices.Device, error)
	SetStage(ctx context.Context, id uuid.UUID, stage string) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status devices.Status, lastError string) error
	ClearBootstrap(ctx context.Context, id uuid.UUID) error
	SaveDiscovery(ctx context.Context, id uuid.UUID, model, firmware string, ifaces []devices.Interface) error
}

// TunnelBuilder is the part of tunnel.Service the orchestrator needs.
type TunnelBuilder interface {
	EnsureTunnel(ctx context.Context, tenantID uuid.UUID) (*tunnel.Tunnel, error)
	BuildPeerConfig(ctx context.Context, tenantID, deviceID uuid.UUID) (*tunnel.Artifact, error)
	ArtifactFor(ctx context.Context, tenantID, deviceID uuid.UUID) (*tunnel.Artifact, error)
	PeerFor(ctx context.Context, tenantID, deviceID uuid.UUID) (*tunnel.PeerAllocation, error)
}

type Verifier interface {
	Verify(ctx context.Context, target connectivity.Target, observe connectivity.Observer) (*connectivity.Result, error)
}

type Discoverer interface {
	FetchIdentity(ctx context.Context, addr netip.Addr) (*devicerpc.Identity, error)
	FetchInterfaces(ctx context.Context, addr netip.Addr) ([]devicerpc.Interface, error)
}

type Dependencies struct {
	Scoper     Scoper
	Devices    DeviceStore
	Tunnels    TunnelBuilder
	Verifier   Verifier
	Discoverer Discoverer
	Publisher  events.Publisher
	Archive    Archive
}

type Orchestrator struct {
	cfg         Config
	scoper      Scoper
	deviceStore DeviceStore
	tunnels     TunnelBuilder
	verifier    Verifier
	discoverer  Discoverer
	publisher   events.Publisher
	archive     Archive

	registry *Registry
	pool     *WorkerPool
	now      func() time.Time
}

func NewOrchestrator(cfg Config, deps Dependencies) *Orchestrator {
	if cfg.BootstrapTTL <= 0 {
		cfg.BootstrapTTL = 24 * time.Hour
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 10 * time.Second
	}
	o := &Orchestrator{
		cfg:         cfg,
		scoper:      deps.Scoper,
		deviceStore: deps.Devices,
		tunnels:     deps.Tunnels,
		verifier:    deps.Verifier,
		discoverer:  deps.Discoverer,
		publisher:   deps.Publisher,
		archive:     deps.Archive,
		registry:    NewRegistry(),
		now:         time.Now,
	}
	o.pool = NewWorkerPool(cfg.Workers, cfg.QueueSize, o.process)
	return o
}

func (o *Orchestrator) Start() {
	o.pool.Start()
}

// Stop cancels in-flight runs and waits for the workers.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.pool.Stop(ctx)
}

// InitiateProvisioning creates the device in the Identity stage, issues its
// bootstrap token and queues the rest of the run.
func (o *Orchestrator) InitiateProvisioning(ctx context.Context, tenantID uuid.UUID, deviceName string) (*InitiateResult, error) {
	deviceName = strings.TrimSpace(deviceName)
	if deviceName == "" {
		return nil, ErrDeviceNameRequired
	}

	token, hash, err := NewBootstrapToken(tenantID)
	if err != nil {
		return nil, err
	}
	expiresAt := o.now().Add(o.cfg.BootstrapTTL).UTC()

	device := &devices.Device{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		Name:               deviceName,
		Status:             devices.StatusProvisioning,
		Stage:              string(StageIdentity),
		BootstrapTokenHash: hash,
		BootstrapExpiresAt: &expiresAt,
	}
	err = o.scoper.WithTenant(ctx, tenantID, func(ctx context.Context) error {
		return o.deviceStore.Create(ctx, device)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	run := newRun(o.pool.Context(), tenantID, device.ID, deviceName, StageAwaitingTunnel)
	run.enter(StageIdentity)
	o.publishStage(run, StageIdentity)

	if err := o.enqueue(run); err != nil {
		return nil, err
	}

	slog.Info("Provisioning initiated",
		"tenant_id", tenantID,
		"device_id", device.ID,
		"run_id", run.ID,
		"name", deviceName)

	return &InitiateResult{
		DeviceID:       device.ID,
		RunID:          run.ID,
		Stage:          StageIdentity,
		BootstrapToken: token,
		ExpiresAt:      expiresAt,
	}, nil
}

// RetryProvisioning restarts a finished, not completed run from
// AwaitingTunnel. The device keeps its peer allocation.
func (o *Orchestrator) RetryProvisioning(ctx context.Context, tenantID, deviceID uuid.UUID) (*Status, error) {
	if run, ok := o.registry.Get(deviceID); ok {
		snap := run.Snapshot()
		if tenancy.Authorize(&snap, tenantID) != nil {
			return nil, ErrRunNotFound
		}
		return nil, ErrRunInProgress
	}

	var device *devices.Device
	err := o.scoper.WithTenant(ctx, tenantID, func(ctx context.Context) error {
		d, err := o.deviceStore.Get(ctx, deviceID)
		if err != nil {
			return err
		}
		if Stage(d.Stage) == StageCompleted {
			return ErrNotRetryable
		}
		device = d
		return o.deviceStore.UpdateStatus(ctx, deviceID, devices.StatusProvisioning, "")
	})
	if errors.Is(err, devices.ErrDeviceNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	run := newRun(o.pool.Context(), tenantID, deviceID, device.Name, StageAwaitingTunnel)
	if err := o.enqueue(run); err != nil {
		return nil, err
	}

	slog.Info("Provisioning retried", "tenant_id", tenantID, "device_id", deviceID, "run_id", run.ID)
	snap := run.Snapshot()
	return &snap, nil
}

func (o *Orchestrator) enqueue(run *Run) error {
	if err := o.registry.Register(run); err != nil {
		run.cancel()
		return err
	}
	metrics.RunStarted()

	if err := o.pool.Submit(run); err != nil {
		slog.Warn("Failed to queue provisioning run", "device_id", run.DeviceID, "error", err)
		start := o.now()
		outcome := o.fail(run, run.Snapshot().Stage, "provisioning queue is full; retry the device once current runs finish")
		o.finish(run, outcome, start)
		return err
	}
	return nil
}

// GetProvisioningStatus reads the live run, then the archive.
func (o *Orchestrator) GetProvisioningStatus(_ context.Context, tenantID, deviceID uuid.UUID) (*Status, error) {
	if run, ok := o.registry.Get(deviceID); ok {
		snap := run.Snapshot()
		if tenancy.Authorize(&snap, tenantID) != nil {
			return nil, ErrRunNotFound
		}
		return &snap, nil
	}

	s, err := o.archive.Get(tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	if tenancy.Authorize(s, tenantID) != nil {
		return nil, ErrRunNotFound
	}
	return s, nil
}

// ListProvisioning returns live and archived runs of a tenant, newest first.
func (o *Orchestrator) ListProvisioning(_ context.Context, tenantID uuid.UUID) ([]Status, error) {
	archived, err := o.archive.List(tenantID)
	if err != nil {
		return nil, err
	}

	byDevice := make(map[uuid.UUID]Status, len(archived))
	for _, s := range archived {
		byDevice[s.DeviceID] = s
	}
	for _, run := range o.registry.ByTenant(tenantID) {
		byDevice[run.DeviceID] = run.Snapshot()
	}

	result := make([]Status, 0, len(byDevice))
	for _, s := range byDevice {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	return result, nil
}

// CancelProvisioning stops a live run. Persisted state is left as reached.
func (o *Orchestrator) CancelProvisioning(_ context.Context, tenantID, deviceID uuid.UUID) error {
	run, ok := o.registry.Get(deviceID)
	if !ok {
		return ErrRunNotFound
	}
	snap := run.Snapshot()
	if tenancy.Authorize(&snap, tenantID) != nil {
		return ErrRunNotFound
	}

	run.Cancel()
	slog.Info("Provisioning cancelled", "tenant_id", tenantID, "device_id", deviceID, "stage", snap.Stage)
	return nil
}

// CancelTenant cancels every live run of a tenant and reports how many.
func (o *Orchestrator) CancelTenant(tenantID uuid.UUID) int {
	runs := o.registry.ByTenant(tenantID)
	for _, run := range runs {
		run.Cancel()
	}
	if len(runs) > 0 {
		slog.Info("Cancelled tenant provisioning runs", "tenant_id", tenantID, "count", len(runs))
	}
	return len(runs)
}

// ForgetTenant cancels the tenant's runs and drops its archived history. Used
// when a tenant is terminated.
func (o *Orchestrator) ForgetTenant(tenantID uuid.UUID) error {
	o.CancelTenant(tenantID)
	if err := o.archive.DeleteTenant(tenantID); err != nil {
		return fmt.Errorf("failed to delete run archive: %w", err)
	}
	return nil
}

// BootstrapConfig hands a device its tunnel artifact in exchange for its
// bootstrap token.
func (o *Orchestrator) BootstrapConfig(ctx context.Context, deviceID uuid.UUID, token string) (*tunnel.Artifact, error) {
	tenantID, secret, err := ParseBootstrapToken(token)
	if err != nil {
		return nil, err
	}

	var device *devices.Device
	err = o.scoper.WithTenant(ctx, tenantID, func(ctx context.Context) error {
		d, err := o.deviceStore.Get(ctx, deviceID)
		device = d
		return err
	})
	if errors.Is(err, devices.ErrDeviceNotFound) || errors.Is(err, tenancy.ErrTenantUnavailable) {
		return nil, ErrInvalidBootstrapToken
	}
	if err != nil {
		return nil, err
	}

	if err := checkBootstrapSecret(device.BootstrapTokenHash, device.BootstrapExpiresAt, secret, o.now()); err != nil {
		slog.Warn("Bootstrap attempt with invalid token", "tenant_id", tenantID, "device_id", deviceID)
		return nil, err
	}

	artifact, err := o.tunnels.ArtifactFor(ctx, tenantID, deviceID)
	if errors.Is(err, tunnel.ErrPeerNotFound) || errors.Is(err, tunnel.ErrTunnelNotFound) {
		return nil, ErrArtifactNotReady
	}
	if err != nil {
		return nil, err
	}

	slog.Info("Bootstrap config served", "tenant_id", tenantID, "device_id", deviceID)
	return artifact, nil
}

func (o *Orchestrator) process(run *Run) {
	start := o.now()
	outcome := o.execute(run)
	o.finish(run, outcome, start)
}

func (o *Orchestrator) execute(run *Run) Outcome {
	ctx := run.Context()
	if ctx.Err() != nil {
		return OutcomeCancelled
	}

	if err := o.transition(run, StageAwaitingTunnel); err != nil {
		return o.aborted(run, err)
	}
	artifact, err := o.tunnels.BuildPeerConfig(ctx, run.TenantID, run.DeviceID)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCancelled
		}
		return o.fail(run, StageAwaitingTunnel, allocationReason(err))
	}
	run.update(func(s *Status) { s.ClientIP = artifact.ClientIP.String() })

	target, err := o.target(ctx, run)
	if err != nil {
		return o.aborted(run, err)
	}

	if err := o.transition(run, StageVerifyingConnectivity); err != nil {
		return o.aborted(run, err)
	}
	result, err := o.verifier.Verify(ctx, target, o.observer(run))
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCancelled
		}
		return o.fail(run, StageVerifyingConnectivity, err.Error())
	}
	if result.State != connectivity.StateVerified {
		return o.fail(run, StageVerifyingConnectivity, result.Reason)
	}

	if err := o.transition(run, StageDiscoveringCapabilities); err != nil {
		return o.aborted(run, err)
	}
	identity, err := o.discover(ctx, run, artifact.ClientIP)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCancelled
		}
		return o.fail(run, StageDiscoveringCapabilities,
			fmt.Sprintf("device discovery failed: %v; verify the device RPC agent is running and reachable over the tunnel", err))
	}

	return o.complete(run, artifact, identity)
}

func (o *Orchestrator) target(ctx context.Context, run *Run) (connectivity.Target, error) {
	tun, err := o.tunnels.EnsureTunnel(ctx, run.TenantID)
	if err != nil {
		return connectivity.Target{}, err
	}
	peer, err := o.tunnels.PeerFor(ctx, run.TenantID, run.DeviceID)
	if err != nil {
		return connectivity.Target{}, err
	}
	return connectivity.Target{
		TenantID:      run.TenantID,
		DeviceID:      run.DeviceID,
		PeerID:        peer.ID,
		ClientIP:      peer.ClientIP,
		Interface:     tun.InterfaceName,
		PeerPublicKey: peer.PublicKey,
	}, nil
}

func (o *Orchestrator) discover(ctx context.Context, run *Run, addr netip.Addr) (*devicerpc.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.DiscoveryTimeout)
	defer cancel()

	identity, err := o.discoverer.FetchIdentity(ctx, addr)
	if err != nil {
		return nil, err
	}
	reported, err := o.discoverer.FetchInterfaces(ctx, addr)
	if err != nil {
		return nil, err
	}

	ifaces := make([]devices.Interface, 0, len(reported))
	for _, i := range reported {
		ifaces = append(ifaces, devices.Interface{
			Name:       i.Name,
			Type:       i.Type,
			MacAddress: i.MacAddress,
			Running:    i.Running,
			Disabled:   i.Disabled,
			Comment:    i.Comment,
		})
	}

	err = o.scoper.WithTenant(ctx, run.TenantID, func(ctx context.Context) error {
		return o.deviceStore.SaveDiscovery(ctx, run.DeviceID, identity.Model, identity.FirmwareVersion, ifaces)
	})
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// transition persists the stage and then announces it.
func (o *Orchestrator) transition(run *Run, stage Stage) error {
	err := o.scoper.WithTenant(run.Context(), run.TenantID, func(ctx context.Context) error {
		return o.deviceStore.SetStage(ctx, run.DeviceID, string(stage))
	})
	if err != nil {
		return fmt.Errorf("failed to persist stage %s: %w", stage, err)
	}
	run.enter(stage)
	o.publishStage(run, stage)
	return nil
}

func (o *Orchestrator) complete(run *Run, artifact *tunnel.Artifact, identity *devicerpc.Identity) Outcome {
	err := o.scoper.WithTenant(run.Context(), run.TenantID, func(ctx context.Context) error {
		if err := o.deviceStore.SetStage(ctx, run.DeviceID, string(StageCompleted)); err != nil {
			return err
		}
		if err := o.deviceStore.UpdateStatus(ctx, run.DeviceID, devices.StatusOnline, ""); err != nil {
			return err
		}
		return o.deviceStore.ClearBootstrap(ctx, run.DeviceID)
	})
	if err != nil {
		return o.aborted(run, err)
	}

	run.enter(StageCompleted)
	o.publisher.Publish(events.New(events.ProvisioningCompleted, run.TenantID, CompletedEvent{
		DeviceID:          run.DeviceID,
		RunID:             run.ID,
		Stage:             StageCompleted,
		ManagementAddress: artifact.ClientIP.String(),
		Interface:         artifact.InterfaceName,
		Endpoint:          artifact.Endpoint,
		Model:             identity.Model,
		FirmwareVersion:   identity.FirmwareVersion,
	}))
	return OutcomeCompleted
}

// fail persists the Failed stage with an actionable reason and announces it.
func (o *Orchestrator) fail(run *Run, failedAt Stage, reason string) Outcome {
	if run.Context().Err() != nil {
		return OutcomeCancelled
	}

	err := o.scoper.WithTenant(run.Context(), run.TenantID, func(ctx context.Context) error {
		if err := o.deviceStore.SetStage(ctx, run.DeviceID, string(StageFailed)); err != nil {
			return err
		}
		return o.deviceStore.UpdateStatus(ctx, run.DeviceID, devices.StatusError, reason)
	})
	if err != nil {
		return o.aborted(run, err)
	}

	run.update(func(s *Status) {
		s.FailedStage = failedAt
		s.Error = reason
	})
	run.enter(StageFailed)
	o.publisher.Publish(events.New(events.ProvisioningFailed, run.TenantID, FailedEvent{
		DeviceID:    run.DeviceID,
		RunID:       run.ID,
		Stage:       StageFailed,
		FailedStage: failedAt,
		Reason:      reason,
	}))
	return OutcomeFailed
}

// aborted ends a run whose own bookkeeping could not be saved. The failure is
// still announced; the device is put into error on a fresh context.
func (o *Orchestrator) aborted(run *Run, err error) Outcome {
	if run.Context().Err() != nil {
		return OutcomeCancelled
	}
	failedAt := run.Snapshot().Stage
	reason := fmt.Sprintf("provisioning state could not be saved: %v; check database availability and retry provisioning", err)
	slog.Error("Provisioning run aborted",
		"tenant_id", run.TenantID,
		"device_id", run.DeviceID,
		"run_id", run.ID,
		"stage", failedAt,
		"error", err)

	ctx, cancel := context.WithTimeout(context.Background(), abortSaveTimeout)
	defer cancel()
	saveErr := o.scoper.WithTenant(ctx, run.TenantID, func(ctx context.Context) error {
		return o.deviceStore.UpdateStatus(ctx, run.DeviceID, devices.StatusError, reason)
	})
	if saveErr == nil {
		saveErr = o.scoper.WithTenant(ctx, run.TenantID, func(ctx context.Context) error {
			return o.deviceStore.SetStage(ctx, run.DeviceID, string(StageFailed))
		})
	}
	if saveErr != nil {
		slog.Warn("Failed to record aborted run on device",
			"tenant_id", run.TenantID,
			"device_id", run.DeviceID,
			"error", saveErr)
	}

	run.update(func(s *Status) {
		s.FailedStage = failedAt
		s.Error = reason
	})
	run.enter(StageFailed)
	o.publisher.Publish(events.New(events.ProvisioningFailed, run.TenantID, FailedEvent{
		DeviceID:    run.DeviceID,
		RunID:       run.ID,
		Stage:       StageFailed,
		FailedStage: failedAt,
		Reason:      reason,
	}))
	return OutcomeFailed
}

func (o *Orchestrator) finish(run *Run, outcome Outcome, start time.Time) {
	finishedAt := o.now().UTC()
	run.update(func(s *Status) {
		s.Outcome = outcome
		s.FinishedAt = &finishedAt
	})
	if err := o.archive.Put(run.Snapshot()); err != nil {
		slog.Error("Failed to archive provisioning run", "device_id", run.DeviceID, "error", err)
	}
	o.registry.Remove(run)
	run.cancel()

	metrics.RunFinished(string(outcome), finishedAt.Sub(start).Seconds())
	slog.Info("Provisioning run finished",
		"tenant_id", run.TenantID,
		"device_id", run.DeviceID,
		"run_id", run.ID,
		"outcome", outcome)
}

func (o *Orchestrator) publishStage(run *Run, stage Stage) {
	o.publisher.Publish(events.New(events.ProvisioningStage, run.TenantID, StageEvent{
		DeviceID: run.DeviceID,
		RunID:    run.ID,
		Stage:    stage,
	}))
}

func (o *Orchestrator) observer(run *Run) connectivity.Observer {
	return func(obs connectivity.Observation) {
		if run.Context().Err() != nil {
			return
		}
		switch obs.State {
		case connectivity.StateChecking:
			run.update(func(s *Status) {
				s.Attempt = obs.Attempt
				s.MaxAttempts = obs.MaxAttempts
			})
		case connectivity.StateVerified:
			run.update(func(s *Status) { s.LatencyMs = durationMs(obs.Latency) })
		}
		o.publisher.Publish(events.New(obs.Kind(), run.TenantID, obs))
	}
}

func allocationReason(err error) string {
	switch {
	case errors.Is(err, ipam.ErrPoolExhausted):
		return "tenant address pool exhausted; expand the tenant address pool or release unused devices"
	case errors.Is(err, tenancy.ErrTenantUnavailable):
		return fmt.Sprintf("tenant unavailable: %v", err)
	default:
		return fmt.Sprintf("tunnel allocation failed: %v", err)
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
