// Package connectivity decides whether a freshly configured device is
// reachable over its tenant tunnel.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/EternisAI/silo-overlay/internal/devicerpc"
	"github.com/EternisAI/silo-overlay/internal/events"
	"github.com/EternisAI/silo-overlay/internal/metrics"
	"github.com/google/uuid"
)

type State string

const (
	StatePending   State = "pending"
	StateChecking  State = "checking"
	StateVerified  State = "verified"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

type Config struct {
	Interval        time.Duration `mapstructure:"interval"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	HandshakeMaxAge time.Duration `mapstructure:"handshake_max_age"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 60
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.HandshakeMaxAge <= 0 {
		c.HandshakeMaxAge = 3 * time.Minute
	}
	return c
}

// Target identifies the peer being verified.
type Target struct {
	TenantID      uuid.UUID
	DeviceID      uuid.UUID
	PeerID        uuid.UUID
	ClientIP      netip.Addr
	Interface     string
	PeerPublicKey string
}

// Observation is one step of a verification as seen by subscribers.
type Observation struct {
	State           State         `json:"state"`
	DeviceID        uuid.UUID     `json:"device_id"`
	Attempt         int           `json:"attempt,omitempty"`
	MaxAttempts     int           `json:"max_attempts,omitempty"`
	ElapsedFraction float64       `json:"elapsed_fraction,omitempty"`
	ClientIP        string        `json:"client_ip,omitempty"`
	Latency         time.Duration `json:"latency_ns,omitempty"`
	Reason          string        `json:"reason,omitempty"`
}

// Kind maps the observation onto its notification kind.
func (o Observation) Kind() events.Kind {
	switch o.State {
	case StateVerified:
		return events.ConnectivityVerified
	case StateFailed:
		return events.ConnectivityFailed
	default:
		return events.ConnectivityChecking
	}
}

type Observer func(Observation)

type Prober interface {
	Probe(ctx context.Context, addr netip.Addr) (*devicerpc.ProbeResult, error)
}

// Recorder persists terminal outcomes.
type Recorder interface {
	MarkVerified(ctx context.Context, target Target, latency time.Duration, handshakeAt *time.Time) error
	MarkFailed(ctx context.Context, target Target, reason string) error
}

type Result struct {
	State       State
	Attempts    int
	Latency     time.Duration
	HandshakeAt *time.Time
	Reason      string
}

type Verifier struct {
	cfg        Config
	prober     Prober
	handshakes HandshakeSource
	recorder   Recorder
	now        func() time.Time
}

// NewVerifier builds a verifier. handshakes may be nil, in which case a probe
// answer alone verifies the device.
func NewVerifier(cfg Config, prober Prober, handshakes HandshakeSource, recorder Recorder) *Verifier {
	return &Verifier{
		cfg:        cfg.withDefaults(),
		prober:     prober,
		handshakes: handshakes,
		recorder:   recorder,
		now:        time.Now,
	}
}

func (v *Verifier) Config() Config {
	return v.cfg
}

// Verify probes the target until it answers, a terminal device error occurs or
// the attempt ceiling is reached. Terminal outcomes are recorded and observed
// exactly once. On cancellation nothing is recorded and ctx.Err() is returned.
func (v *Verifier) Verify(ctx context.Context, target Target, observe Observer) (*Result, error) {
	if observe == nil {
		observe = func(Observation) {}
	}
	maxAttempts := v.cfg.MaxAttempts

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Result{State: StateCancelled, Attempts: attempt - 1}, err
		}

		observe(Observation{
			State:           StateChecking,
			DeviceID:        target.DeviceID,
			Attempt:         attempt,
			MaxAttempts:     maxAttempts,
			ElapsedFraction: float64(attempt) / float64(maxAttempts),
		})

		latency, handshakeAt, err := v.attempt(ctx, target)
		if ctx.Err() != nil {
			return &Result{State: StateCancelled, Attempts: attempt}, ctx.Err()
		}
		switch {
		case err == nil:
			return v.verified(ctx, target, attempt, latency, handshakeAt, observe)
		case errors.Is(err, devicerpc.ErrDeviceError):
			return v.failed(ctx, target, attempt, err.Error(), observe)
		default:
			slog.Debug("Connectivity attempt failed",
				"device_id", target.DeviceID,
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"error", err)
		}

		if attempt == maxAttempts {
			break
		}
		timer := time.NewTimer(v.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &Result{State: StateCancelled, Attempts: attempt}, ctx.Err()
		case <-timer.C:
		}
	}

	return v.failed(ctx, target, maxAttempts, v.timeoutReason(), observe)
}

func (v *Verifier) attempt(ctx context.Context, target Target) (time.Duration, *time.Time, error) {
	probeCtx, cancel := context.WithTimeout(ctx, v.cfg.ProbeTimeout)
	defer cancel()

	res, err := v.prober.Probe(probeCtx, target.ClientIP)
	if err != nil {
		if errors.Is(err, devicerpc.ErrDeviceError) {
			metrics.RecordProbe("device_error", 0)
		} else {
			metrics.RecordProbe("unreachable", 0)
		}
		return 0, nil, err
	}

	handshakeAt, err := v.checkHandshake(target)
	if err != nil {
		metrics.RecordProbe("stale_handshake", 0)
		return 0, nil, err
	}

	metrics.RecordProbe("reachable", res.Latency.Seconds())
	return res.Latency, handshakeAt, nil
}

func (v *Verifier) verified(ctx context.Context, target Target, attempt int, latency time.Duration, handshakeAt *time.Time, observe Observer) (*Result, error) {
	if err := v.recorder.MarkVerified(ctx, target, latency, handshakeAt); err != nil {
		return nil, fmt.Errorf("failed to record verified connectivity: %w", err)
	}
	observe(Observation{
		State:    StateVerified,
		DeviceID: target.DeviceID,
		Attempt:  attempt,
		ClientIP: target.ClientIP.String(),
		Latency:  latency,
	})
	slog.Info("Device connectivity verified",
		"tenant_id", target.TenantID,
		"device_id", target.DeviceID,
		"client_ip", target.ClientIP,
		"attempts", attempt,
		"latency", latency)
	return &Result{State: StateVerified, Attempts: attempt, Latency: latency, HandshakeAt: handshakeAt}, nil
}

func (v *Verifier) failed(ctx context.Context, target Target, attempts int, reason string, observe Observer) (*Result, error) {
	if err := v.recorder.MarkFailed(ctx, target, reason); err != nil {
		return nil, fmt.Errorf("failed to record connectivity failure: %w", err)
	}
	observe(Observation{
		State:    StateFailed,
		DeviceID: target.DeviceID,
		Attempt:  attempts,
		ClientIP: target.ClientIP.String(),
		Reason:   reason,
	})
	slog.Warn("Device connectivity failed",
		"tenant_id", target.TenantID,
		"device_id", target.DeviceID,
		"attempts", attempts,
		"reason", reason)
	return &Result{State: StateFailed, Attempts: attempts, Reason: reason}, nil
}

func (v *Verifier) timeoutReason() string {
	window := v.cfg.Interval * time.Duration(v.cfg.MaxAttempts)
	return fmt.Sprintf("no handshake observed within %ds — verify the bootstrap artifact was applied and the device has outbound connectivity",
		int(window.Seconds()))
}
