// Package devicerpc talks to the agent running on a managed device over the
// tunnel: a liveness probe plus identity and interface discovery.
package devicerpc

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

var (
	// ErrDeviceUnreachable means nothing answered; callers may retry.
	ErrDeviceUnreachable = errors.New("device unreachable")
	// ErrDeviceError means the device answered with an error; retrying will not help.
	ErrDeviceError = errors.New("device returned an error")
)

const (
	ServiceName          = "silo.device.v1.DeviceService"
	getIdentityMethod    = "/" + ServiceName + "/GetIdentity"
	listInterfacesMethod = "/" + ServiceName + "/ListInterfaces"
)

type ProbeResult struct {
	Latency time.Duration
}

type Identity struct {
	Hostname        string
	Model           string
	FirmwareVersion string
	SerialNumber    string
}

type Interface struct {
	Name       string
	Type       string
	MacAddress string
	Running    bool
	Disabled   bool
	Comment    string
}

// Client is the control-plane side of the device RPC.
type Client interface {
	Probe(ctx context.Context, addr netip.Addr) (*ProbeResult, error)
	FetchIdentity(ctx context.Context, addr netip.Addr) (*Identity, error)
	FetchInterfaces(ctx context.Context, addr netip.Addr) ([]Interface, error)
}
