// Package deviceagent is the device side of the overlay: it fetches the
// bootstrap artifact and answers control-plane RPCs about the host.
package deviceagent

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/EternisAI/silo-overlay/internal/devicerpc"
)

type IdentityConfig struct {
	Hostname        string `mapstructure:"hostname"`
	Model           string `mapstructure:"model"`
	FirmwareVersion string `mapstructure:"firmware_version"`
	SerialNumber    string `mapstructure:"serial_number"`
}

// HostService reports the local host through devicerpc.
type HostService struct {
	identity   IdentityConfig
	interfaces func() ([]net.Interface, error)
}

var _ devicerpc.DeviceService = (*HostService)(nil)

func NewHostService(identity IdentityConfig) *HostService {
	return &HostService{
		identity:   identity,
		interfaces: net.Interfaces,
	}
}

func (s *HostService) GetIdentity(_ context.Context) (*devicerpc.Identity, error) {
	hostname := s.identity.Hostname
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to read hostname: %w", err)
		}
		hostname = h
	}
	return &devicerpc.Identity{
		Hostname:        hostname,
		Model:           s.identity.Model,
		FirmwareVersion: s.identity.FirmwareVersion,
		SerialNumber:    s.identity.SerialNumber,
	}, nil
}

func (s *HostService) ListInterfaces(_ context.Context) ([]devicerpc.Interface, error) {
	ifaces, err := s.interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	out := make([]devicerpc.Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		out = append(out, devicerpc.Interface{
			Name:       iface.Name,
			Type:       interfaceType(iface),
			MacAddress: iface.HardwareAddr.String(),
			Running:    iface.Flags&net.FlagRunning != 0,
			Disabled:   iface.Flags&net.FlagUp == 0,
		})
	}
	return out, nil
}

func interfaceType(iface net.Interface) string {
	switch {
	case iface.Flags&net.FlagLoopback != 0:
		return "loopback"
	case strings.HasPrefix(iface.Name, "wg"):
		return "wireguard"
	case len(iface.HardwareAddr) == 0:
		return "tunnel"
	default:
		return "ether"
	}
}
